package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Balghanimi/toosila/internal/dispatch"
	"github.com/Balghanimi/toosila/internal/ledger"
	"github.com/Balghanimi/toosila/internal/matcher"
	"github.com/Balghanimi/toosila/internal/models"
	"github.com/Balghanimi/toosila/internal/notify"
	"github.com/Balghanimi/toosila/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	ledgerSvc := &ledger.Service{
		Store:  store,
		Match:  &matcher.Coordinator{Store: store, Logger: logger},
		Logger: logger,
	}
	notifySvc := &notify.Service{
		Store:          store,
		Logger:         logger,
		ResponseWindow: 300 * time.Second,
		MessageWindow:  60 * time.Second,
	}
	live := dispatch.NewRegistry(50*time.Millisecond, logger)
	return NewServer(ledgerSvc, notifySvc, live, logger), store
}

func doJSON(t *testing.T, srv *Server, method, path, userID string, driver bool, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if driver {
		req.Header.Set("X-User-Driver", "true")
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestMissingIdentityIsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv, "GET", "/api/v1/notifications", "", false, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestResponseFlowOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	// passenger posts a demand
	w := doJSON(t, srv, "POST", "/api/v1/demands", "passenger", false, map[string]any{
		"from_city": "Baghdad", "to_city": "Erbil", "seats": 1, "budget": 20000,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create demand: %d %s", w.Code, w.Body.String())
	}
	var demand models.Demand
	if err := json.Unmarshal(w.Body.Bytes(), &demand); err != nil {
		t.Fatal(err)
	}

	// a non-driver cannot respond
	w = doJSON(t, srv, "POST", "/api/v1/demands/"+demand.ID+"/responses", "pedestrian", false, map[string]any{
		"offer_price": 15000, "available_seats": 2,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-driver respond: expected 403, got %d", w.Code)
	}

	// the driver's offer lands
	w = doJSON(t, srv, "POST", "/api/v1/demands/"+demand.ID+"/responses", "driver1", true, map[string]any{
		"offer_price": 15000, "available_seats": 2, "message": "AC, leaves at 9",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create response: %d %s", w.Code, w.Body.String())
	}
	var resp models.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	// an invalid status string is rejected at the boundary
	w = doJSON(t, srv, "POST", "/api/v1/responses/"+resp.ID+"/status", "passenger", false, map[string]string{"status": "approved"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad status: expected 400, got %d", w.Code)
	}

	// the owner accepts
	w = doJSON(t, srv, "POST", "/api/v1/responses/"+resp.ID+"/status", "passenger", false, map[string]string{"status": "accepted"})
	if w.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", w.Code, w.Body.String())
	}

	// accepting again maps the Conflict to 409
	w = doJSON(t, srv, "POST", "/api/v1/responses/"+resp.ID+"/status", "passenger", false, map[string]string{"status": "accepted"})
	if w.Code != http.StatusConflict {
		t.Fatalf("re-accept: expected 409, got %d", w.Code)
	}

	// the demand now reads inactive
	w = doJSON(t, srv, "GET", "/api/v1/demands/"+demand.ID, "passenger", false, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get demand: %d", w.Code)
	}
	var got models.Demand
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.IsActive {
		t.Fatal("demand should be inactive after acceptance")
	}
}

func TestNotificationEndpoints(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.CreateNotification(ctx, &models.Notification{
			ID: string(rune('a' + i)), UserID: "u1",
			Type: models.TypeNewMessage, Title: "t", Message: "m",
			CreatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	w := doJSON(t, srv, "GET", "/api/v1/notifications/unread-count", "u1", false, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unread-count: %d", w.Code)
	}
	var count map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &count); err != nil {
		t.Fatal(err)
	}
	if count["unread"] != 3 {
		t.Fatalf("expected 3 unread, got %d", count["unread"])
	}

	// another user marking someone else's notification is a quiet no-op
	w = doJSON(t, srv, "POST", "/api/v1/notifications/a/read", "intruder", false, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("foreign mark-read: expected 204, got %d", w.Code)
	}

	w = doJSON(t, srv, "POST", "/api/v1/notifications/read-all", "u1", false, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("read-all: %d", w.Code)
	}
	var marked map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &marked); err != nil {
		t.Fatal(err)
	}
	if marked["marked"] != 3 {
		t.Fatalf("expected 3 marked, got %d", marked["marked"])
	}

	w = doJSON(t, srv, "DELETE", "/api/v1/notifications/a", "u1", false, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}
	w = doJSON(t, srv, "DELETE", "/api/v1/notifications/a", "u1", false, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("delete again: expected 404, got %d", w.Code)
	}
}

package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Balghanimi/toosila/internal/dispatch"
	"github.com/Balghanimi/toosila/internal/ledger"
	"github.com/Balghanimi/toosila/internal/models"
	"github.com/Balghanimi/toosila/internal/notify"
)

type Server struct {
	Ledger *ledger.Service
	Notify *notify.Service
	Live   *dispatch.Registry

	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(l *ledger.Service, n *notify.Service, live *dispatch.Registry, logger *slog.Logger) *Server {
	s := &Server{
		Ledger: l,
		Notify: n,
		Live:   live,
		logger: logger,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.identityMiddleware)

	api.HandleFunc("/demands", s.handleCreateDemand).Methods("POST")
	api.HandleFunc("/demands/{id}", s.handleGetDemand).Methods("GET")
	api.HandleFunc("/demands/{id}/deactivate", s.handleDeactivateDemand).Methods("POST")
	api.HandleFunc("/demands/{id}/responses", s.handleCreateResponse).Methods("POST")
	api.HandleFunc("/demands/{id}/responses", s.handleListByDemand).Methods("GET")
	api.HandleFunc("/responses/mine", s.handleListMine).Methods("GET")
	api.HandleFunc("/responses/{id}/status", s.handleTransition).Methods("POST")
	api.HandleFunc("/responses/{id}", s.handleDeleteResponse).Methods("DELETE")

	api.HandleFunc("/notifications", s.handleListNotifications).Methods("GET")
	api.HandleFunc("/notifications/unread-count", s.handleUnreadCount).Methods("GET")
	api.HandleFunc("/notifications/read-all", s.handleMarkAllRead).Methods("POST")
	api.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods("POST")
	api.HandleFunc("/notifications/{id}", s.handleDeleteNotification).Methods("DELETE")

	s.mux.Handle("/ws", s.identityMiddleware(http.HandlerFunc(s.handleWS)))
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateDemand(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	var in ledger.CreateDemandInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d, err := s.Ledger.CreateDemand(r.Context(), id.UserID, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDemand(w http.ResponseWriter, r *http.Request) {
	d, err := s.Ledger.GetDemand(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeactivateDemand(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	if err := s.Ledger.DeactivateDemand(r.Context(), mux.Vars(r)["id"], id.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateResponse(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	if !id.IsDriver {
		s.writeError(w, models.Forbidden("only drivers may respond to demands"))
		return
	}
	var in ledger.CreateResponseInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.Ledger.CreateResponse(r.Context(), mux.Vars(r)["id"], id.UserID, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListByDemand(w http.ResponseWriter, r *http.Request) {
	responses, err := s.Ledger.ListByDemand(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, responses)
}

func (s *Server) handleListMine(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	summary, err := s.Ledger.ListByDriver(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	var in struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, err := models.ParseResponseStatus(in.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.Ledger.Transition(r.Context(), mux.Vars(r)["id"], id.UserID, status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteResponse(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	if err := s.Ledger.Delete(r.Context(), mux.Vars(r)["id"], id.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	list, err := s.Notify.ListForUser(r.Context(), id.UserID, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	count, err := s.Notify.UnreadCount(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"unread": count})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	n, err := s.Notify.MarkRead(r.Context(), mux.Vars(r)["id"], id.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if n == nil {
		// Nothing to do; missing and foreign notifications look alike.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	count, err := s.Notify.MarkAllRead(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"marked": count})
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	if err := s.Notify.Delete(r.Context(), mux.Vars(r)["id"], id.UserID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWS registers a live channel for the caller and blocks on the read
// loop until the client goes away. Clients send nothing meaningful; the
// read loop only detects disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "user_id", id.UserID, "error", err)
		return
	}
	ch := s.Live.Register(id.UserID, conn)
	defer func() {
		s.Live.Deregister(ch)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch models.KindOf(err) {
	case models.KindNotFound:
		status = http.StatusNotFound
	case models.KindConflict:
		status = http.StatusConflict
	case models.KindForbidden:
		status = http.StatusForbidden
	case models.KindInvalid:
		status = http.StatusBadRequest
	case models.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  models.KindOf(err).String(),
	})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

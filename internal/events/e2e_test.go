package events_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Balghanimi/toosila/internal/events"
	"github.com/Balghanimi/toosila/internal/ledger"
	"github.com/Balghanimi/toosila/internal/matcher"
	"github.com/Balghanimi/toosila/internal/models"
	"github.com/Balghanimi/toosila/internal/notify"
	"github.com/Balghanimi/toosila/internal/storage"
)

type nopPusher struct{}

func (nopPusher) Push(string, any) int { return 0 }

// The full accept flow: driver offers, passenger accepts, the driver gets
// a durable response_accepted notification, the demand closes, and a
// late second offer bounces.
func TestEndToEndAcceptFlow(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	notifySvc := &notify.Service{
		Store:          store,
		Logger:         logger,
		ResponseWindow: 300 * time.Second,
		MessageWindow:  60 * time.Second,
	}
	dispatcher := events.NewDispatcher(notifySvc, nopPusher{}, logger, 16)
	dispatcher.Start(context.Background())

	svc := &ledger.Service{
		Store:  store,
		Match:  &matcher.Coordinator{Store: store, Logger: logger},
		Events: dispatcher,
		Logger: logger,
	}
	ctx := context.Background()

	demand, err := svc.CreateDemand(ctx, "passenger", ledger.CreateDemandInput{FromCity: "Baghdad", ToCity: "Mosul", Seats: 1})
	if err != nil {
		t.Fatal(err)
	}

	r1, err := svc.CreateResponse(ctx, demand.ID, "driver1", ledger.CreateResponseInput{OfferPrice: 15000, AvailableSeats: 2})
	if err != nil {
		t.Fatal(err)
	}
	if r1.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", r1.Status)
	}

	accepted, err := svc.Transition(ctx, r1.ID, "passenger", models.StatusAccepted)
	if err != nil {
		t.Fatal(err)
	}
	if accepted.Status != models.StatusAccepted {
		t.Fatalf("expected accepted, got %s", accepted.Status)
	}

	d, err := store.GetDemand(ctx, demand.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.IsActive {
		t.Fatal("demand must be inactive after acceptance")
	}

	// the demand is closed; a second driver is turned away
	_, err = svc.CreateResponse(ctx, demand.ID, "driver2", ledger.CreateResponseInput{OfferPrice: 12000, AvailableSeats: 3})
	if models.KindOf(err) != models.KindInvalid {
		t.Fatalf("late offer: expected Invalid, got %v", err)
	}

	// drain side effects, then check the driver's durable record
	dispatcher.Close()
	list, err := store.ListForUser(ctx, "driver1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, n := range list {
		if n.Type == models.TypeResponseAccepted {
			found = true
		}
	}
	if !found {
		t.Fatalf("driver1 has no response_accepted notification: %+v", list)
	}
}

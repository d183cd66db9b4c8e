package ledger

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/Balghanimi/toosila/internal/events"
	"github.com/Balghanimi/toosila/internal/matcher"
	"github.com/Balghanimi/toosila/internal/models"
	"github.com/Balghanimi/toosila/internal/storage"
)

type captureEmitter struct{ events []events.Event }

func (c *captureEmitter) Emit(ev events.Event) { c.events = append(c.events, ev) }

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *captureEmitter) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	emitter := &captureEmitter{}
	svc := &Service{
		Store:  store,
		Match:  &matcher.Coordinator{Store: store, Logger: logger},
		Events: emitter,
		Logger: logger,
	}
	return svc, store, emitter
}

func mustCreateDemand(t *testing.T, svc *Service, owner string, seats int, budget int64) *models.Demand {
	t.Helper()
	d, err := svc.CreateDemand(context.Background(), owner, CreateDemandInput{FromCity: "Baghdad", ToCity: "Basra", Seats: seats, Budget: budget})
	if err != nil {
		t.Fatalf("create demand: %v", err)
	}
	return d
}

func mustCreateResponse(t *testing.T, svc *Service, demandID, driver string, price int64, seats int) *models.Response {
	t.Helper()
	r, err := svc.CreateResponse(context.Background(), demandID, driver, CreateResponseInput{OfferPrice: price, AvailableSeats: seats})
	if err != nil {
		t.Fatalf("create response: %v", err)
	}
	return r
}

func TestCreateResponsePreconditions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	d := mustCreateDemand(t, svc, "owner", 2, 0)

	// unknown demand
	if _, err := svc.CreateResponse(ctx, "missing", "drv", CreateResponseInput{OfferPrice: 1000, AvailableSeats: 2}); models.KindOf(err) != models.KindNotFound {
		t.Fatalf("unknown demand: expected NotFound, got %v", err)
	}
	// own demand
	if _, err := svc.CreateResponse(ctx, d.ID, "owner", CreateResponseInput{OfferPrice: 1000, AvailableSeats: 2}); models.KindOf(err) != models.KindForbidden {
		t.Fatalf("own demand: expected Forbidden, got %v", err)
	}
	// insufficient seats
	if _, err := svc.CreateResponse(ctx, d.ID, "drv", CreateResponseInput{OfferPrice: 1000, AvailableSeats: 1}); models.KindOf(err) != models.KindInvalid {
		t.Fatalf("seats: expected Invalid, got %v", err)
	}
	// non-positive price
	if _, err := svc.CreateResponse(ctx, d.ID, "drv", CreateResponseInput{OfferPrice: 0, AvailableSeats: 2}); models.KindOf(err) != models.KindInvalid {
		t.Fatalf("price: expected Invalid, got %v", err)
	}
	// happy path
	r := mustCreateResponse(t, svc, d.ID, "drv", 1000, 2)
	if r.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", r.Status)
	}
	// duplicate by same driver
	if _, err := svc.CreateResponse(ctx, d.ID, "drv", CreateResponseInput{OfferPrice: 2000, AvailableSeats: 2}); models.KindOf(err) != models.KindConflict {
		t.Fatalf("duplicate: expected Conflict, got %v", err)
	}
	// inactive demand
	if err := svc.DeactivateDemand(ctx, d.ID, "owner"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateResponse(ctx, d.ID, "drv2", CreateResponseInput{OfferPrice: 1000, AvailableSeats: 2}); models.KindOf(err) != models.KindInvalid {
		t.Fatalf("inactive demand: expected Invalid, got %v", err)
	}
}

func TestBudgetIsAdvisoryOnly(t *testing.T) {
	svc, _, _ := newTestService(t)
	d := mustCreateDemand(t, svc, "owner", 1, 10000)
	// twice the budget still goes through
	r := mustCreateResponse(t, svc, d.ID, "drv", 20000, 1)
	if r.OfferPrice != 20000 {
		t.Fatalf("price was coerced: %d", r.OfferPrice)
	}
}

func TestTransitionRoleRules(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	d := mustCreateDemand(t, svc, "owner", 1, 0)
	r := mustCreateResponse(t, svc, d.ID, "drv", 1000, 1)

	// driver may not accept or reject
	if _, err := svc.Transition(ctx, r.ID, "drv", models.StatusAccepted); models.KindOf(err) != models.KindForbidden {
		t.Fatalf("driver accept: expected Forbidden, got %v", err)
	}
	if _, err := svc.Transition(ctx, r.ID, "drv", models.StatusRejected); models.KindOf(err) != models.KindForbidden {
		t.Fatalf("driver reject: expected Forbidden, got %v", err)
	}
	// owner may not cancel
	if _, err := svc.Transition(ctx, r.ID, "owner", models.StatusCancelled); models.KindOf(err) != models.KindForbidden {
		t.Fatalf("owner cancel: expected Forbidden, got %v", err)
	}
	// pending is not a valid target
	if _, err := svc.Transition(ctx, r.ID, "owner", models.StatusPending); models.KindOf(err) != models.KindInvalid {
		t.Fatalf("pending target: expected Invalid, got %v", err)
	}
	// driver cancels their own offer
	updated, err := svc.Transition(ctx, r.ID, "drv", models.StatusCancelled)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", updated.Status)
	}
	// a cancelled offer is terminal
	if _, err := svc.Transition(ctx, r.ID, "owner", models.StatusAccepted); models.KindOf(err) != models.KindConflict {
		t.Fatalf("terminal: expected Conflict, got %v", err)
	}
}

func TestAcceptEmitsAcceptanceAndDemotionEvents(t *testing.T) {
	svc, store, emitter := newTestService(t)
	ctx := context.Background()
	d := mustCreateDemand(t, svc, "owner", 1, 0)
	r1 := mustCreateResponse(t, svc, d.ID, "drvA", 1000, 1)
	r2 := mustCreateResponse(t, svc, d.ID, "drvB", 1200, 2)
	r3 := mustCreateResponse(t, svc, d.ID, "drvC", 900, 1)
	emitter.events = nil

	accepted, err := svc.Transition(ctx, r1.ID, "owner", models.StatusAccepted)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != models.StatusAccepted {
		t.Fatalf("expected accepted, got %s", accepted.Status)
	}

	// one acceptance, two demotions
	var accepts, rejects int
	for _, ev := range emitter.events {
		switch ev.Kind {
		case events.ResponseAccepted:
			accepts++
			if ev.Response.ID != r1.ID {
				t.Fatalf("acceptance event for wrong response %s", ev.Response.ID)
			}
		case events.ResponseRejected:
			rejects++
			if ev.Response.ID != r2.ID && ev.Response.ID != r3.ID {
				t.Fatalf("rejection event for wrong response %s", ev.Response.ID)
			}
		}
	}
	if accepts != 1 || rejects != 2 {
		t.Fatalf("expected 1 acceptance and 2 rejections, got %d/%d", accepts, rejects)
	}

	got, err := store.GetDemand(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.IsActive {
		t.Fatal("demand still active after acceptance")
	}
}

func TestDeleteRules(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	d := mustCreateDemand(t, svc, "owner", 1, 0)
	r := mustCreateResponse(t, svc, d.ID, "drv", 1000, 1)

	if err := svc.Delete(ctx, r.ID, "someone-else"); models.KindOf(err) != models.KindForbidden {
		t.Fatalf("foreign delete: expected Forbidden, got %v", err)
	}

	if _, err := svc.Transition(ctx, r.ID, "owner", models.StatusAccepted); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, r.ID, "drv"); models.KindOf(err) != models.KindConflict {
		t.Fatalf("delete accepted: expected Conflict, got %v", err)
	}

	d2 := mustCreateDemand(t, svc, "owner2", 1, 0)
	r2 := mustCreateResponse(t, svc, d2.ID, "drv", 1000, 1)
	if err := svc.Delete(ctx, r2.ID, "drv"); err != nil {
		t.Fatalf("delete pending: %v", err)
	}
	if _, err := svc.Store.GetResponse(ctx, r2.ID); models.KindOf(err) != models.KindNotFound {
		t.Fatalf("expected response gone, got %v", err)
	}
}

func TestListByDriverSummaryCounts(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	d1 := mustCreateDemand(t, svc, "o1", 1, 0)
	d2 := mustCreateDemand(t, svc, "o2", 1, 0)
	d3 := mustCreateDemand(t, svc, "o3", 1, 0)

	r1 := mustCreateResponse(t, svc, d1.ID, "drv", 1000, 1)
	mustCreateResponse(t, svc, d2.ID, "drv", 1000, 1)
	r3 := mustCreateResponse(t, svc, d3.ID, "drv", 1000, 1)

	if _, err := svc.Transition(ctx, r1.ID, "o1", models.StatusAccepted); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Transition(ctx, r3.ID, "drv", models.StatusCancelled); err != nil {
		t.Fatal(err)
	}

	summary, err := svc.ListByDriver(ctx, "drv")
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(summary.Responses))
	}
	if summary.Counts[models.StatusAccepted] != 1 ||
		summary.Counts[models.StatusPending] != 1 ||
		summary.Counts[models.StatusCancelled] != 1 {
		t.Fatalf("unexpected counts: %v", summary.Counts)
	}
}

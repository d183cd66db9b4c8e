package matcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/Balghanimi/toosila/internal/models"
)

type fakeStore struct {
	resp    *models.Response
	demoted []models.Response
	err     error
}

func (f *fakeStore) CreateResponse(context.Context, *models.Response) error { return nil }
func (f *fakeStore) GetResponse(context.Context, string) (*models.Response, error) {
	return f.resp, f.err
}
func (f *fakeStore) ListByDemand(context.Context, string) ([]models.Response, error) {
	return nil, nil
}
func (f *fakeStore) ListByDriver(context.Context, string) ([]models.Response, error) {
	return nil, nil
}
func (f *fakeStore) TransitionResponse(_ context.Context, _ string, to models.ResponseStatus) (*models.Response, []models.Response, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	cp := *f.resp
	cp.Status = to
	return &cp, f.demoted, nil
}
func (f *fakeStore) DeleteResponse(context.Context, string) error { return nil }

type fakeHolder struct {
	calls  int
	amount int64
	err    error
}

func (f *fakeHolder) Hold(_ context.Context, amount int64, _ string) (string, error) {
	f.calls++
	f.amount = amount
	return "pi_test", f.err
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAcceptPlacesFareHold(t *testing.T) {
	store := &fakeStore{
		resp:    &models.Response{ID: "r1", DemandID: "dm1", DriverID: "drv", OfferPrice: 15000, Status: models.StatusPending},
		demoted: []models.Response{{ID: "r2", Status: models.StatusRejected}},
	}
	holder := &fakeHolder{}
	c := &Coordinator{Store: store, Payments: holder, Logger: discard()}

	resp, demoted, err := c.Accept(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != models.StatusAccepted {
		t.Fatalf("expected accepted, got %s", resp.Status)
	}
	if len(demoted) != 1 {
		t.Fatalf("expected 1 demoted, got %d", len(demoted))
	}
	if holder.calls != 1 || holder.amount != 15000 {
		t.Fatalf("hold not placed for offer amount: calls=%d amount=%d", holder.calls, holder.amount)
	}
}

func TestAcceptSucceedsWhenHoldFails(t *testing.T) {
	store := &fakeStore{resp: &models.Response{ID: "r1", OfferPrice: 9000, Status: models.StatusPending}}
	holder := &fakeHolder{err: errors.New("stripe down")}
	c := &Coordinator{Store: store, Payments: holder, Logger: discard()}

	resp, _, err := c.Accept(context.Background(), "r1")
	if err != nil {
		t.Fatalf("hold failure must not fail the acceptance: %v", err)
	}
	if resp.Status != models.StatusAccepted {
		t.Fatalf("expected accepted, got %s", resp.Status)
	}
}

func TestAcceptPropagatesStoreConflict(t *testing.T) {
	store := &fakeStore{err: models.Conflict("response r1 is already accepted")}
	holder := &fakeHolder{}
	c := &Coordinator{Store: store, Payments: holder, Logger: discard()}

	_, _, err := c.Accept(context.Background(), "r1")
	if models.KindOf(err) != models.KindConflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
	if holder.calls != 0 {
		t.Fatal("no hold on a failed acceptance")
	}
}

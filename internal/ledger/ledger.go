// Package ledger owns the response lifecycle: creation preconditions,
// role-checked transitions, listings, and deletion rules. Business-rule
// violations come back as kind-tagged errors; notification and push side
// effects travel through the event emitter after the write commits.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/Balghanimi/toosila/internal/events"
	"github.com/Balghanimi/toosila/internal/matcher"
	"github.com/Balghanimi/toosila/internal/models"
	"github.com/Balghanimi/toosila/internal/observability"
	"github.com/Balghanimi/toosila/internal/storage"
)

type Service struct {
	Store  storage.Store
	Match  *matcher.Coordinator
	Events events.Emitter // nil disables side effects (tests)
	Logger *slog.Logger
}

// CreateDemandInput is the owner-supplied demand surface.
type CreateDemandInput struct {
	FromCity string `json:"from_city"`
	ToCity   string `json:"to_city"`
	Seats    int    `json:"seats"`
	Budget   int64  `json:"budget"`
}

func (s *Service) CreateDemand(ctx context.Context, passengerID string, in CreateDemandInput) (*models.Demand, error) {
	if strings.TrimSpace(in.FromCity) == "" || strings.TrimSpace(in.ToCity) == "" {
		return nil, models.Invalid("from and to cities are required")
	}
	if in.Seats <= 0 {
		return nil, models.Invalid("seats must be > 0")
	}
	if in.Budget < 0 {
		return nil, models.Invalid("budget must not be negative")
	}
	d := &models.Demand{
		ID:          newID(),
		PassengerID: passengerID,
		FromCity:    strings.TrimSpace(in.FromCity),
		ToCity:      strings.TrimSpace(in.ToCity),
		Seats:       in.Seats,
		Budget:      in.Budget,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.Store.CreateDemand(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) GetDemand(ctx context.Context, id string) (*models.Demand, error) {
	return s.Store.GetDemand(ctx, id)
}

// DeactivateDemand is the owner's manual close; acceptance deactivates
// through the coordinator instead.
func (s *Service) DeactivateDemand(ctx context.Context, id, requesterID string) error {
	d, err := s.Store.GetDemand(ctx, id)
	if err != nil {
		return err
	}
	if d.PassengerID != requesterID {
		return models.Forbidden("only the demand owner may deactivate it")
	}
	return s.Store.DeactivateDemand(ctx, id)
}

// CreateResponseInput is the driver-supplied offer surface.
type CreateResponseInput struct {
	OfferPrice     int64  `json:"offer_price"`
	AvailableSeats int    `json:"available_seats"`
	Message        string `json:"message"`
}

// CreateResponse registers a driver's pending offer. Preconditions: the
// demand exists and is active, the driver does not own it, the driver has
// no prior offer on it, and the offered seats cover the demand. A price
// above the advisory budget logs a warning and goes through.
func (s *Service) CreateResponse(ctx context.Context, demandID, driverID string, in CreateResponseInput) (*models.Response, error) {
	d, err := s.Store.GetDemand(ctx, demandID)
	if err != nil {
		return nil, err
	}
	if !d.IsActive {
		return nil, models.Invalid("demand %s is not active", demandID)
	}
	if d.PassengerID == driverID {
		return nil, models.Forbidden("cannot respond to your own demand")
	}
	if in.OfferPrice <= 0 {
		return nil, models.Invalid("offer price must be > 0")
	}
	if in.AvailableSeats < d.Seats {
		return nil, models.Invalid("insufficient seats: offered %d, demand needs %d", in.AvailableSeats, d.Seats)
	}
	if d.Budget > 0 && in.OfferPrice > d.Budget {
		// Budgets are advisory; the owner decides whether the premium
		// is worth it.
		s.Logger.Warn("offer exceeds demand budget",
			"demand_id", demandID, "driver_id", driverID,
			"offer_price", in.OfferPrice, "budget", d.Budget)
	}

	now := time.Now().UTC()
	r := &models.Response{
		ID:             newID(),
		DemandID:       demandID,
		DriverID:       driverID,
		OfferPrice:     in.OfferPrice,
		AvailableSeats: in.AvailableSeats,
		Message:        in.Message,
		Status:         models.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.CreateResponse(ctx, r); err != nil {
		return nil, err
	}
	observability.ResponsesCreatedTotal.Inc()
	s.emit(events.Event{Kind: events.ResponseCreated, Response: *r, Demand: *d})
	return r, nil
}

func (s *Service) ListByDemand(ctx context.Context, demandID string) ([]models.Response, error) {
	if _, err := s.Store.GetDemand(ctx, demandID); err != nil {
		return nil, err
	}
	return s.Store.ListByDemand(ctx, demandID)
}

func (s *Service) ListByDriver(ctx context.Context, driverID string) (*models.DriverSummary, error) {
	responses, err := s.Store.ListByDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	counts := make(map[models.ResponseStatus]int, 4)
	for _, r := range responses {
		counts[r.Status]++
	}
	return &models.DriverSummary{Responses: responses, Counts: counts}, nil
}

// Transition moves a pending response to accepted, rejected or cancelled.
// Accept/reject belong to the demand owner, cancel to the offering
// driver. Acceptance routes through the coordinator so sibling demotion
// and demand deactivation commit atomically with it.
func (s *Service) Transition(ctx context.Context, responseID, requesterID string, to models.ResponseStatus) (*models.Response, error) {
	if to == models.StatusPending {
		return nil, models.Invalid("cannot transition a response back to pending")
	}

	r, err := s.Store.GetResponse(ctx, responseID)
	if err != nil {
		return nil, err
	}
	d, err := s.Store.GetDemand(ctx, r.DemandID)
	if err != nil {
		return nil, err
	}

	switch to {
	case models.StatusAccepted, models.StatusRejected:
		if d.PassengerID != requesterID {
			return nil, models.Forbidden("only the demand owner may %s a response", to)
		}
	case models.StatusCancelled:
		if r.DriverID != requesterID {
			return nil, models.Forbidden("only the offering driver may cancel a response")
		}
	}

	if to == models.StatusAccepted {
		accepted, demoted, err := s.Match.Accept(ctx, responseID)
		if err != nil {
			return nil, err
		}
		s.emit(events.Event{Kind: events.ResponseAccepted, Response: *accepted, Demand: *d})
		for _, loser := range demoted {
			s.emit(events.Event{Kind: events.ResponseRejected, Response: loser, Demand: *d})
		}
		return accepted, nil
	}

	updated, _, err := s.Store.TransitionResponse(ctx, responseID, to)
	if err != nil {
		return nil, err
	}
	switch to {
	case models.StatusRejected:
		s.emit(events.Event{Kind: events.ResponseRejected, Response: *updated, Demand: *d})
	case models.StatusCancelled:
		s.emit(events.Event{Kind: events.ResponseCancelled, Response: *updated, Demand: *d})
	}
	return updated, nil
}

// Delete removes a driver's own response. An accepted response carries
// the match record and must be cancelled instead.
func (s *Service) Delete(ctx context.Context, responseID, requesterID string) error {
	r, err := s.Store.GetResponse(ctx, responseID)
	if err != nil {
		return err
	}
	if r.DriverID != requesterID {
		return models.Forbidden("only the offering driver may delete a response")
	}
	if r.Status == models.StatusAccepted {
		return models.Conflict("an accepted response must be cancelled, not deleted")
	}
	return s.Store.DeleteResponse(ctx, responseID)
}

func (s *Service) emit(ev events.Event) {
	if s.Events != nil {
		s.Events.Emit(ev)
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

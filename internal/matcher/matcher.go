// Package matcher enforces single acceptance per demand. The atomic write
// itself lives in the store's TransitionResponse; the coordinator owns
// what happens around it: telemetry, the fare hold, and the demoted-
// sibling report the event layer turns into rejection notices.
package matcher

import (
	"context"
	"log/slog"

	"github.com/Balghanimi/toosila/internal/models"
	"github.com/Balghanimi/toosila/internal/observability"
	"github.com/Balghanimi/toosila/internal/storage"
)

// FareHolder places a hold on the accepted offer amount. Implemented by
// payments.StripeClient; nil disables holds.
type FareHolder interface {
	Hold(ctx context.Context, amount int64, customerID string) (string, error)
}

type Coordinator struct {
	Store    storage.ResponseStore
	Payments FareHolder
	Logger   *slog.Logger
}

// Accept transitions the response to accepted and, in the same store
// transaction, demotes every other pending response on the demand and
// deactivates the demand. When two acceptances race, the store's pending
// check lets exactly one through; the other caller sees a Conflict.
// The demoted slice is for notifications and logging, never for
// correctness decisions.
func (c *Coordinator) Accept(ctx context.Context, responseID string) (*models.Response, []models.Response, error) {
	resp, demoted, err := c.Store.TransitionResponse(ctx, responseID, models.StatusAccepted)
	if err != nil {
		return nil, nil, err
	}

	observability.AcceptancesTotal.Inc()
	observability.DemotionsTotal.Add(float64(len(demoted)))
	c.Logger.Info("response accepted",
		"response_id", resp.ID,
		"demand_id", resp.DemandID,
		"driver_id", resp.DriverID,
		"demoted", len(demoted))

	// The acceptance is already committed; a failed hold is an
	// operational follow-up, not a reason to fail the match.
	if c.Payments != nil {
		if holdID, err := c.Payments.Hold(ctx, resp.OfferPrice, resp.DriverID); err != nil {
			c.Logger.Warn("fare hold failed", "response_id", resp.ID, "error", err)
		} else {
			c.Logger.Info("fare hold placed", "response_id", resp.ID, "payment_intent", holdID)
		}
	}

	return resp, demoted, nil
}

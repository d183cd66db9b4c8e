// Package events decouples side effects from business transactions.
// Ledger operations emit a typed event record after their write commits;
// the dispatcher consumes the records and performs the notification
// write and live push. A full buffer or a failed side effect can never
// unwind the business outcome.
package events

import (
	"fmt"
	"time"

	"github.com/Balghanimi/toosila/internal/models"
)

type Kind string

const (
	ResponseCreated   Kind = "response_created"
	ResponseAccepted  Kind = "response_accepted"
	ResponseRejected  Kind = "response_rejected"
	ResponseCancelled Kind = "response_cancelled"
)

// Event is one committed state change of a response, with enough
// surrounding state to build the notification without another read.
type Event struct {
	Kind       Kind            `json:"kind"`
	Response   models.Response `json:"response"`
	Demand     models.Demand   `json:"demand"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Emitter is the surface business code sees. Emit must not block.
type Emitter interface {
	Emit(ev Event)
}

// payloadKey includes the kind so a creation and a later cancellation of
// the same response dedup independently.
func (e Event) payloadKey() string {
	return fmt.Sprintf("%s:%s", e.Kind, e.Response.ID)
}

// recipient, type and wording per event kind. Created and cancelled go to
// the demand owner; accepted and rejected go to the driver.
func (e Event) notification() (userID string, typ models.NotificationType, title, message string) {
	route := e.Demand.FromCity + " to " + e.Demand.ToCity
	switch e.Kind {
	case ResponseCreated:
		return e.Demand.PassengerID, models.TypeDemandResponse,
			"New offer on your ride",
			fmt.Sprintf("A driver offered %d for your ride from %s.", e.Response.OfferPrice, route)
	case ResponseAccepted:
		return e.Response.DriverID, models.TypeResponseAccepted,
			"Your offer was accepted",
			fmt.Sprintf("The passenger accepted your offer of %d for the ride from %s.", e.Response.OfferPrice, route)
	case ResponseRejected:
		return e.Response.DriverID, models.TypeResponseRejected,
			"Your offer was declined",
			fmt.Sprintf("Your offer for the ride from %s was declined.", route)
	case ResponseCancelled:
		return e.Demand.PassengerID, models.TypeDemandResponse,
			"An offer was withdrawn",
			fmt.Sprintf("A driver withdrew their offer for your ride from %s.", route)
	}
	return "", "", "", ""
}

func (e Event) data() map[string]any {
	return map[string]any{
		"demand_id":   e.Demand.ID,
		"response_id": e.Response.ID,
		"status":      string(e.Response.Status),
	}
}

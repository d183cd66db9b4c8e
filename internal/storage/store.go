package storage

import (
	"context"
	"time"

	"github.com/Balghanimi/toosila/internal/models"
)

// DemandStore is the read-mostly view of demand records plus the two
// writes the core performs: creation by the owner and deactivation.
type DemandStore interface {
	CreateDemand(ctx context.Context, d *models.Demand) error
	GetDemand(ctx context.Context, id string) (*models.Demand, error)
	// DeactivateDemand flips the active flag off. Acceptance does this
	// inside TransitionResponse instead, within the same transaction.
	DeactivateDemand(ctx context.Context, id string) error
}

// ResponseStore owns response rows. TransitionResponse is the atomic unit
// the single-acceptance invariant rests on: the read-check-write on the
// status column happens under a row lock (or one mutex hold in memory),
// and an acceptance additionally demotes pending siblings and deactivates
// the demand before anything commits.
type ResponseStore interface {
	CreateResponse(ctx context.Context, r *models.Response) error
	GetResponse(ctx context.Context, id string) (*models.Response, error)
	// ListByDemand orders actionable responses first: accepted, pending,
	// rejected, cancelled; newest first within each group.
	ListByDemand(ctx context.Context, demandID string) ([]models.Response, error)
	ListByDriver(ctx context.Context, driverID string) ([]models.Response, error)
	// TransitionResponse fails with a Conflict naming the current status
	// unless the response is still pending. On a transition to accepted it
	// returns the demoted siblings; callers use them for notification and
	// telemetry only.
	TransitionResponse(ctx context.Context, id string, to models.ResponseStatus) (*models.Response, []models.Response, error)
	DeleteResponse(ctx context.Context, id string) error
}

// NotificationStore is the durable, append-only notification record.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	// HasSimilarRecent reports whether a notification of the same type and
	// payload key exists for the recipient within the trailing window.
	HasSimilarRecent(ctx context.Context, userID string, typ models.NotificationType, payloadKey string, window time.Duration) (bool, error)
	ListForUser(ctx context.Context, userID string, limit, offset int) ([]models.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	// MarkRead returns (nil, nil) when the notification is missing or
	// belongs to someone else; existence is never leaked across users.
	MarkRead(ctx context.Context, id, userID string) (*models.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int, error)
	DeleteNotification(ctx context.Context, id, userID string) error
}

// Store aggregates the three record families behind one handle.
type Store interface {
	DemandStore
	ResponseStore
	NotificationStore
}

// statusRank mirrors the ListByDemand ordering contract.
func statusRank(s models.ResponseStatus) int {
	switch s {
	case models.StatusAccepted:
		return 0
	case models.StatusPending:
		return 1
	case models.StatusRejected:
		return 2
	default:
		return 3
	}
}

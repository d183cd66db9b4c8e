// Package notify owns the durable notification record and the
// de-duplication policy in front of it. Creation is best-effort relative
// to the business transaction that triggered it: callers log and swallow
// Unavailable errors, they never roll back.
package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/Balghanimi/toosila/internal/models"
	"github.com/Balghanimi/toosila/internal/observability"
	"github.com/Balghanimi/toosila/internal/storage"
)

const defaultPageSize = 50

// Service wraps the NotificationStore with dedup windows and recipient
// ownership semantics.
type Service struct {
	Store  storage.NotificationStore
	Dedup  DedupIndex // optional fast path; nil falls back to a store query
	Logger *slog.Logger

	// Trailing suppression windows. Response-shaped events share one
	// window, message events a shorter one. Both are deployment knobs.
	ResponseWindow time.Duration
	MessageWindow  time.Duration
}

// WindowFor picks the suppression window for a notification type.
func (s *Service) WindowFor(typ models.NotificationType) time.Duration {
	if typ == models.TypeNewMessage {
		return s.MessageWindow
	}
	return s.ResponseWindow
}

// Notify persists a notification for the recipient unless an equal one
// (same recipient, type, payload key) was already written within the
// window. Returns (nil, nil) when suppressed.
func (s *Service) Notify(ctx context.Context, userID string, typ models.NotificationType, title, message, payloadKey string, data map[string]any) (*models.Notification, error) {
	window := s.WindowFor(typ)

	seen, err := s.seenRecently(ctx, userID, typ, payloadKey, window)
	if err != nil {
		// A broken dedup check must not lose the notification; a rare
		// duplicate beats silence.
		s.Logger.Warn("dedup check failed, creating anyway", "error", err, "user_id", userID, "type", typ)
	} else if seen {
		observability.NotificationsSuppressedTotal.Inc()
		s.Logger.Debug("notification suppressed", "user_id", userID, "type", typ, "key", payloadKey)
		return nil, nil
	}

	if data == nil {
		data = make(map[string]any, 1)
	}
	data["key"] = payloadKey

	n := &models.Notification{
		ID:        newID(),
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Store.CreateNotification(ctx, n); err != nil {
		observability.NotificationsFailedTotal.Inc()
		return nil, err
	}
	observability.NotificationsCreatedTotal.Inc()
	return n, nil
}

func (s *Service) seenRecently(ctx context.Context, userID string, typ models.NotificationType, payloadKey string, window time.Duration) (bool, error) {
	if s.Dedup != nil {
		return s.Dedup.Seen(ctx, dedupKey(userID, typ, payloadKey), window)
	}
	return s.Store.HasSimilarRecent(ctx, userID, typ, payloadKey, window)
}

func (s *Service) ListForUser(ctx context.Context, userID string, limit, offset int) ([]models.Notification, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.Store.ListForUser(ctx, userID, limit, offset)
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.Store.UnreadCount(ctx, userID)
}

// MarkRead is no-op-safe: a missing or foreign notification yields
// (nil, nil), never an error, so existence is not leaked across users.
func (s *Service) MarkRead(ctx context.Context, id, userID string) (*models.Notification, error) {
	return s.Store.MarkRead(ctx, id, userID)
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	return s.Store.MarkAllRead(ctx, userID)
}

func (s *Service) Delete(ctx context.Context, id, userID string) error {
	return s.Store.DeleteNotification(ctx, id, userID)
}

func dedupKey(userID string, typ models.NotificationType, payloadKey string) string {
	return userID + "|" + string(typ) + "|" + payloadKey
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }

package dispatch

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// WebhookDispatcher POSTs notification payloads to an external relay for
// users who favor a hosted push bridge over a direct socket. Same
// contract as the registry: bounded, best-effort, never surfaces errors.
type WebhookDispatcher struct {
	Endpoint string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewWebhookDispatcher(endpoint string, logger *slog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 3 * time.Second},
		Logger:   logger,
	}
}

func (d *WebhookDispatcher) Push(userID string, payload any) int {
	body, err := json.Marshal(map[string]any{"user_id": userID, "payload": payload})
	if err != nil {
		d.Logger.Warn("webhook payload not serializable", "error", err)
		return 0
	}
	resp, err := d.Client.Post(d.Endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		d.Logger.Warn("webhook push failed", "user_id", userID, "error", err)
		return 0
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.Logger.Warn("webhook push rejected", "user_id", userID, "status", resp.StatusCode)
		return 0
	}
	return 1
}

// The notifier ingests upstream event sources (bookings, messages, trip
// reminders) from Kafka and writes them into the notification store
// through the same create/dedup contract the in-process dispatcher uses.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/Balghanimi/toosila/internal/config"
	"github.com/Balghanimi/toosila/internal/logging"
	"github.com/Balghanimi/toosila/internal/models"
	"github.com/Balghanimi/toosila/internal/notify"
	"github.com/Balghanimi/toosila/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_messages_consumed_total",
		Help: "Total upstream event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	notificationsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_notifications_written_total",
		Help: "Total notifications written from upstream events",
	})
	notificationsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_notifications_suppressed_total",
		Help: "Total upstream events suppressed by the dedup window",
	})
	writeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_write_errors_total",
		Help: "Total notification write failures after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, notificationsWritten, notificationsSuppressed, writeErrors)
}

// upstreamEvent is the wire shape upstream producers publish. Type is
// validated against the closed notification type set before anything is
// written.
type upstreamEvent struct {
	Type    string         `json:"type"`
	UserID  string         `json:"user_id"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Key     string         `json:"key"`
	Data    map[string]any `json:"data"`
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides METRICS_ADDR)")
	flag.Parse()

	cfg, err := config.LoadNotifierConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	var store storage.NotificationStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		store = pg
	} else {
		logger.Warn("PG_DSN not set, notifications will not survive restarts")
		store = storage.NewMemoryStore()
	}

	svc := &notify.Service{
		Store:          store,
		Logger:         logger,
		ResponseWindow: cfg.ResponseDedupWindow,
		MessageWindow:  cfg.MessageDedupWindow,
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("notifier consuming", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down notifier")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		msgsConsumed.Inc()

		var ev upstreamEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}
		typ, err := models.ParseNotificationType(ev.Type)
		if err != nil || ev.UserID == "" || ev.Key == "" {
			msgsInvalid.Inc()
			logger.Warn("malformed upstream event", "type", ev.Type, "user_id", ev.UserID)
			continue
		}

		n, err := notifyWithRetry(ctx, svc, ev.UserID, typ, ev, 3, 200*time.Millisecond)
		if err != nil {
			writeErrors.Inc()
			logger.Error("notification write failed", "type", typ, "user_id", ev.UserID, "error", err)
			continue
		}
		if n == nil {
			notificationsSuppressed.Inc()
			continue
		}
		notificationsWritten.Inc()
	}
}

// Notifier is the small subset of the notify service the loop needs;
// tests plug in fakes.
type Notifier interface {
	Notify(ctx context.Context, userID string, typ models.NotificationType, title, message, payloadKey string, data map[string]any) (*models.Notification, error)
}

// notifyWithRetry retries transient write failures with doubling backoff.
// Business outcomes (suppression) come back immediately.
func notifyWithRetry(ctx context.Context, svc Notifier, userID string, typ models.NotificationType, ev upstreamEvent, attempts int, delay time.Duration) (*models.Notification, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		n, err := svc.Notify(ctx, userID, typ, ev.Title, ev.Message, ev.Key, ev.Data)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return nil, lastErr
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	// Trailing windows inside which a repeat notification of the same
	// kind is suppressed instead of re-created. The defaults come from
	// the production deployment; they are empirical, not derived.
	ResponseDedupWindow time.Duration
	MessageDedupWindow  time.Duration

	// PushWriteTimeout bounds a single live-channel write so a dead
	// client can never stall the request path.
	PushWriteTimeout time.Duration

	// PushWebhookURL, when set, enables the hosted relay fallback for
	// recipients with no live channel.
	PushWebhookURL string

	EventBuffer int

	StripeKey      string
	StripeCurrency string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		KafkaTopic:          "domain-events",
		ResponseDedupWindow: 300 * time.Second,
		MessageDedupWindow:  60 * time.Second,
		PushWriteTimeout:    50 * time.Millisecond,
		EventBuffer:         256,
		StripeCurrency:      "iqd",
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setDurationFromEnv(&cfg.ResponseDedupWindow, "DEDUP_RESPONSE_WINDOW", &errs)
	setDurationFromEnv(&cfg.MessageDedupWindow, "DEDUP_MESSAGE_WINDOW", &errs)
	setDurationFromEnv(&cfg.PushWriteTimeout, "PUSH_WRITE_TIMEOUT", &errs)
	setStringFromEnv(&cfg.PushWebhookURL, "PUSH_WEBHOOK_URL")
	setIntFromEnv(&cfg.EventBuffer, "EVENT_BUFFER", &errs)

	cfg.StripeKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.ResponseDedupWindow <= 0 {
		errs = append(errs, fmt.Errorf("DEDUP_RESPONSE_WINDOW must be > 0"))
	}
	if cfg.MessageDedupWindow <= 0 {
		errs = append(errs, fmt.Errorf("DEDUP_MESSAGE_WINDOW must be > 0"))
	}
	if cfg.PushWriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PUSH_WRITE_TIMEOUT must be > 0"))
	}
	if cfg.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_BUFFER must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// NotifierConfig drives the standalone upstream-event consumer binary.
type NotifierConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN string

	ResponseDedupWindow time.Duration
	MessageDedupWindow  time.Duration

	LogLevel string
}

func LoadNotifierConfig() (NotifierConfig, error) {
	cfg := NotifierConfig{
		MetricsAddr:         ":2112",
		KafkaBrokers:        []string{"localhost:9092"},
		KafkaTopic:          "upstream-events",
		KafkaGroup:          "toosila-notifier",
		ResponseDedupWindow: 300 * time.Second,
		MessageDedupWindow:  60 * time.Second,
		LogLevel:            "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setDurationFromEnv(&cfg.ResponseDedupWindow, "DEDUP_RESPONSE_WINDOW", &errs)
	setDurationFromEnv(&cfg.MessageDedupWindow, "DEDUP_MESSAGE_WINDOW", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Balghanimi/toosila/internal/config"
	"github.com/Balghanimi/toosila/internal/dispatch"
	"github.com/Balghanimi/toosila/internal/events"
	httpapi "github.com/Balghanimi/toosila/internal/http"
	"github.com/Balghanimi/toosila/internal/ledger"
	"github.com/Balghanimi/toosila/internal/logging"
	"github.com/Balghanimi/toosila/internal/matcher"
	"github.com/Balghanimi/toosila/internal/notify"
	"github.com/Balghanimi/toosila/internal/payments"
	"github.com/Balghanimi/toosila/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			if err := runMigrations(pg); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		store = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	var dedup notify.DedupIndex
	if cfg.RedisAddr != "" {
		dedup = notify.NewRedisDedup(cfg.RedisAddr, cfg.RedisPassword)
	}

	notifySvc := &notify.Service{
		Store:          store,
		Dedup:          dedup,
		Logger:         logging.WithComponent(logger, "notify"),
		ResponseWindow: cfg.ResponseDedupWindow,
		MessageWindow:  cfg.MessageDedupWindow,
	}

	live := dispatch.NewRegistry(cfg.PushWriteTimeout, logging.WithComponent(logger, "dispatch"))

	dispatcher := events.NewDispatcher(notifySvc, live, logging.WithComponent(logger, "events"), cfg.EventBuffer)
	if len(cfg.KafkaBrokers) > 0 {
		dispatcher.Bus = events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	if cfg.PushWebhookURL != "" {
		dispatcher.Fallback = dispatch.NewWebhookDispatcher(cfg.PushWebhookURL, logging.WithComponent(logger, "webhook"))
	}

	coord := &matcher.Coordinator{
		Store:  store,
		Logger: logging.WithComponent(logger, "matcher"),
	}
	if cfg.StripeKey != "" {
		coord.Payments = payments.NewStripeClient(cfg.StripeKey, cfg.StripeCurrency)
	}

	ledgerSvc := &ledger.Service{
		Store:  store,
		Match:  coord,
		Events: dispatcher,
		Logger: logging.WithComponent(logger, "ledger"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// The dispatcher outlives the signal context so buffered side effects
	// still drain during shutdown.
	dispatcher.Start(context.Background())

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(ledgerSvc, notifySvc, live, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("toosila api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	dispatcher.Close()
	if dispatcher.Bus != nil {
		_ = dispatcher.Bus.Close()
	}
}

func runMigrations(pg *storage.PostgresStore) error {
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_core.sql"))
	if err != nil {
		return err
	}
	_, err = pg.DB().Exec(string(b))
	return err
}

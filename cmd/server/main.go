package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/audit"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/janitor"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var store storage.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			migrate(logger, cfg.PGDSN)
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var ggeo geo.Geo
	if cfg.RedisAddr != "" {
		ggeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		ggeo = geo.NewIndex()
	}

	var auditLog audit.Log = audit.NopLog{}
	if len(cfg.KafkaBrokers) > 0 {
		auditLog = audit.NewKafkaLog(cfg.KafkaBrokers, cfg.AuditTopic)
	}

	var gate payments.Gate
	if os.Getenv("STRIPE_API_KEY") != "" {
		gate = payments.NewStripeGate()
	} else {
		gate = payments.NewMemoryGate()
	}

	wsreg := notify.NewWSRegistry(logger)
	notifier := notify.NewPushNotifier(os.Getenv("PUSH_ENDPOINT"), os.Getenv("PUSH_API_KEY"), wsreg)

	matchSvc := &matcher.Service{
		Store:  store,
		Geo:    ggeo,
		Notify: notifier,
		Audit:  auditLog,
		Logger: logger,
		Cfg: matcher.Config{
			FanOut:              cfg.OfferFanOut,
			OfferTTL:            cfg.OfferTTL,
			ServiceRadiusMeters: cfg.ServiceRadiusMeters,
			MaxAttempts:         cfg.MaxDispatchAttempts,
			BackoffBase:         cfg.RetryBackoffBase,
			BackoffCap:          cfg.RetryBackoffCap,
			BackoffFloor:        cfg.RetryBackoffFloor,
			JitterFrac:          cfg.RetryJitterFrac,
		},
	}

	rideSvc := &rides.Service{
		Store:            store,
		Gate:             gate,
		Audit:            auditLog,
		Dispatcher:       matchSvc,
		Logger:           logger,
		SearchTimeout:    cfg.SearchTimeout,
		RequestsDisabled: func() bool { return cfg.RequestsDisabled },
	}
	matchSvc.Cancel = rideSvc

	offerSvc := &offers.Service{
		Store:      store,
		Audit:      auditLog,
		Redispatch: matchSvc,
		Logger:     logger,
	}

	availSvc := &availability.Service{
		Store:  store,
		Geo:    ggeo,
		Audit:  auditLog,
		Logger: logger,
	}
	if len(cfg.KafkaBrokers) > 0 {
		availSvc.Heartbeats = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.HeartbeatTopic)
	}

	jan := &janitor.Janitor{
		Store:        store,
		Cancel:       rideSvc,
		Redispatch:   matchSvc,
		Geo:          ggeo,
		Audit:        auditLog,
		Logger:       logger,
		GhostTimeout: cfg.GhostTimeout,
		Interval:     cfg.JanitorInterval,
	}

	srv := httpapi.NewServer(logger, rideSvc, offerSvc, availSvc, jan, wsreg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go jan.Run(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch api listening", "addr", cfg.HTTPAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server", "error", err)
			os.Exit(1)
		}
	}
}

func migrate(logger *slog.Logger, dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql"))
	if err != nil {
		logger.Error("migration read", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec", "error", err)
	}
}

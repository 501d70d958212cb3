package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gorecon/pkg/billing"
	billingprom "github.com/mihaimyh/gorecon/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gorecon/pkg/billing/stripe"
	"github.com/mihaimyh/gorecon/pkg/orders"
	"github.com/mihaimyh/gorecon/pkg/recon"
	zerologadapter "github.com/mihaimyh/gorecon/pkg/recon/logger/zerolog"
	prommetrics "github.com/mihaimyh/gorecon/pkg/recon/metrics/prometheus"
	"github.com/mihaimyh/gorecon/storage/memory"
	"github.com/mihaimyh/gorecon/storage/postgres"
	"github.com/mihaimyh/gorecon/storage/redis"
)

// app holds every wired component of one process
type app struct {
	cfg      *Config
	logger   recon.Logger
	registry *prometheus.Registry

	store         recon.Storage
	orders        *orders.Client
	provider      *stripe.Provider
	ledger        *recon.Ledger
	replayer      *recon.ReplayWorker
	coordinator   *recon.Coordinator
	staging       *recon.StagingQueue
	discrepancies *recon.DiscrepancyLedger

	closers []func()
}

func newLogger(cfg LogConfig) recon.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var zl zerolog.Logger
	if cfg.Pretty {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zl = zerolog.New(os.Stderr)
	}
	zl = zl.Level(level).With().Timestamp().Str("service", "gorecon").Logger()
	return zerologadapter.NewLogger(&zl)
}

// newApp wires storage, leases, collaborators and the reconciliation
// components from cfg.
func newApp(ctx context.Context, cfg *Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Log)
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(a.registry, cfg.Metrics.Namespace)

	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	locker, err := a.openLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.orders, err = orders.NewClient(orders.Config{
		BaseURL:    cfg.Orders.BaseURL,
		APIKey:     cfg.Orders.APIKey,
		HTTPClient: &http.Client{Timeout: cfg.Orders.Timeout},
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	ledgerCfg := recon.DefaultLedgerConfig()
	ledgerCfg.Logger = logger
	ledgerCfg.Metrics = metrics
	if a.ledger, err = recon.NewLedger(a.store, a.orders, ledgerCfg); err != nil {
		a.Close()
		return nil, err
	}

	replayCfg := recon.DefaultReplayConfig()
	replayCfg.MaxAttempts = cfg.Replay.MaxAttempts
	replayCfg.Concurrency = cfg.Replay.Concurrency
	replayCfg.Locker = locker
	replayCfg.Logger = logger
	replayCfg.Metrics = metrics
	if a.replayer, err = recon.NewReplayWorker(a.ledger, replayCfg); err != nil {
		a.Close()
		return nil, err
	}

	a.provider, err = stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Ingestor:  a.ledger,
			Metrics:   billingprom.NewMetrics(a.registry, cfg.Metrics.Namespace),
			Logger:    logger,
			OnWebhook: logWebhook(logger),
		},
		StripeAPIKey:        cfg.Stripe.APIKey,
		StripeWebhookSecret: cfg.Stripe.WebhookSecret,
		BackendURL:          cfg.Stripe.BackendURL,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create stripe provider: %w", err)
	}

	syncCfg := recon.DefaultSyncConfig()
	syncCfg.PageSize = cfg.Sweep.PageSize
	syncCfg.Logger = logger
	syncCfg.Metrics = metrics
	syncer, err := recon.NewSynchronizer(a.store, a.provider.Feed(), a.orders, syncCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	coordCfg := recon.DefaultCoordinatorConfig()
	coordCfg.Locker = locker
	coordCfg.Notifier = logNotifier{logger: logger}
	coordCfg.Logger = logger
	coordCfg.Metrics = metrics
	if a.coordinator, err = recon.NewCoordinator(a.store, syncer, coordCfg); err != nil {
		a.Close()
		return nil, err
	}

	triageCfg := recon.TriageConfig{Logger: logger}
	if a.staging, err = recon.NewStagingQueue(a.store, triageCfg); err != nil {
		a.Close()
		return nil, err
	}
	if a.discrepancies, err = recon.NewDiscrepancyLedger(a.store, triageCfg); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStorage(ctx context.Context) error {
	if a.cfg.Storage.Driver == "memory" {
		a.logger.Warn("using in-memory storage; state is lost on exit")
		a.store = memory.New()
		return nil
	}

	pgCfg := postgres.DefaultConfig()
	pgCfg.ConnectionString = a.cfg.Postgres.URL
	pgCfg.AutoMigrate = a.cfg.Postgres.AutoMigrate
	if a.cfg.Postgres.MaxConns > 0 {
		pgCfg.MaxConns = a.cfg.Postgres.MaxConns
	}
	store, err := postgres.New(ctx, pgCfg)
	if err != nil {
		return fmt.Errorf("failed to open postgres storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

// openLocker returns the Redis lease when configured, nil otherwise. The
// components fall back to an in-process lease on nil.
func (a *app) openLocker(ctx context.Context) (recon.Locker, error) {
	if a.cfg.Redis.Addr == "" {
		return nil, nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() { _ = client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	locker, err := redis.New(client, redis.Config{KeyPrefix: a.cfg.Redis.KeyPrefix})
	if err != nil {
		return nil, err
	}
	return locker, nil
}

// sweepRequest is the request of a scheduled or CLI sweep ending at now
func (a *app) sweepRequest(now time.Time) recon.SweepRequest {
	return recon.SweepRequest{
		Since:        now.Add(-a.cfg.Sweep.Window),
		Until:        now,
		SkipDisputes: a.cfg.Sweep.SkipDisputes,
	}
}

// Close releases storage and Redis connections
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// logNotifier writes run summaries to the log
type logNotifier struct {
	logger recon.Logger
}

func (n logNotifier) Notify(_ context.Context, s *recon.Summary) error {
	fields := []recon.Field{
		recon.F("run_id", s.RunID),
		recon.F("status", s.Status),
		recon.F("total", s.Total),
		recon.F("matched", s.Matched),
		recon.F("discrepancies", s.Discrepancies),
		recon.F("open_discrepancies", s.OpenDiscrepancies),
		recon.F("pending_staging", s.PendingStaging),
	}
	if s.Status == recon.RunFailed {
		n.logger.Warn("reconciliation run failed", fields...)
		return nil
	}
	n.logger.Info("reconciliation run finished", fields...)
	return nil
}

func logWebhook(logger recon.Logger) billing.WebhookCallback {
	return func(_ context.Context, event billing.WebhookEvent) error {
		logger.Debug("stripe webhook ingested",
			recon.F("event_id", event.EventID),
			recon.F("event_type", event.EventType),
			recon.F("outcome", event.Outcome))
		return nil
	}
}

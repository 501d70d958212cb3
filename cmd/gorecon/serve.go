package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	nethttp "github.com/mihaimyh/gorecon/middleware/http"
	"github.com/mihaimyh/gorecon/pkg/api"
	"github.com/mihaimyh/gorecon/pkg/recon"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var (
		noWorker bool
		noSweeps bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks and the operator API, run the replay worker and scheduled sweeps",
		Long: `Start the reconciler.

Routes:
  POST /webhooks/stripe        signed Stripe webhooks
  POST /webhooks/{provider}    generic JSON envelope deliveries
  /api/...                     operator API
  GET  /metrics                Prometheus metrics
  GET  /healthz                liveness

Examples:
  gorecon serve --config /etc/gorecon/gorecon.yaml
  GORECON_STORAGE_DRIVER=memory gorecon serve --no-sweeps`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if noSweeps {
				cfg.Sweep.Interval = 0
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not run the replay worker in this process")
	cmd.Flags().BoolVar(&noSweeps, "no-sweeps", false, "do not run scheduled sweeps in this process")
	return cmd
}

func runServe(ctx context.Context, cfg *Config, worker bool) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	router, err := newRouter(a)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if worker {
		g.Go(func() error {
			a.replayer.Run(gctx, cfg.Replay.Interval, cfg.Replay.BatchSize)
			return nil
		})
	}
	if cfg.Sweep.Interval > 0 {
		g.Go(func() error {
			a.coordinator.RunEvery(gctx, cfg.Sweep.Interval, a.sweepRequest)
			return nil
		})
	}
	g.Go(func() error {
		a.logger.Info("http server listening", recon.F("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newRouter mounts webhook ingestion, the operator API and metrics
func newRouter(a *app) (http.Handler, error) {
	apiCfg := api.Config{
		Ledger:        a.ledger,
		Replayer:      a.replayer,
		Coordinator:   a.coordinator,
		Staging:       a.staging,
		Discrepancies: a.discrepancies,
		Logger:        a.logger,
	}
	if a.cfg.HTTP.OperatorHeader != "" {
		apiCfg.GetOperator = api.FromHeader(a.cfg.HTTP.OperatorHeader)
	}
	operatorAPI, err := api.NewHandler(apiCfg)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	r.Method(http.MethodPost, "/webhooks/stripe", a.provider.WebhookHandler())
	r.Method(http.MethodPost, "/webhooks/{provider}", nethttp.Handler(nethttp.Config{
		Ingestor: a.ledger,
		GetProvider: func(r *http.Request) string {
			return chi.URLParam(r, "provider")
		},
		Secret: a.cfg.Webhooks.Secret,
		Logger: a.logger,
	}))

	r.Mount("/api", operatorAPI.Routes())
	return r, nil
}

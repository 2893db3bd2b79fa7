package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trustioagency/IQsion-sub000/internal/config"
	"github.com/trustioagency/IQsion-sub000/internal/engine"
	"github.com/trustioagency/IQsion-sub000/internal/httpx"
	"github.com/trustioagency/IQsion-sub000/internal/ingest"
	"github.com/trustioagency/IQsion-sub000/internal/store"
	"github.com/trustioagency/IQsion-sub000/internal/telemetry"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("config", slog.String("err", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.SetupTracing(ctx, "attribution-server", cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", slog.String("err", err.Error()))
		}
	}()

	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	params, err := engine.ParamsFromConfig(cfg)
	if err != nil {
		return err
	}
	met := telemetry.New()
	svc := engine.NewService(st, params, logger, met)

	if cfg.CollectorsConfigured() {
		loader := ingest.NewLoader(ingest.NewHTTPClient(cfg.HTTPTimeout), st, logger, cfg)
		svc.WithSyncer(func(ctx context.Context) error {
			_, err := loader.Sync(ctx, nil)
			return err
		})
	}

	if cfg.RefreshCron != "" {
		c, err := scheduleRefresh(ctx, cfg.RefreshCron, svc, logger)
		if err != nil {
			return err
		}
		defer c.Stop()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpx.NewRouter(logger, svc, st, met),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("port", cfg.Port), slog.String("store", cfg.StoreDriver))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// scheduleRefresh runs the process-journeys refresh on a cron schedule.
func scheduleRefresh(ctx context.Context, schedule string, svc *engine.Service, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		if _, err := svc.Refresh(ctx, "cron"); err != nil {
			logger.Error("scheduled refresh failed", slog.String("err", err.Error()))
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	logger.Info("refresh scheduled", slog.String("cron", schedule))
	return c, nil
}

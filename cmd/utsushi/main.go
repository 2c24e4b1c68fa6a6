package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/utsushi/internal/compose"
	"github.com/ashita-ai/utsushi/internal/config"
	"github.com/ashita-ai/utsushi/internal/pipeline"
	"github.com/ashita-ai/utsushi/internal/ratelimit"
	"github.com/ashita-ai/utsushi/internal/runner"
	"github.com/ashita-ai/utsushi/internal/server"
	"github.com/ashita-ai/utsushi/internal/session"
	"github.com/ashita-ai/utsushi/internal/target"
	"github.com/ashita-ai/utsushi/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("UTSUSHI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("utsushi starting", "version", version, "port", cfg.Port, "data_dir", cfg.DataDir)
	if missing := cfg.Database.Missing(); len(missing) > 0 {
		// Not fatal: each run reports the same list as a config error.
		logger.Warn("database settings incomplete; migrations will fail until set", "missing", missing)
	}

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	for _, dir := range []string{cfg.SessionsDir(), cfg.ExportsDir(), cfg.UploadsDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	cluster, err := compose.New(runner.New(logger), cfg.ComposeCommand, logger)
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}

	store := session.NewStore(session.StoreConfig{
		SessionsDir: cfg.SessionsDir(),
		ExportsDir:  cfg.ExportsDir(),
		UploadsDir:  cfg.UploadsDir(),
	}, clock.WallClock, logger)

	orchestrator, err := pipeline.New(pipeline.Deps{
		Store:     store,
		Cluster:   cluster,
		Inspector: target.NewInspector(logger),
		Clock:     clock.WallClock,
		Config:    cfg,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer func() { _ = limiter.Close() }()

	srv := server.New(server.ServerConfig{
		Store:          store,
		Migrations:     orchestrator,
		Logger:         logger,
		Limiter:        limiter,
		Port:           cfg.Port,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		Version:        version,
		UploadsDir:     cfg.UploadsDir(),
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		housekeepingLoop(gctx, store, logger, cfg.HousekeepingInterval, cfg.SessionTTL)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("utsushi shutting down")

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})
	serveErr := g.Wait()

	// Runs in flight still own provisioned containers; give them a bounded
	// window to finish so teardown happens.
	runCtx, runCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer runCancel()
	if err := orchestrator.Wait(runCtx); err != nil {
		slog.Warn("pipelines still running at exit; their resource groups may need manual cleanup", "error", err)
	}

	slog.Info("utsushi stopped")
	return serveErr
}

// housekeepingLoop prunes disconnected observers and purges finished
// sessions idle for longer than ttl.
func housekeepingLoop(ctx context.Context, store *session.Store, logger *slog.Logger, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.PruneObservers(); n > 0 {
				logger.Debug("pruned closed observers", "count", n)
			}
			if purged := store.PurgeIdle(ttl); len(purged) > 0 {
				logger.Info("purged idle sessions", "count", len(purged), "session_ids", purged)
			}
		}
	}
}

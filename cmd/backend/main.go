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

	audioimpl "github.com/foxseedlab/monshin/external/audio"
	configloader "github.com/foxseedlab/monshin/external/config"
	deviceimpl "github.com/foxseedlab/monshin/external/device"
	"github.com/foxseedlab/monshin/external/httpapi"
	metricsimpl "github.com/foxseedlab/monshin/external/metrics"
	repositoryimpl "github.com/foxseedlab/monshin/external/repository"
	storageimpl "github.com/foxseedlab/monshin/external/storage"
	transcriberimpl "github.com/foxseedlab/monshin/external/transcriber"
	webhookimpl "github.com/foxseedlab/monshin/external/webhook"
	"github.com/foxseedlab/monshin/internal/config"
	"github.com/foxseedlab/monshin/internal/session"
	"github.com/foxseedlab/monshin/internal/storage"
	"github.com/foxseedlab/monshin/internal/transcriber"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/do/v2"
	"golang.org/x/sync/errgroup"
)

const (
	sweepTimeout    = 30 * time.Second
	shutdownTimeout = 90 * time.Second
)

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "ingest_mode", cfg.IngestMode, "stream_tag", cfg.StreamTag)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	sweepStaleSegments(cfg, injector)

	if err := run(cfg, injector); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	metricsimpl.RegisterDI(injector)
	storageimpl.RegisterDI(injector)
	deviceimpl.RegisterDI(injector)
	audioimpl.RegisterDI(injector)
	transcriberimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	session.RegisterDI(injector)
	httpapi.RegisterDI(injector)

	return injector
}

// sweepStaleSegments removes segment files left behind by a previous run
// that exited before its uploads settled.
func sweepStaleSegments(cfg *config.Config, injector do.Injector) {
	sweeper, err := do.Invoke[storage.Sweeper](injector)
	if err != nil {
		slog.Error("failed to resolve segment storage", "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	removed, err := sweeper.Sweep(ctx, cfg.SegmentRetention())
	if err != nil {
		slog.Warn("failed to sweep stale segments", "error", err)
		return
	}
	slog.Info("startup: stale segments swept", "removed", removed, "retention", cfg.SegmentRetention().String())
}

func run(cfg *config.Config, injector do.Injector) error {
	manager, err := do.Invoke[*session.Manager](injector)
	if err != nil {
		return err
	}
	api, err := do.Invoke[*httpapi.Server](injector)
	if err != nil {
		return err
	}
	defer closeResources(injector)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("startup: serving control api", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := manager.StopAll(shutdownCtx); err != nil {
			slog.Error("failed to stop capture cleanly; aborting", "error", err)
			manager.Abort()
		}
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func closeResources(injector do.Injector) {
	if ingester, err := do.Invoke[transcriber.Ingester](injector); err == nil {
		if closer, ok := ingester.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				slog.Error("failed to close transcription ingester", "error", err)
			}
		}
	}
	if pool, err := do.Invoke[*pgxpool.Pool](injector); err == nil {
		pool.Close()
	}
}

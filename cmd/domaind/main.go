package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onkernel/domaind/cmd/domaind/config"
	"github.com/onkernel/domaind/lib/driver"
	"github.com/onkernel/domaind/lib/events"
	"github.com/onkernel/domaind/lib/logger"
	"github.com/onkernel/domaind/lib/otel"
	"github.com/onkernel/domaind/lib/providers"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("main() exiting normally")
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize OpenTelemetry (before wire initialization)
	otelCfg := otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
		ToolstackURI:      cfg.ToolstackURI,
	}

	otelProvider, otelShutdown, err := otel.Init(context.Background(), otelCfg)
	if err != nil {
		// Log warning but don't fail - graceful degradation
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
	}
	if otelShutdown != nil {
		defer func() {
			slog.Info("shutting down OpenTelemetry")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				slog.Warn("error shutting down OpenTelemetry", "error", err)
			}
		}()
	}

	// Initialize app with wire
	app, cleanup, err := initializeApp(cfg, otelProvider)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer func() {
		slog.Info("cleaning up application resources")
		cleanup()
		slog.Info("application cleanup complete")
	}()

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := app.Logger
	if cfg.OtelEnabled {
		log.Info("OpenTelemetry enabled", "endpoint", cfg.OtelEndpoint, "service", cfg.OtelServiceName)
	}

	log.Info("loading domains", "config_dir", app.Paths.ConfigDir())
	if err := app.Manager.Load(ctx); err != nil {
		return fmt.Errorf("load domains: %w", err)
	}
	log.Info("domains loaded",
		"active", app.Manager.NumOfDomains(ctx, true),
		"inactive", app.Manager.NumOfDomains(ctx, false))

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		return app.Events.Run(gctx)
	})

	grp.Go(func() error {
		return logEvents(gctx, app.Events)
	})

	grp.Go(func() error {
		return app.Manager.WatchToolstack(gctx)
	})

	grp.Go(func() error {
		return reloadOnHangup(gctx, app.Config, app.Manager)
	})

	err = grp.Wait()
	slog.Info("all goroutines finished")
	return err
}

// reloadOnHangup reconnects to the toolstack and publishes a fresh
// configuration snapshot on every SIGHUP.
func reloadOnHangup(ctx context.Context, cfg *config.Config, mgr driver.Manager) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	log := logger.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			log.InfoContext(ctx, "SIGHUP received, reloading driver configuration")
			ts, err := providers.ProvideToolstack(ctx, cfg)
			if err != nil {
				log.ErrorContext(ctx, "reload failed", "error", err)
				continue
			}
			if err := mgr.Reload(ctx, ts); err != nil {
				log.ErrorContext(ctx, "reload failed", "error", err)
				continue
			}
			log.InfoContext(ctx, "driver configuration reloaded")
		}
	}
}

// logEvents writes every lifecycle event to the domain's log.
func logEvents(ctx context.Context, bus *events.Bus) error {
	ch, cancel := bus.Subscribe(64)
	defer cancel()

	log := logger.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			log.InfoContext(ctx, "domain event",
				logger.DomainKey, ev.UUID.String(),
				"name", ev.Name,
				"kind", string(ev.Kind),
				"detail", ev.Detail)
		}
	}
}

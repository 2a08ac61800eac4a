package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/onkernel/domaind/cmd/domaind/config"
	"github.com/onkernel/domaind/lib/driver"
	"github.com/onkernel/domaind/lib/events"
	"github.com/onkernel/domaind/lib/logger"
	"github.com/onkernel/domaind/lib/otel"
	"github.com/onkernel/domaind/lib/paths"
	"github.com/onkernel/domaind/lib/ports"
	"github.com/onkernel/domaind/lib/toolstack"
	"github.com/onkernel/domaind/lib/toolstack/libvirt"
)

// PortPools groups the two port allocators so each keeps its own identity
// in the injector graph.
type PortPools struct {
	Graphics  *ports.Allocator
	Migration *ports.Allocator
}

// ProvidePaths provides the directory layout
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.FromDirs(cfg.Dirs())
}

// ProvideDomainLogs provides the per-domain log files
func ProvideDomainLogs(cfg *config.Config, p *paths.Paths) (*logger.DomainLogs, func(), error) {
	maxSize, err := cfg.LogMaxBytes()
	if err != nil {
		return nil, nil, err
	}
	logs := logger.NewDomainLogs(p.DomainLog, maxSize)
	cleanup := func() {
		if err := logs.CloseAll(); err != nil {
			slog.Warn("failed to close domain logs", "error", err)
		}
	}
	return logs, cleanup, nil
}

// ProvideLogger provides a structured logger that mirrors domain records
// into per-domain log files and, when enabled, exports through OTel.
func ProvideLogger(cfg *config.Config, logs *logger.DomainLogs, op *otel.Provider) (*slog.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	lc := logger.Config{
		Level:      level,
		Output:     os.Stdout,
		DomainLogs: logs,
	}
	if op != nil {
		lc.Extra = op.LogHandler
	}
	log := logger.New(lc)
	slog.SetDefault(log)
	return log, nil
}

// ProvideContext provides a context with logger attached
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvideToolstack connects to the configured toolstack. The connection is
// handed to the driver, which closes it.
func ProvideToolstack(ctx context.Context, cfg *config.Config) (toolstack.Toolstack, error) {
	ts, err := libvirt.Open(ctx, cfg.ToolstackURI)
	if err != nil {
		return nil, err
	}
	return ts, nil
}

// ProvidePortPools provides the graphics and migration port allocators
func ProvidePortPools(cfg *config.Config, op *otel.Provider) (PortPools, error) {
	graphics, err := ports.NewAllocator("graphics", cfg.GraphicsPortMin, cfg.GraphicsPortMax)
	if err != nil {
		return PortPools{}, fmt.Errorf("graphics ports: %w", err)
	}
	migration, err := ports.NewAllocator("migration", cfg.MigrationPortMin, cfg.MigrationPortMax)
	if err != nil {
		return PortPools{}, fmt.Errorf("migration ports: %w", err)
	}
	if op != nil && op.Meter != nil {
		if err := ports.RegisterMetrics(op.MeterFor("ports"), graphics, migration); err != nil {
			return PortPools{}, fmt.Errorf("register port metrics: %w", err)
		}
	}
	return PortPools{Graphics: graphics, Migration: migration}, nil
}

// ProvideEventBus provides the lifecycle event bus
func ProvideEventBus(cfg *config.Config, op *otel.Provider) (*events.Bus, error) {
	bus := events.NewBus(cfg.EventQueueSize)
	if op != nil && op.Meter != nil {
		if err := bus.RegisterMetrics(op.MeterFor("events")); err != nil {
			return nil, fmt.Errorf("register event metrics: %w", err)
		}
	}
	return bus, nil
}

// ProvideDriverManager provides the domain manager
func ProvideDriverManager(ctx context.Context, cfg *config.Config, ts toolstack.Toolstack, p *paths.Paths, logs *logger.DomainLogs, pools PortPools, bus *events.Bus, op *otel.Provider) (driver.Manager, func(), error) {
	maxXML, err := cfg.SaveXMLMaxBytes()
	if err != nil {
		ts.Close()
		return nil, nil, err
	}
	opts := driver.Options{
		Paths:          p,
		Autoballoon:    cfg.Autoballoon,
		MaxSaveXMLSize: maxXML,
		GraphicsPorts:  pools.Graphics,
		MigrationPorts: pools.Migration,
		Events:         bus,
		DomainLogs:     logs,
	}
	var mgr driver.Manager
	if op != nil {
		mgr, err = driver.NewManager(ctx, ts, opts, op.MeterFor("driver"), op.TracerFor("driver"))
	} else {
		mgr, err = driver.NewManager(ctx, ts, opts, nil, nil)
	}
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := mgr.Close(); err != nil {
			logger.FromContext(ctx).Warn("failed to close domain manager", "error", err)
		}
	}
	return mgr, cleanup, nil
}

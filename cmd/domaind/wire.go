//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/domaind/cmd/domaind/config"
	"github.com/onkernel/domaind/lib/driver"
	"github.com/onkernel/domaind/lib/events"
	"github.com/onkernel/domaind/lib/otel"
	"github.com/onkernel/domaind/lib/paths"
	"github.com/onkernel/domaind/lib/providers"
)

// application struct to hold initialized components
type application struct {
	Ctx     context.Context
	Logger  *slog.Logger
	Config  *config.Config
	Paths   *paths.Paths
	Ports   providers.PortPools
	Events  *events.Bus
	Manager driver.Manager
}

// initializeApp is the injector function
func initializeApp(cfg *config.Config, otelProvider *otel.Provider) (*application, func(), error) {
	panic(wire.Build(
		providers.ProvidePaths,
		providers.ProvideDomainLogs,
		providers.ProvideLogger,
		providers.ProvideContext,
		providers.ProvideToolstack,
		providers.ProvidePortPools,
		providers.ProvideEventBus,
		providers.ProvideDriverManager,
		wire.Struct(new(application), "*"),
	))
}

package ports

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RegisterMetrics registers observable gauges reporting reserved and free
// ports for each allocator.
func RegisterMetrics(meter metric.Meter, allocators ...*Allocator) error {
	reserved, err := meter.Int64ObservableGauge(
		"domaind_ports_reserved",
		metric.WithDescription("Number of reserved ports per pool"),
	)
	if err != nil {
		return err
	}

	free, err := meter.Int64ObservableGauge(
		"domaind_ports_free",
		metric.WithDescription("Number of free ports per pool"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			for _, a := range allocators {
				pool := metric.WithAttributes(attribute.String("pool", a.Name()))
				o.ObserveInt64(reserved, int64(a.Reserved()), pool)
				o.ObserveInt64(free, int64(a.Free()), pool)
			}
			return nil
		},
		reserved,
		free,
	)
	return err
}

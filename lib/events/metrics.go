package events

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// RegisterMetrics exposes bus throughput as observable counters.
func (b *Bus) RegisterMetrics(meter metric.Meter) error {
	published, err := meter.Int64ObservableCounter(
		"domaind_events_published_total",
		metric.WithDescription("Total number of lifecycle events accepted by the bus"),
	)
	if err != nil {
		return err
	}

	dropped, err := meter.Int64ObservableCounter(
		"domaind_events_dropped_total",
		metric.WithDescription("Total number of lifecycle events dropped due to full queues"),
	)
	if err != nil {
		return err
	}

	pending, err := meter.Int64ObservableGauge(
		"domaind_events_pending",
		metric.WithDescription("Number of queued lifecycle events awaiting delivery"),
	)
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(published, b.Published())
			o.ObserveInt64(dropped, b.Dropped())
			o.ObserveInt64(pending, int64(b.Pending()))
			return nil
		},
		published,
		dropped,
		pending,
	)
	return err
}

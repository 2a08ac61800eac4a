package driver

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the metrics instruments for domain operations.
type Metrics struct {
	operationDuration metric.Float64Histogram
	stateTransitions  metric.Int64Counter
	tracer            trace.Tracer
}

// newDriverMetrics creates and registers all driver metrics.
func newDriverMetrics(meter metric.Meter, tracer trace.Tracer, m *manager) (*Metrics, error) {
	operationDuration, err := meter.Float64Histogram(
		"domaind_domain_operation_duration_seconds",
		metric.WithDescription("Time to complete a domain operation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stateTransitions, err := meter.Int64Counter(
		"domaind_domain_state_transitions_total",
		metric.WithDescription("Total number of domain state transitions"),
	)
	if err != nil {
		return nil, err
	}

	// Register observable gauge for domain counts by activity
	domainsTotal, err := meter.Int64ObservableGauge(
		"domaind_domains_total",
		metric.WithDescription("Total number of tracked domains"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			// Registry counts only take the registry read lock, so a
			// collection never waits on a domain operation.
			o.ObserveInt64(domainsTotal, int64(m.domains.Count(true)),
				metric.WithAttributes(attribute.Bool("active", true)))
			o.ObserveInt64(domainsTotal, int64(m.domains.Count(false)),
				metric.WithAttributes(attribute.Bool("active", false)))
			return nil
		},
		domainsTotal,
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		operationDuration: operationDuration,
		stateTransitions:  stateTransitions,
		tracer:            tracer,
	}, nil
}

// recordDuration records operation duration.
func (m *manager) recordDuration(ctx context.Context, operation string, start time.Time, status string) {
	if m.metrics == nil {
		return
	}
	duration := time.Since(start).Seconds()
	m.metrics.operationDuration.Record(ctx, duration,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		))
}

// recordStateTransition records a state transition.
func (m *manager) recordStateTransition(ctx context.Context, fromState, toState string) {
	if m.metrics == nil {
		return
	}
	m.metrics.stateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", fromState),
			attribute.String("to", toState),
		))
}

// startSpan starts a span when tracing is configured. The returned end
// function is always safe to call.
func (m *manager) startSpan(ctx context.Context, name string) (context.Context, func(err error)) {
	if m.metrics == nil || m.metrics.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := m.metrics.tracer.Start(ctx, name)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

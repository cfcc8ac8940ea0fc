package instances

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the metrics instruments for instance operations.
type Metrics struct {
	reprovisionDuration metric.Float64Histogram
	createDuration      metric.Float64Histogram
	stageFailures       metric.Int64Counter
	stateTransitions    metric.Int64Counter
	tracer              trace.Tracer
}

// newInstanceMetrics creates and registers all instance metrics.
func newInstanceMetrics(meter metric.Meter, tracer trace.Tracer, m *manager) (*Metrics, error) {
	reprovisionDuration, err := meter.Float64Histogram(
		"vmagent_instances_reprovision_duration_seconds",
		metric.WithDescription("Time to reprovision an instance"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	createDuration, err := meter.Float64Histogram(
		"vmagent_instances_create_duration_seconds",
		metric.WithDescription("Time to create an instance"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stageFailures, err := meter.Int64Counter(
		"vmagent_instances_stage_failures_total",
		metric.WithDescription("Reprovision failures by stage"),
	)
	if err != nil {
		return nil, err
	}

	stateTransitions, err := meter.Int64Counter(
		"vmagent_instances_state_transitions_total",
		metric.WithDescription("Total number of instance state transitions"),
	)
	if err != nil {
		return nil, err
	}

	// Register observable gauge for instance counts by state
	instancesTotal, err := meter.Int64ObservableGauge(
		"vmagent_instances_total",
		metric.WithDescription("Total number of instances by state"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			instances, err := m.ListInstances(ctx)
			if err != nil {
				return nil
			}
			counts := make(map[string]int64)
			for _, inst := range instances {
				counts[string(inst.State)]++
			}
			for state, count := range counts {
				o.ObserveInt64(instancesTotal, count,
					metric.WithAttributes(attribute.String("state", state)))
			}
			return nil
		},
		instancesTotal,
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		reprovisionDuration: reprovisionDuration,
		createDuration:      createDuration,
		stageFailures:       stageFailures,
		stateTransitions:    stateTransitions,
		tracer:              tracer,
	}, nil
}

// recordDuration records operation duration with a status label.
func (m *manager) recordDuration(ctx context.Context, histogram metric.Float64Histogram, start time.Time, status string) {
	if m.metrics == nil {
		return
	}
	histogram.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

func (m *manager) recordCreateDuration(ctx context.Context, start time.Time, status string) {
	if m.metrics == nil {
		return
	}
	m.recordDuration(ctx, m.metrics.createDuration, start, status)
}

// recordStateTransition records a lifecycle or reprovision stage transition.
func (m *manager) recordStateTransition(ctx context.Context, fromState, toState string) {
	if m.metrics == nil {
		return
	}
	m.metrics.stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", fromState),
		attribute.String("to", toState),
	))
}

func (m *manager) recordStageFailure(ctx context.Context, stage Stage) {
	if m.metrics == nil {
		return
	}
	m.metrics.stageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
}

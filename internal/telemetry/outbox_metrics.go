package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// OutboxMetrics holds all the metric instruments for the pending-operation
// queue and its processor.
type OutboxMetrics struct {
	EnqueuedCounter     metric.Int64Counter
	AcknowledgedCounter metric.Int64Counter
	FailedCounter       metric.Int64Counter
	DrainLatency        metric.Int64Histogram
	PendingGauge        metric.Int64UpDownCounter
}

// NewOutboxMetrics creates and registers all the metrics for the outbox.
func NewOutboxMetrics(meter metric.Meter) (*OutboxMetrics, error) {
	enqueued, err := meter.Int64Counter(
		"halovital.outbox.enqueued_total",
		metric.WithDescription("Total number of operations enqueued."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	acknowledged, err := meter.Int64Counter(
		"halovital.outbox.acknowledged_total",
		metric.WithDescription("Total number of operations acknowledged by the remote."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	failed, err := meter.Int64Counter(
		"halovital.outbox.failed_total",
		metric.WithDescription("Total number of operations moved to the failed store."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	drainLatency, err := meter.Int64Histogram(
		"halovital.outbox.drain_duration",
		metric.WithDescription("The latency of drain cycles."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	pending, err := meter.Int64UpDownCounter(
		"halovital.outbox.pending",
		metric.WithDescription("Number of operations currently pending."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &OutboxMetrics{
		EnqueuedCounter:     enqueued,
		AcknowledgedCounter: acknowledged,
		FailedCounter:       failed,
		DrainLatency:        drainLatency,
		PendingGauge:        pending,
	}, nil
}

package observer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metricsObserver counts core events on an OpenTelemetry meter. Tags become
// attributes, so cardinality is bounded by what the core emits (event names
// and small enums such as priority or container).
type metricsObserver struct {
	events metric.Int64Counter
}

// NewMetricsObserver creates an Observer backed by the given meter.
func NewMetricsObserver(meter metric.Meter) (Observer, error) {
	events, err := meter.Int64Counter(
		"halovital.core.events_total",
		metric.WithDescription("Total number of reliability-core events by name."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return &metricsObserver{events: events}, nil
}

func (o *metricsObserver) OnEvent(name string, tags map[string]string) {
	attrs := make([]attribute.KeyValue, 0, len(tags)+1)
	attrs = append(attrs, attribute.String("event", name))
	for k, v := range tags {
		attrs = append(attrs, attribute.String(k, v))
	}
	o.events.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

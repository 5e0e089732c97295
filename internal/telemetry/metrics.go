// ABOUTME: Metric instruments recorded by the orchestrator, dispatcher and gateway
// ABOUTME: Instruments come from whichever meter the telemetry provider holds

package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics are the gateway's instruments.
type Metrics struct {
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	TaskDuration      metric.Float64Histogram
	DocumentsIndexed  metric.Int64Counter
	DocumentsFailed   metric.Int64Counter
	CommandsHandled   metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
	RateLimitRejects  metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TasksCompleted, err = meter.Int64Counter("tasks.completed",
		metric.WithDescription("Tasks that finished successfully")); err != nil {
		return nil, err
	}
	if m.TasksFailed, err = meter.Int64Counter("tasks.failed",
		metric.WithDescription("Tasks that finished with an error")); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("tasks.duration",
		metric.WithDescription("Plugin run time"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.DocumentsIndexed, err = meter.Int64Counter("documents.indexed",
		metric.WithDescription("Documents indexed")); err != nil {
		return nil, err
	}
	if m.DocumentsFailed, err = meter.Int64Counter("documents.failed",
		metric.WithDescription("Documents that failed to index")); err != nil {
		return nil, err
	}
	if m.CommandsHandled, err = meter.Int64Counter("commands.handled",
		metric.WithDescription("Dispatched commands by method and outcome")); err != nil {
		return nil, err
	}
	if m.ActiveConnections, err = meter.Int64UpDownCounter("ws.connections",
		metric.WithDescription("Authenticated WebSocket connections")); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("ws.rate_limited",
		metric.WithDescription("Requests rejected by the per-connection limiter")); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		panic(err)
	}
	return m
}

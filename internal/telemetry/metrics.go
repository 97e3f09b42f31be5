package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Metrics holds the runtime's metric instruments.
type Metrics struct {
	TasksStarted      metric.Int64Counter
	TasksSucceeded    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	StepsExecuted     metric.Int64Counter
	ModelCallDuration metric.Float64Histogram
	AuthRequests      metric.Int64Counter
	AuthTimeouts      metric.Int64Counter
	ScriptRuns        metric.Int64Counter
	ActiveTasks       metric.Int64UpDownCounter

	reader *sdkmetric.ManualReader
}

// NewMetrics builds the instruments against an in-process manual reader; the
// dashboard collects on demand instead of exporting.
func NewMetrics() (*Metrics, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("openpocket")

	m := &Metrics{reader: reader}
	var err error

	if m.TasksStarted, err = meter.Int64Counter("openpocket.tasks.started",
		metric.WithDescription("Tasks admitted into the agent loop")); err != nil {
		return nil, err
	}
	if m.TasksSucceeded, err = meter.Int64Counter("openpocket.tasks.succeeded",
		metric.WithDescription("Tasks that reached the succeeded state")); err != nil {
		return nil, err
	}
	if m.TasksFailed, err = meter.Int64Counter("openpocket.tasks.failed",
		metric.WithDescription("Tasks that reached the failed state")); err != nil {
		return nil, err
	}
	if m.StepsExecuted, err = meter.Int64Counter("openpocket.loop.steps",
		metric.WithDescription("Agent loop steps executed")); err != nil {
		return nil, err
	}
	if m.ModelCallDuration, err = meter.Float64Histogram("openpocket.model.duration",
		metric.WithDescription("Model call duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.AuthRequests, err = meter.Int64Counter("openpocket.auth.requests",
		metric.WithDescription("Human-auth requests opened")); err != nil {
		return nil, err
	}
	if m.AuthTimeouts, err = meter.Int64Counter("openpocket.auth.timeouts",
		metric.WithDescription("Human-auth requests that timed out")); err != nil {
		return nil, err
	}
	if m.ScriptRuns, err = meter.Int64Counter("openpocket.script.runs",
		metric.WithDescription("Script executor runs")); err != nil {
		return nil, err
	}
	if m.ActiveTasks, err = meter.Int64UpDownCounter("openpocket.tasks.active",
		metric.WithDescription("Currently running tasks")); err != nil {
		return nil, err
	}
	return m, nil
}

// Collect returns the current metric state for the dashboard snapshot.
func (m *Metrics) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := m.reader.Collect(ctx, &rm)
	return rm, err
}

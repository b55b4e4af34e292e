package telemetry

import "context"

type Label struct {
	Key   string
	Value string
}

// Metrics is the sink runtimes emit into. Implementations: Prometheus
// for real deployments, Noop for embedding and tests.

type Metrics interface {
	IncCounter(name string, value float64, labels ...Label)
	ObserveHistogram(name string, value float64, labels ...Label)
	SetGauge(name string, value float64, labels ...Label)
}

type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]any)
	Warn(ctx context.Context, msg string, fields map[string]any)
	Error(ctx context.Context, msg string, fields map[string]any)
}

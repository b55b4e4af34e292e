package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// SlogAdapter bridges the Logger interface onto log/slog with JSON
// output.

type SlogAdapter struct {
	logger *slog.Logger
}

func NewSlogAdapter() *SlogAdapter {
	return NewSlogAdapterTo(os.Stdout)
}

// NewSlogAdapterTo writes to w; tests point this at a buffer.
func NewSlogAdapterTo(w io.Writer) *SlogAdapter {
	return &SlogAdapter{logger: slog.New(slog.NewJSONHandler(w, nil))}
}

func (l *SlogAdapter) Info(ctx context.Context, msg string, fields map[string]any) {
	l.logger.InfoContext(ctx, msg, flatten(fields)...)
}

func (l *SlogAdapter) Warn(ctx context.Context, msg string, fields map[string]any) {
	l.logger.WarnContext(ctx, msg, flatten(fields)...)
}

func (l *SlogAdapter) Error(ctx context.Context, msg string, fields map[string]any) {
	l.logger.ErrorContext(ctx, msg, flatten(fields)...)
}

func flatten(fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

// NopLogger discards everything.

type NopLogger struct{}

func (NopLogger) Info(ctx context.Context, msg string, fields map[string]any)  {}
func (NopLogger) Warn(ctx context.Context, msg string, fields map[string]any)  {}
func (NopLogger) Error(ctx context.Context, msg string, fields map[string]any) {}

// NoopMetrics discards everything.

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics { return &NoopMetrics{} }

func (m *NoopMetrics) IncCounter(name string, value float64, labels ...Label)       {}
func (m *NoopMetrics) ObserveHistogram(name string, value float64, labels ...Label) {}
func (m *NoopMetrics) SetGauge(name string, value float64, labels ...Label)         {}

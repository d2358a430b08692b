package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// LogProcessor writes every finished span as a structured log line. It is
// useful during development or audits where no trace collector is available.
type LogProcessor struct {
	logger *zap.Logger
}

// NewLogProcessor wires a Zap logger to the span processor interface.
func NewLogProcessor(logger *zap.Logger) *LogProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogProcessor{logger: logger}
}

// OnStart implements sdktrace.SpanProcessor; it performs no action.
func (p *LogProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

// OnEnd logs the span with its attributes.
func (p *LogProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	fields := []zap.Field{
		zap.String("span", s.Name()),
		zap.String("trace_id", s.SpanContext().TraceID().String()),
		zap.String("span_id", s.SpanContext().SpanID().String()),
		zap.Duration("dur", s.EndTime().Sub(s.StartTime())),
	}
	if parent := s.Parent(); parent.IsValid() {
		fields = append(fields, zap.String("parent_id", parent.SpanID().String()))
	}
	for _, kv := range s.Attributes() {
		fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
	}
	if st := s.Status(); st.Code == codes.Error {
		fields = append(fields, zap.String("error", st.Description))
	}
	p.logger.Debug("span ended", fields...)
}

// Shutdown implements sdktrace.SpanProcessor; it performs no action.
func (p *LogProcessor) Shutdown(context.Context) error { return nil }

// ForceFlush flushes the logger.
func (p *LogProcessor) ForceFlush(context.Context) error {
	_ = p.logger.Sync()
	return nil
}

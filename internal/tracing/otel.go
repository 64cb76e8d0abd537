package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer used by the step engine and the bridge.
const TracerName = "github.com/harun/stepflow"

// global holds the process tracer provider. It is installed once.
var global struct {
	once sync.Once
	mu   sync.Mutex
	tp   *sdktrace.TracerProvider
	err  error
}

// InitOpenTelemetry installs an always-sampling tracer provider tagged with
// serviceName. Later calls are no-ops and return the first result.
func InitOpenTelemetry(serviceName string) error {
	global.once.Do(func() {
		res, err := resource.New(context.Background(),
			resource.WithAttributes(semconv.ServiceName(serviceName)))
		if err != nil {
			global.err = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		)
		global.mu.Lock()
		global.tp = tp
		global.mu.Unlock()
		otel.SetTracerProvider(tp)
	})
	return global.err
}

// ShutdownOpenTelemetry flushes pending spans. It does nothing when
// InitOpenTelemetry never ran.
func ShutdownOpenTelemetry(ctx context.Context) error {
	global.mu.Lock()
	tp := global.tp
	global.mu.Unlock()

	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan opens a span on the named tracer. When ctx has no trace ID yet,
// the span's trace ID is adopted so log lines and spans correlate.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if sc := span.SpanContext(); GetTraceID(ctx) == "" && sc.HasTraceID() {
		ctx = WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx, span
}

// SessionAttributes identifies one engine step on a session.
func SessionAttributes(sessionID string, step int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("session.id", sessionID),
		attribute.Int("session.step", step),
	}
}

package observability

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Audit event types.
const (
	AuditTool      = "tool"
	AuditLifecycle = "lifecycle"
	AuditConfig    = "config"
)

// AuditEvent is one line of the audit log. Actor is normally a session ID
// and Action names what happened, e.g. "signal:completed" or
// "execute:ask_human".
type AuditEvent struct {
	Type      string
	Timestamp time.Time
	Actor     string
	Action    string
	Status    string
	Metadata  map[string]interface{}
}

// AuditLogger appends audit events as JSON lines. A nil *AuditLogger
// discards everything, so components can hold one unconditionally.
type AuditLogger struct {
	mu     sync.Mutex
	out    zerolog.Logger
	closer io.Closer
}

// NewAuditLogger writes audit lines to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{out: zerolog.New(w)}
}

// OpenAuditLog appends audit lines to the file at path, creating it and
// its directory when missing.
func OpenAuditLog(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	a := NewAuditLogger(f)
	a.closer = f
	return a, nil
}

// Record writes ev. When ctx carries a recording span the event is also
// attached to it and the line gets the span's trace ID.
func (a *AuditLogger) Record(ctx context.Context, ev AuditEvent) {
	if a == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	var traceID string
	if ctx != nil {
		if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
			traceID = span.SpanContext().TraceID().String()
			span.AddEvent(ev.Action, trace.WithAttributes(
				attribute.String("audit.type", ev.Type),
				attribute.String("audit.actor", ev.Actor),
				attribute.String("audit.status", ev.Status),
			))
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	line := a.out.Log().
		Time("timestamp", ev.Timestamp).
		Str("type", ev.Type).
		Str("actor", ev.Actor).
		Str("action", ev.Action).
		Str("status", ev.Status)
	if traceID != "" {
		line = line.Str("trace_id", traceID)
	}
	if len(ev.Metadata) > 0 {
		line = line.Fields(ev.Metadata)
	}
	line.Send()
}

// Close releases the audit file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closer.Close()
}

// RecordTool logs the outcome of one tool execution.
func (a *AuditLogger) RecordTool(ctx context.Context, tool, actor, status string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{Type: AuditTool, Actor: actor, Action: "execute:" + tool, Status: status, Metadata: metadata})
}

// RecordSignal logs a lifecycle signal emitted for a session.
func (a *AuditLogger) RecordSignal(ctx context.Context, kind, actor string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{Type: AuditLifecycle, Actor: actor, Action: "signal:" + kind, Status: "success", Metadata: metadata})
}

// RecordConfig logs a configuration change.
func (a *AuditLogger) RecordConfig(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	a.Record(ctx, AuditEvent{Type: AuditConfig, Actor: actor, Action: action, Status: "success", Metadata: metadata})
}

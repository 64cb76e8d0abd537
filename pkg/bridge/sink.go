package bridge

import (
	"context"
	"time"

	"github.com/harun/stepflow/internal/observability"
	"github.com/harun/stepflow/pkg/classifier"
)

// Event is one signal as observed by lifecycle sinks
type Event struct {
	SessionID string            `json:"session_id"`
	RunID     string            `json:"run_id"`
	Seq       int               `json:"seq"`
	Signal    classifier.Signal `json:"signal"`
	Step      int               `json:"step"`
	Timestamp time.Time         `json:"timestamp"`
}

// Sink receives every signal a stream emits. Emit is called synchronously
// from the stream and must not block for long.
type Sink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(event Event)

// Emit calls f.
func (f SinkFunc) Emit(event Event) { f(event) }

// NopSink discards events
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(Event) {}

// MultiSink fans an event out to several sinks in order
type MultiSink []Sink

// Emit passes event to each non-nil sink.
func (m MultiSink) Emit(event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(event)
		}
	}
}

// AuditSink writes each signal to the audit log
type AuditSink struct {
	Audit *observability.AuditLogger
}

// Emit records the signal kind against the session in the audit log.
func (a AuditSink) Emit(event Event) {
	a.Audit.RecordSignal(context.Background(), event.Signal.Kind.String(), event.SessionID, map[string]interface{}{
		"run_id": event.RunID,
		"seq":    event.Seq,
		"step":   event.Step,
	})
}

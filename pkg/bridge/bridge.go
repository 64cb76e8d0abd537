// Package bridge drives the step engine for a query and turns its progress
// into a stream of lifecycle signals.
//
// A stream holds the session's execution lease for its whole life, so a
// second stream or invoke on the same session fails with
// agent.SessionBusyError until the first one ends. Steps run in the
// consumer's goroutine. Cancellation is only observed between steps.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/stepflow/internal/observability"
	"github.com/harun/stepflow/internal/tracing"
	"github.com/harun/stepflow/pkg/agent"
	"github.com/harun/stepflow/pkg/classifier"
	"github.com/harun/stepflow/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrStreamConsumed is yielded when a stream is ranged over a second time
var ErrStreamConsumed = errors.New("stream already consumed")

const (
	// ProcessingText is the content of the first signal of every stream
	ProcessingText = "processing query"
	// StreamErrorPrefix prefixes the signal emitted when a step fails hard
	StreamErrorPrefix = "Error during streaming: "

	defaultMaxIdleThinks = 3
)

// Engine is the part of the step engine the bridge drives
type Engine interface {
	Store() *session.Store
	StepSession(ctx context.Context, sess *session.Session) (agent.StepResult, error)
	Finish(sess *session.Session, finalText string)
}

// Config holds bridge configuration
type Config struct {
	Engine     Engine
	Classifier *classifier.Classifier
	Sink       Sink
	Logger     zerolog.Logger

	// MaxIdleThinks bounds consecutive steps that decide not to act.
	MaxIdleThinks int
}

// Bridge runs queries against sessions
type Bridge struct {
	engine        Engine
	store         *session.Store
	classifier    *classifier.Classifier
	sink          Sink
	logger        zerolog.Logger
	maxIdleThinks int

	mu         sync.Mutex
	activeRuns map[string]context.CancelFunc
}

// New creates a Bridge
func New(cfg Config) (*Bridge, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	store := cfg.Engine.Store()
	if store == nil {
		return nil, fmt.Errorf("engine has no session store")
	}

	cls := cfg.Classifier
	if cls == nil {
		cls = classifier.New(classifier.DefaultMarkers())
	}
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	maxIdle := cfg.MaxIdleThinks
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleThinks
	}

	observability.EnsureRegistered()

	return &Bridge{
		engine:        cfg.Engine,
		store:         store,
		classifier:    cls,
		sink:          sink,
		logger:        cfg.Logger.With().Str("component", "bridge").Logger(),
		maxIdleThinks: maxIdle,
		activeRuns:    make(map[string]context.CancelFunc),
	}, nil
}

// Stream appends query to the session and steps it until a terminal signal.
// Nothing runs until the sequence is ranged over, and it can be ranged over
// only once. Admission failures (unknown session, busy session) and
// cancellation are yielded as errors; everything else arrives as signals.
func (b *Bridge) Stream(ctx context.Context, sessionID, query string) iter.Seq2[classifier.Signal, error] {
	var consumed atomic.Bool

	return func(yield func(classifier.Signal, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(classifier.Signal{}, ErrStreamConsumed)
			return
		}
		b.run(ctx, sessionID, query, yield)
	}
}

// Invoke drains a stream and returns its last signal
func (b *Bridge) Invoke(ctx context.Context, sessionID, query string) (classifier.Signal, error) {
	var last classifier.Signal
	for sig, err := range b.Stream(ctx, sessionID, query) {
		if err != nil {
			return last, err
		}
		last = sig
	}
	return last, nil
}

// Cancel asks the in-flight stream of a session to stop before its next
// step. It reports whether a stream was running.
func (b *Bridge) Cancel(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cancel, ok := b.activeRuns[sessionID]
	if !ok {
		return false
	}
	cancel()
	delete(b.activeRuns, sessionID)
	return true
}

// IsActive reports whether a stream is running for the session
func (b *Bridge) IsActive(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.activeRuns[sessionID]
	return ok
}

func (b *Bridge) register(sessionID string, cancel context.CancelFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activeRuns[sessionID] = cancel
}

func (b *Bridge) deregister(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.activeRuns, sessionID)
}

func (b *Bridge) run(ctx context.Context, sessionID, query string, yield func(classifier.Signal, error) bool) {
	sess, err := b.store.Get(sessionID)
	if err != nil {
		yield(classifier.Signal{}, err)
		return
	}

	if !sess.TryAcquire() {
		observability.RecordBusyRejection()
		b.logger.Warn().Str("session_id", sessionID).Msg("Stream rejected, session busy")
		yield(classifier.Signal{}, &agent.SessionBusyError{SessionID: sessionID})
		return
	}
	defer sess.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.register(sessionID, cancel)
	defer b.deregister(sessionID)

	ctx = tracing.NewRunContext(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "bridge.stream",
		tracing.SessionAttributes(sessionID, sess.CurrentStep())...)
	defer span.End()

	done := observability.StreamStarted()
	defer done()

	logger := tracing.LoggerFromContext(ctx, b.logger)
	runID := tracing.GetRunID(ctx)
	seq := 0

	emit := func(sig classifier.Signal, step int) bool {
		seq++
		observability.RecordSignal(sig.Kind.String())
		span.AddEvent("signal", spanEventAttrs(sig, seq))
		b.sink.Emit(Event{
			SessionID: sessionID,
			RunID:     runID,
			Seq:       seq,
			Signal:    sig,
			Step:      step,
			Timestamp: time.Now(),
		})
		return yield(sig, nil)
	}

	state := sess.State()
	if !state.IsTerminal() {
		sess.AppendMessage(session.Message{Role: session.RoleUser, Content: query})
	}

	logger.Info().Str("state", state.String()).Msg("Stream started")

	if !emit(classifier.Working(ProcessingText), sess.CurrentStep()) {
		return
	}

	switch state {
	case session.StateFinished:
		view := sess.Snapshot()
		if view.PendingTool != nil {
			logger.Warn().
				Str("tool", view.PendingTool.Name).
				Int("step", view.CurrentStep).
				Int("max_steps", view.MaxSteps).
				Msg("Reply dropped, session ran out of steps while awaiting input")
		}
		emit(classifier.Completed(cachedFinal(view)), view.CurrentStep)
		return
	case session.StateError:
		emit(classifier.Failed(fmt.Sprintf("session %s is in error state", sessionID)), sess.CurrentStep())
		return
	}

	idleThinks := 0
	for {
		if err := ctx.Err(); err != nil {
			observability.RecordStreamCancelled()
			logger.Info().Int("step", sess.CurrentStep()).Msg("Stream cancelled")
			span.SetStatus(codes.Error, "cancelled")
			yield(classifier.Signal{}, err)
			return
		}

		result, err := b.engine.StepSession(ctx, sess)
		if err != nil {
			logger.Error().Err(err).Msg("Step failed")
			span.RecordError(err)
			emit(classifier.NeedsInput(StreamErrorPrefix+err.Error()), sess.CurrentStep())
			return
		}

		if !result.Acted && result.Text == agent.NoActionText {
			idleThinks++
			if idleThinks > b.maxIdleThinks {
				logger.Warn().Int("idle_thinks", idleThinks).Msg("Agent made no progress")
				emit(classifier.NeedsInput(fmt.Sprintf("%sagent made no progress after %d consecutive steps without action",
					StreamErrorPrefix, idleThinks)), result.Step)
				return
			}
		} else {
			idleThinks = 0
		}

		sig := b.classifier.Classify(sess.Snapshot(), result)
		if sig.Kind == classifier.KindCompleted {
			b.engine.Finish(sess, sig.Content)
		}

		logger.Debug().
			Int("step", result.Step).
			Str("signal", sig.Kind.String()).
			Msg("Step classified")

		if !emit(sig, result.Step) || sig.IsTerminal() {
			return
		}
	}
}

// cachedFinal returns the text a finished session completed with. Sessions
// that ran out of budget on a human-input step never recorded one, so the
// last assistant text stands in, then the last memory entry.
func cachedFinal(view session.View) string {
	if view.FinalText != "" {
		return view.FinalText
	}
	for i := len(view.Memory) - 1; i >= 0; i-- {
		if msg := view.Memory[i]; msg.Role == session.RoleAssistant && msg.Content != "" {
			return msg.Content
		}
	}
	if n := len(view.Memory); n > 0 {
		return view.Memory[n-1].Content
	}
	return ""
}

func spanEventAttrs(sig classifier.Signal, seq int) trace.EventOption {
	return trace.WithAttributes(
		attribute.String("signal.kind", sig.Kind.String()),
		attribute.Int("signal.seq", seq),
	)
}

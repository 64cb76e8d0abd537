package bridge

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/stepflow/pkg/agent"
	"github.com/harun/stepflow/pkg/classifier"
	"github.com/harun/stepflow/pkg/coretools"
	"github.com/harun/stepflow/pkg/session"
	"github.com/harun/stepflow/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type turn func(memory []session.Message) (agent.Decision, error)

// script replays turns in order and repeats the last one
type script struct {
	mu    sync.Mutex
	turns []turn
	calls atomic.Int32
}

func (s *script) Complete(ctx context.Context, memory []session.Message, tools []toolexecutor.ToolDefinition) (agent.Decision, error) {
	i := int(s.calls.Add(1)) - 1
	s.mu.Lock()
	if i >= len(s.turns) {
		i = len(s.turns) - 1
	}
	next := s.turns[i]
	s.mu.Unlock()
	return next(memory)
}

func answer(text string) turn {
	return func([]session.Message) (agent.Decision, error) { return agent.NewDecision(text, nil), nil }
}

func useTool(name string, params map[string]interface{}) turn {
	return func([]session.Message) (agent.Decision, error) {
		return agent.NewDecision("", &session.ToolCall{ID: "call-" + name, Name: name, Parameters: params}), nil
	}
}

func noAction() turn {
	return func([]session.Message) (agent.Decision, error) { return agent.Decision{}, nil }
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type fixture struct {
	bridge *Bridge
	engine *agent.Engine
	store  *session.Store
	script *script
	sink   *recorder
}

func newFixture(t *testing.T, turns ...turn) *fixture {
	t.Helper()

	tools := toolexecutor.New()
	require.NoError(t, coretools.Register(tools, coretools.Options{}))
	require.NoError(t, tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "search",
		Description: "Search the web",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "q", Type: "string", Description: "query", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if params["q"] == "fail" {
				return nil, errors.New("upstream unavailable")
			}
			return "3 results", nil
		},
	}))

	sc := &script{turns: turns}
	store := session.New()
	engine, err := agent.NewEngine(agent.Config{
		Store:      store,
		Completion: sc,
		Tools:      tools,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	sink := &recorder{}
	b, err := New(Config{Engine: engine, Sink: sink, Logger: zerolog.Nop()})
	require.NoError(t, err)

	return &fixture{bridge: b, engine: engine, store: store, script: sc, sink: sink}
}

func (f *fixture) session(t *testing.T, maxSteps int) *session.Session {
	t.Helper()
	sess, err := f.store.GetOrCreate("session-1", maxSteps)
	require.NoError(t, err)
	return sess
}

func collect(t *testing.T, b *Bridge, sessionID, query string) ([]classifier.Signal, error) {
	t.Helper()
	var signals []classifier.Signal
	for sig, err := range b.Stream(context.Background(), sessionID, query) {
		if err != nil {
			return signals, err
		}
		signals = append(signals, sig)
	}
	return signals, nil
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStream_FinalAnswer(t *testing.T) {
	f := newFixture(t, answer("Results: 4"))
	sess := f.session(t, 10)

	signals, err := collect(t, f.bridge, sess.ID(), "2+2?")
	require.NoError(t, err)

	assert.Equal(t, []classifier.Signal{
		classifier.Working(ProcessingText),
		classifier.Completed("Results: 4"),
	}, signals)
	assert.Equal(t, 1, sess.CurrentStep())

	view := sess.Snapshot()
	assert.Equal(t, session.StateFinished, view.State)
	assert.Equal(t, "Results: 4", view.FinalText)
	assert.False(t, view.InFlight)
	assert.Equal(t, "2+2?", view.Memory[0].Content)
}

func TestStream_HumanInputThenResume(t *testing.T) {
	f := newFixture(t,
		useTool("ask_human", map[string]interface{}{"inquiry": "Which city?"}),
		func(memory []session.Message) (agent.Decision, error) {
			last := memory[len(memory)-1]
			return agent.NewDecision("Results: sunny in "+last.Content, nil), nil
		},
	)
	sess := f.session(t, 10)

	signals, err := collect(t, f.bridge, sess.ID(), "weather?")
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, classifier.KindWorking, signals[0].Kind)
	assert.Equal(t, classifier.KindNeedsInput, signals[1].Kind)
	assert.Contains(t, signals[1].Content, "Which city?")
	assert.Equal(t, 1, sess.CurrentStep())
	assert.NotNil(t, sess.Snapshot().PendingTool)

	signals, err = collect(t, f.bridge, sess.ID(), "Paris")
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, classifier.Completed("Results: sunny in Paris"), signals[1])
	assert.Equal(t, 2, sess.CurrentStep())
	assert.Nil(t, sess.Snapshot().PendingTool)
}

func TestStream_BudgetForcesCompletion(t *testing.T) {
	f := newFixture(t, useTool("search", map[string]interface{}{"q": "go"}))
	sess := f.session(t, 1)

	signals, err := collect(t, f.bridge, sess.ID(), "find go docs")
	require.NoError(t, err)

	require.Len(t, signals, 2)
	assert.Equal(t, classifier.KindCompleted, signals[1].Kind)
	assert.Contains(t, signals[1].Content, "3 results")
	assert.Equal(t, 1, sess.CurrentStep())
	assert.Equal(t, session.StateFinished, sess.State())
}

func TestStream_ToolErrorNeedsInput(t *testing.T) {
	f := newFixture(t, useTool("search", map[string]interface{}{"q": "fail"}))
	sess := f.session(t, 10)

	signals, err := collect(t, f.bridge, sess.ID(), "search it")
	require.NoError(t, err)

	require.Len(t, signals, 2)
	assert.Equal(t, classifier.KindNeedsInput, signals[1].Kind)
	assert.Contains(t, signals[1].Content, "Error")
	assert.Equal(t, 0, sess.CurrentStep())
	assert.Equal(t, session.StateIdle, sess.State())
}

func TestStream_FinishedSessionReplaysCompletion(t *testing.T) {
	f := newFixture(t, answer("Results: 4"))
	sess := f.session(t, 10)

	_, err := collect(t, f.bridge, sess.ID(), "2+2?")
	require.NoError(t, err)
	memoryLen := len(sess.Memory())

	signals, err := collect(t, f.bridge, sess.ID(), "again?")
	require.NoError(t, err)
	assert.Equal(t, []classifier.Signal{
		classifier.Working(ProcessingText),
		classifier.Completed("Results: 4"),
	}, signals)
	assert.EqualValues(t, 1, f.script.calls.Load())
	assert.Len(t, sess.Memory(), memoryLen)

	_, err = f.engine.Step(context.Background(), sess.ID())
	var stateErr *agent.InvalidStateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestStream_FinishedWhileAwaitingInputDropsReply(t *testing.T) {
	f := newFixture(t, func([]session.Message) (agent.Decision, error) {
		return agent.NewDecision("I need the city first.", &session.ToolCall{
			ID:         "call-ask",
			Name:       "ask_human",
			Parameters: map[string]interface{}{"inquiry": "Which city?"},
		}), nil
	})
	sess := f.session(t, 1)

	signals, err := collect(t, f.bridge, sess.ID(), "weather?")
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, classifier.KindNeedsInput, signals[1].Kind)
	assert.Equal(t, session.StateFinished, sess.State())
	memoryLen := len(sess.Memory())

	var logs bytes.Buffer
	b, err := New(Config{Engine: f.engine, Logger: zerolog.New(&logs)})
	require.NoError(t, err)

	signals, err = collect(t, b, sess.ID(), "Paris")
	require.NoError(t, err)
	assert.Equal(t, []classifier.Signal{
		classifier.Working(ProcessingText),
		classifier.Completed("I need the city first."),
	}, signals)
	assert.Len(t, sess.Memory(), memoryLen)
	assert.EqualValues(t, 1, f.script.calls.Load())
	assert.Contains(t, logs.String(), "Reply dropped")
	assert.Contains(t, logs.String(), `"tool":"ask_human"`)
}

func TestCachedFinal(t *testing.T) {
	assert.Equal(t, "done", cachedFinal(session.View{FinalText: "done"}))
	assert.Equal(t, "thinking", cachedFinal(session.View{Memory: []session.Message{
		{Role: session.RoleAssistant, Content: "thinking"},
		{Role: session.RoleAssistant},
		{Role: session.RoleTool, Content: "observation"},
	}}))
	assert.Equal(t, "observation", cachedFinal(session.View{Memory: []session.Message{
		{Role: session.RoleTool, Content: "observation"},
	}}))
	assert.Empty(t, cachedFinal(session.View{}))
}

func TestStream_WorkingUntilDone(t *testing.T) {
	f := newFixture(t,
		useTool("search", map[string]interface{}{"q": "a"}),
		useTool("search", map[string]interface{}{"q": "b"}),
		answer("Results: found"),
	)
	sess := f.session(t, 10)

	signals, err := collect(t, f.bridge, sess.ID(), "research")
	require.NoError(t, err)

	kinds := make([]classifier.Kind, 0, len(signals))
	for _, s := range signals {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []classifier.Kind{
		classifier.KindWorking,
		classifier.KindWorking,
		classifier.KindWorking,
		classifier.KindCompleted,
	}, kinds)
	assert.Equal(t, 3, sess.CurrentStep())

	events := f.sink.Events()
	require.Len(t, events, 4)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
		assert.Equal(t, signals[i], ev.Signal)
		assert.Equal(t, sess.ID(), ev.SessionID)
		assert.NotEmpty(t, ev.RunID)
		assert.Equal(t, events[0].RunID, ev.RunID)
	}
	assert.Equal(t, 0, events[0].Step)
	assert.Equal(t, 3, events[3].Step)
}

func TestStream_EngineFault(t *testing.T) {
	f := newFixture(t, func([]session.Message) (agent.Decision, error) { panic("bad state") })
	sess := f.session(t, 10)

	signals, err := collect(t, f.bridge, sess.ID(), "go")
	require.NoError(t, err)

	require.Len(t, signals, 2)
	assert.Equal(t, classifier.KindNeedsInput, signals[1].Kind)
	assert.Contains(t, signals[1].Content, StreamErrorPrefix)
	assert.Equal(t, session.StateError, sess.State())

	signals, err = collect(t, f.bridge, sess.ID(), "retry")
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, classifier.KindFailed, signals[1].Kind)
}

func TestStream_IdleThinkGuard(t *testing.T) {
	f := newFixture(t, noAction())
	sess := f.session(t, 10)

	signals, err := collect(t, f.bridge, sess.ID(), "hello")
	require.NoError(t, err)

	// processing, three idle steps, then the guard
	require.Len(t, signals, 5)
	last := signals[len(signals)-1]
	assert.Equal(t, classifier.KindNeedsInput, last.Kind)
	assert.Contains(t, last.Content, "no progress")
	assert.Equal(t, 0, sess.CurrentStep())
	assert.Equal(t, session.StateIdle, sess.State())
}

func TestStream_UnknownSession(t *testing.T) {
	f := newFixture(t, answer("Results: 4"))

	_, err := collect(t, f.bridge, "missing", "hi")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestStream_ConsumedOnce(t *testing.T) {
	f := newFixture(t, answer("Results: 4"))
	sess := f.session(t, 10)

	seq := f.bridge.Stream(context.Background(), sess.ID(), "2+2?")
	for range seq {
	}

	var errs []error
	for _, err := range seq {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrStreamConsumed)
	assert.EqualValues(t, 1, f.script.calls.Load())
}

func TestStream_EarlyBreakReleasesLease(t *testing.T) {
	f := newFixture(t, answer("Results: 4"))
	sess := f.session(t, 10)

	for sig, err := range f.bridge.Stream(context.Background(), sess.ID(), "2+2?") {
		require.NoError(t, err)
		assert.Equal(t, classifier.KindWorking, sig.Kind)
		break
	}

	assert.False(t, sess.InFlight())
	assert.False(t, f.bridge.IsActive(sess.ID()))
	assert.Equal(t, 0, sess.CurrentStep())

	final, err := f.bridge.Invoke(context.Background(), sess.ID(), "2+2?")
	require.NoError(t, err)
	assert.Equal(t, classifier.KindCompleted, final.Kind)
}

// blocking returns a turn that waits for release before answering
func blocking(started chan<- struct{}, release <-chan struct{}, d agent.Decision) turn {
	var once sync.Once
	return func([]session.Message) (agent.Decision, error) {
		once.Do(func() { close(started) })
		<-release
		return d, nil
	}
}

func TestStream_ConcurrentStreamIsBusy(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, blocking(started, release, agent.NewDecision("Results: slow", nil)))
	sess := f.session(t, 10)

	done := make(chan classifier.Signal, 1)
	go func() {
		sig, err := f.bridge.Invoke(context.Background(), sess.ID(), "slow")
		assert.NoError(t, err)
		done <- sig
	}()

	<-started
	_, err := f.bridge.Invoke(context.Background(), sess.ID(), "again")
	assert.ErrorIs(t, err, agent.ErrSessionBusy)
	var busy *agent.SessionBusyError
	assert.ErrorAs(t, err, &busy)

	close(release)
	select {
	case sig := <-done:
		assert.Equal(t, classifier.Completed("Results: slow"), sig)
	case <-time.After(5 * time.Second):
		t.Fatal("first invoke did not finish")
	}
	assert.Equal(t, 1, sess.CurrentStep())
}

func TestStream_CancelBetweenSteps(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	call := &session.ToolCall{ID: "c1", Name: "search", Parameters: map[string]interface{}{"q": "go"}}
	f := newFixture(t,
		blocking(started, release, agent.NewDecision("", call)),
		answer("Results: never"),
	)
	sess := f.session(t, 10)

	type outcome struct {
		signals []classifier.Signal
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		signals, err := collect(t, f.bridge, sess.ID(), "search")
		done <- outcome{signals, err}
	}()

	<-started
	assert.True(t, f.bridge.Cancel(sess.ID()))
	close(release)

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}

	assert.ErrorIs(t, out.err, context.Canceled)
	require.Len(t, out.signals, 2)
	assert.Equal(t, classifier.KindWorking, out.signals[1].Kind)
	assert.Equal(t, 1, sess.CurrentStep())
	assert.Equal(t, session.StateIdle, sess.State())
	assert.False(t, sess.InFlight())
	assert.False(t, f.bridge.Cancel(sess.ID()))
	assert.EqualValues(t, 1, f.script.calls.Load())
}

func TestInvoke(t *testing.T) {
	t.Run("should return the final signal", func(t *testing.T) {
		f := newFixture(t, useTool("search", map[string]interface{}{"q": "go"}), answer("Results: done"))
		sess := f.session(t, 10)

		sig, err := f.bridge.Invoke(context.Background(), sess.ID(), "q")
		require.NoError(t, err)
		assert.Equal(t, classifier.Completed("Results: done"), sig)
	})

	t.Run("should return cancellation of a cancelled context", func(t *testing.T) {
		f := newFixture(t, answer("Results: done"))
		sess := f.session(t, 10)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		sig, err := f.bridge.Invoke(ctx, sess.ID(), "q")
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, classifier.Working(ProcessingText), sig)
		assert.Equal(t, 0, sess.CurrentStep())
	})
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Emit(event Event) {
	m.Called(event)
}

func TestSinks(t *testing.T) {
	first := &mockSink{}
	second := &mockSink{}
	ev := Event{SessionID: "s", Seq: 1, Signal: classifier.Working("x")}
	first.On("Emit", ev).Once()
	second.On("Emit", ev).Once()

	MultiSink{first, nil, second}.Emit(ev)
	first.AssertExpectations(t)
	second.AssertExpectations(t)

	var got Event
	SinkFunc(func(e Event) { got = e }).Emit(ev)
	assert.Equal(t, ev, got)

	assert.NotPanics(t, func() {
		NopSink{}.Emit(ev)
		AuditSink{}.Emit(ev)
	})
}

func TestStream_SinkSeesEveryEmission(t *testing.T) {
	sink := &mockSink{}
	sink.On("Emit", mock.MatchedBy(func(e Event) bool { return e.Seq == 1 && e.Signal.Kind == classifier.KindWorking })).Once()
	sink.On("Emit", mock.MatchedBy(func(e Event) bool { return e.Seq == 2 && e.Signal.Kind == classifier.KindCompleted })).Once()

	f := newFixture(t, answer("Results: 4"))
	f.bridge.sink = sink
	sess := f.session(t, 10)

	_, err := f.bridge.Invoke(context.Background(), sess.ID(), "2+2?")
	require.NoError(t, err)
	sink.AssertExpectations(t)
}

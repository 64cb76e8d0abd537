package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/harun/stepflow/internal/observability"
	"github.com/harun/stepflow/internal/tracing"
	"github.com/harun/stepflow/pkg/session"
	"github.com/harun/stepflow/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// NoActionText is the step text when think decided not to act
	NoActionText  = "Thinking complete - no action needed"
	noContentText = "No content or commands to execute"
)

// Step outcomes reported to metrics
const (
	OutcomeActed      = "acted"
	OutcomeIdle       = "idle"
	OutcomeModelError = "model_error"
	OutcomeToolError  = "tool_error"
	OutcomeFault      = "fault"
)

// Config holds engine configuration
type Config struct {
	Store      *session.Store
	Completion Completion
	Tools      ToolInvoker
	Logger     zerolog.Logger

	// SpecialTools finish the session once they have run. Defaults to terminate.
	SpecialTools []string
	// HumanInputTools park the session until the next user message. Defaults to ask_human.
	HumanInputTools []string
}

// Engine executes think/act steps against sessions
type Engine struct {
	store           *session.Store
	completion      Completion
	tools           ToolInvoker
	logger          zerolog.Logger
	specialTools    map[string]bool
	humanInputTools map[string]bool
}

// NewEngine creates a new step engine
func NewEngine(cfg Config) (*Engine, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Completion == nil {
		return nil, fmt.Errorf("completion is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool invoker is required")
	}

	special := cfg.SpecialTools
	if special == nil {
		special = []string{"terminate"}
	}
	human := cfg.HumanInputTools
	if human == nil {
		human = []string{"ask_human"}
	}

	return &Engine{
		store:           cfg.Store,
		completion:      cfg.Completion,
		tools:           cfg.Tools,
		logger:          cfg.Logger.With().Str("component", "engine").Logger(),
		specialTools:    toSet(special),
		humanInputTools: toSet(human),
	}, nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

// Store returns the session store the engine works against
func (e *Engine) Store() *session.Store {
	return e.store
}

// Step runs one step on the session with the given id
func (e *Engine) Step(ctx context.Context, sessionID string) (StepResult, error) {
	sess, err := e.store.Get(sessionID)
	if err != nil {
		return StepResult{}, err
	}
	return e.StepSession(ctx, sess)
}

// StepSession runs one think/act step. Model and tool failures come back as
// result text with a nil error; only InvalidStateError and EngineFault are
// returned as errors.
func (e *Engine) StepSession(ctx context.Context, sess *session.Session) (result StepResult, err error) {
	if state, ok := sess.BeginStep(); !ok {
		reason := "cannot step a session that has ended"
		if state == session.StateRunning {
			reason = "a step is already executing"
		}
		return StepResult{}, &InvalidStateError{
			SessionID: sess.ID(),
			State:     state,
			Reason:    reason,
		}
	}

	// A step always runs to completion once started.
	ctx = context.WithoutCancel(ctx)
	ctx = tracing.WithSessionID(ctx, sess.ID())
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "agent.step",
		tracing.SessionAttributes(sess.ID(), sess.CurrentStep())...)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, e.logger)
	start := time.Now()
	outcome := OutcomeActed

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Step panicked")
			err = e.Fail(sess, fmt.Errorf("panic: %v", r))
			result = StepResult{}
			outcome = OutcomeFault
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("step.outcome", outcome))
		observability.RecordStep(outcome, time.Since(start))
	}()

	tools := e.tools.Definitions()
	decision, thinkErr := e.completion.Complete(ctx, sess.Memory(), tools)
	if thinkErr != nil {
		var modelErr *ModelError
		if !errors.As(thinkErr, &modelErr) {
			modelErr = &ModelError{Err: thinkErr}
		}
		logger.Warn().Err(modelErr).Msg("Think failed")
		outcome = OutcomeModelError
		return e.settle(sess, StepResult{Text: "Error: " + modelErr.Error()}, false), nil
	}

	if decision.Text != "" || decision.ToolCall != nil {
		msg := session.Message{Role: session.RoleAssistant, Content: decision.Text}
		if decision.ToolCall != nil {
			msg.ToolCalls = []session.ToolCall{*decision.ToolCall}
		}
		sess.AppendMessage(msg)
	}

	if !decision.ShouldAct {
		logger.Debug().Msg("Think decided no action is needed")
		outcome = OutcomeIdle
		return e.settle(sess, StepResult{Text: NoActionText}, false), nil
	}

	if decision.ToolCall == nil {
		text := decision.Text
		if text == "" {
			text = noContentText
		}
		if _, err := sess.AdvanceStep(); err != nil {
			return StepResult{}, e.Fail(sess, err)
		}
		return e.settle(sess, StepResult{Text: text, Acted: true}, false), nil
	}

	call := decision.ToolCall
	observation, finished, toolErr := e.act(ctx, sess, call)
	if toolErr != nil {
		var perr *toolexecutor.PanicError
		if errors.As(toolErr, &perr) {
			outcome = OutcomeFault
			return StepResult{}, e.Fail(sess, perr)
		}

		text := "Error: " + toolErr.Error()
		sess.AppendMessage(session.Message{
			Role:       session.RoleTool,
			Content:    text,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
		logger.Warn().Err(toolErr).Str("tool", call.Name).Msg("Act failed")
		outcome = OutcomeToolError
		return e.settle(sess, StepResult{Text: text, ToolInvoked: call}, false), nil
	}

	sess.AppendMessage(session.Message{
		Role:       session.RoleTool,
		Content:    observation,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	})
	if e.humanInputTools[call.Name] {
		sess.SetPendingTool(call)
	}
	if _, err := sess.AdvanceStep(); err != nil {
		return StepResult{}, e.Fail(sess, err)
	}

	logger.Debug().Str("tool", call.Name).Bool("finished", finished).Msg("Step acted")

	return e.settle(sess, StepResult{Text: observation, ToolInvoked: call, Acted: true}, finished), nil
}

func (e *Engine) act(ctx context.Context, sess *session.Session, call *session.ToolCall) (string, bool, error) {
	ctx = toolexecutor.WithExecution(ctx, &toolexecutor.ExecutionContext{
		SessionID:  sess.ID(),
		Step:       sess.CurrentStep() + 1,
		ToolCallID: call.ID,
	})

	output, err := e.tools.Invoke(ctx, call.Name, call.Parameters)
	if err != nil {
		var perr *toolexecutor.PanicError
		if errors.As(err, &perr) {
			return "", false, perr
		}
		return "", false, &ToolExecutionError{Tool: call.Name, Err: err}
	}

	var observation string
	if output == "" {
		observation = fmt.Sprintf("Cmd `%s` completed with no output", call.Name)
	} else {
		observation = fmt.Sprintf("Observed output of cmd `%s` executed:\n%s", call.Name, output)
	}

	return observation, e.specialTools[call.Name], nil
}

// settle moves the session out of Running and fills the budget fields of result
func (e *Engine) settle(sess *session.Session, result StepResult, finished bool) StepResult {
	step := sess.CurrentStep()
	if finished || step >= sess.MaxSteps() {
		sess.SetState(session.StateFinished)
	} else {
		sess.SetState(session.StateIdle)
	}

	result.Step = step
	result.IsTerminalByCount = step >= sess.MaxSteps()
	return result
}

// Finish marks the session Finished and records the completing text
func (e *Engine) Finish(sess *session.Session, finalText string) {
	if sess.State() == session.StateError {
		return
	}
	sess.SetFinalText(finalText)
	sess.SetState(session.StateFinished)
}

// Fail moves the session to Error and returns the fault describing why
func (e *Engine) Fail(sess *session.Session, cause error) error {
	sess.SetState(session.StateError)
	e.logger.Error().Str("session_id", sess.ID()).Err(cause).Msg("Session failed")
	return &EngineFault{SessionID: sess.ID(), Cause: cause}
}

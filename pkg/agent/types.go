package agent

import (
	"context"
	"strings"

	"github.com/harun/stepflow/pkg/session"
	"github.com/harun/stepflow/pkg/toolexecutor"
)

// Decision is the outcome of think
type Decision struct {
	ShouldAct bool
	Text      string
	ToolCall  *session.ToolCall
}

// NewDecision builds a Decision that acts when there is a tool call or text
func NewDecision(text string, call *session.ToolCall) Decision {
	return Decision{
		ShouldAct: call != nil || text != "",
		Text:      text,
		ToolCall:  call,
	}
}

// Completion decides the next action from the conversation so far
type Completion interface {
	Complete(ctx context.Context, memory []session.Message, tools []toolexecutor.ToolDefinition) (Decision, error)
}

// CompletionFunc adapts a function to Completion
type CompletionFunc func(ctx context.Context, memory []session.Message, tools []toolexecutor.ToolDefinition) (Decision, error)

// Complete calls f
func (f CompletionFunc) Complete(ctx context.Context, memory []session.Message, tools []toolexecutor.ToolDefinition) (Decision, error) {
	return f(ctx, memory, tools)
}

// ToolInvoker advertises and runs tools
type ToolInvoker interface {
	Definitions() []toolexecutor.ToolDefinition
	Invoke(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// StepResult is what one step produced
type StepResult struct {
	Text              string            `json:"text"`
	ToolInvoked       *session.ToolCall `json:"tool_invoked,omitempty"`
	Step              int               `json:"step"`
	Acted             bool              `json:"acted"`
	IsTerminalByCount bool              `json:"is_terminal_by_count"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID            string `json:"id"`
	Provider      string `json:"provider"` // "anthropic", "openai"
	APIKey        string `json:"api_key"`
	BaseURL       string `json:"base_url,omitempty"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty"`
	FailureCount  int    `json:"failure_count"`
	Priority      int    `json:"priority"`
}

// IsRetryableError checks if an error should be retried or failed over
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "timeout",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504", "529",
	} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}
	return false
}

package agent

import (
	"context"
	"time"

	"github.com/harun/stepflow/internal/observability"
	"github.com/harun/stepflow/pkg/session"
	"github.com/harun/stepflow/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// CompletionConfig holds the request settings for ProviderCompletion
type CompletionConfig struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	SystemPrompt   string
	NextStepPrompt string
}

// ProviderCompletion adapts an LLMProvider to Completion. Only the first
// tool call of a response is acted on.
type ProviderCompletion struct {
	provider LLMProvider
	cfg      CompletionConfig
}

// NewProviderCompletion creates a ProviderCompletion
func NewProviderCompletion(provider LLMProvider, cfg CompletionConfig) *ProviderCompletion {
	return &ProviderCompletion{provider: provider, cfg: cfg}
}

// Complete asks the provider for the next action
func (c *ProviderCompletion) Complete(ctx context.Context, memory []session.Message, tools []toolexecutor.ToolDefinition) (Decision, error) {
	messages := memory
	if c.cfg.NextStepPrompt != "" {
		messages = make([]session.Message, 0, len(memory)+1)
		messages = append(messages, memory...)
		messages = append(messages, session.Message{Role: session.RoleUser, Content: c.cfg.NextStepPrompt})
	}

	start := time.Now()
	response, err := c.provider.Call(ctx, LLMRequest{
		Model:        c.cfg.Model,
		Messages:     messages,
		Tools:        tools,
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
		SystemPrompt: c.cfg.SystemPrompt,
	})
	observability.RecordCompletion(c.provider.Provider(), time.Since(start), err == nil)
	if err != nil {
		return Decision{}, &ModelError{Provider: c.provider.Provider(), Err: err}
	}

	var call *session.ToolCall
	if len(response.ToolCalls) > 0 {
		first := response.ToolCalls[0]
		if first.ID == "" {
			first.ID = "call_" + gonanoid.Must()
		}
		call = &first
	}

	return NewDecision(response.Content, call), nil
}

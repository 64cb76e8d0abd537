package coretools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/stepflow/pkg/toolexecutor"
)

const (
	// AskHumanTool parks the session until the user replies
	AskHumanTool = "ask_human"
	// TerminateTool ends the session
	TerminateTool = "terminate"
)

// AskHumanPrefix starts every ask_human observation. The default
// awaiting-input marker matches it.
const AskHumanPrefix = "tool 'ask_human' execute result is"

// Options configures core tool registration.
type Options struct {
	// Skip lists core tools that should not be registered.
	Skip []string
}

// Register registers the control tools the think/act loop depends on.
func Register(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}

	skip := make(map[string]bool, len(opts.Skip))
	for _, name := range opts.Skip {
		skip[name] = true
	}

	for _, tool := range []toolexecutor.ToolDefinition{askHumanTool(), terminateTool()} {
		if skip[tool.Name] {
			continue
		}
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

// The reply is not awaited here. The question is surfaced as an observation
// and the answer arrives as the session's next query.
func askHumanTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        AskHumanTool,
		Description: "Ask the user a question when information needed to continue is missing.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "inquiry", Type: "string", Description: "The question to ask the user", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			inquiry, _ := params["inquiry"].(string)
			inquiry = strings.TrimSpace(inquiry)
			if inquiry == "" {
				return nil, errors.New("inquiry cannot be empty")
			}
			return fmt.Sprintf("%s: %s", AskHumanPrefix, inquiry), nil
		},
	}
}

func terminateTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        TerminateTool,
		Description: "Terminate the interaction when the request is met or cannot proceed further.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "status", Type: "string", Description: "The finish status: success or failure", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			status, _ := params["status"].(string)
			switch status {
			case "success", "failure":
			default:
				return nil, fmt.Errorf("invalid status %q (must be success or failure)", status)
			}
			return fmt.Sprintf("The interaction has been completed with status: %s", status), nil
		},
	}
}

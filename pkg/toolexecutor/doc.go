// Package toolexecutor registers and executes the tools a session's agent
// can call.
//
// Invariants:
// - Tool names are unique.
// - Parameters are schema-validated before execution.
// - A tool the policy denies is neither advertised nor executed.
// - Every execution is bounded by a timeout.
//
// Usage:
//
//	exec := toolexecutor.New()
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	out, err := exec.Invoke(ctx, "echo", map[string]interface{}{"text": "hi"})
package toolexecutor

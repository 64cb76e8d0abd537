package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/harun/stepflow/internal/observability"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

const (
	defaultTimeout = 30 * time.Second
	maxOutputSize  = 10 * 1024 // 10KB
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	SessionID  string
	Step       int
	ToolCallID string
	Timeout    time.Duration
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success   bool                   `json:"success"`
	Output    interface{}            `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Truncated bool                   `json:"truncated,omitempty"`
	Panicked  bool                   `json:"-"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PanicError reports a tool handler that panicked instead of returning.
type PanicError struct {
	Tool  string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("tool %s panicked: %v", e.Tool, e.Value)
}

// Config configures a ToolExecutor
type Config struct {
	Timeout time.Duration
	Policy  *ToolPolicy
	Logger  zerolog.Logger
	Audit   *observability.AuditLogger
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools   map[string]*ToolDefinition
	schemas map[string]*gojsonschema.Schema
	timeout time.Duration
	policy  *ToolPolicy
	logger  zerolog.Logger
	audit   *observability.AuditLogger
	mu      sync.RWMutex
}

// New creates a ToolExecutor that allows every tool
func New() *ToolExecutor {
	return NewWithConfig(Config{Logger: zerolog.Nop()})
}

// NewWithConfig creates a ToolExecutor from cfg
func NewWithConfig(cfg Config) *ToolExecutor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	observability.EnsureRegistered()

	te := &ToolExecutor{
		tools:   make(map[string]*ToolDefinition),
		schemas: make(map[string]*gojsonschema.Schema),
		timeout: timeout,
		policy:  cfg.Policy,
		logger:  cfg.Logger.With().Str("component", "toolexecutor").Logger(),
		audit:   cfg.Audit,
	}

	te.logger.Debug().Dur("timeout", timeout).Msg("Tool executor initialized")

	return te
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := generateJSONSchema(def)
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema

	te.logger.Debug().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns all registered tool names in sorted order
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	return tools
}

// Definitions returns the tools the policy allows, sorted by name. These are
// the tools advertised to the model.
func (te *ToolExecutor) Definitions() []ToolDefinition {
	names := FilterToolsByPolicy(te.ListTools(), te.policy)

	te.mu.RLock()
	defer te.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		if def, ok := te.tools[name]; ok {
			defs = append(defs, *def)
		}
	}
	return defs
}

// Invoke executes a tool and renders its output as text. The execution
// context is taken from ctx when the caller attached one.
func (te *ToolExecutor) Invoke(ctx context.Context, name string, params map[string]interface{}) (string, error) {
	result := te.Execute(ctx, name, params, ExecutionFrom(ctx))
	if result.Panicked {
		var perr *PanicError
		if pe, ok := result.Metadata["panic"].(*PanicError); ok {
			perr = pe
		} else {
			perr = &PanicError{Tool: name, Value: result.Error}
		}
		return "", perr
	}
	if !result.Success {
		return "", errors.New(result.Error)
	}
	return renderOutput(result.Output), nil
}

// Execute executes a tool with the given parameters
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	startTime := time.Now()
	if params == nil {
		params = map[string]interface{}{}
	}

	sessionID := ""
	if execCtx != nil {
		sessionID = execCtx.SessionID
	}
	logger := te.logger.With().Str("tool", toolName).Str("session_id", sessionID).Logger()

	if !te.policy.IsToolAllowed(toolName) {
		logger.Warn().Msg("Tool execution blocked by policy")
		te.audit.RecordTool(ctx, toolName, sessionID, "denied", nil)
		return ToolResult{
			Success:  false,
			Error:    fmt.Sprintf("tool '%s' is not allowed by policy", toolName),
			Metadata: map[string]interface{}{"policy_violation": true},
		}
	}

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if tool == nil {
		logger.Error().Msg("Tool not found")
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool not found: %s", toolName),
		}
	}

	if err := validateParameters(schema, params); err != nil {
		logger.Error().Err(err).Msg("Parameter validation failed")
		return ToolResult{
			Success: false,
			Error:   fmt.Sprintf("parameter validation failed: %v", err),
		}
	}

	timeout := te.timeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PanicError{Tool: toolName, Value: r, Stack: debug.Stack()}}
			}
		}()
		value, err := tool.Handler(timeoutCtx, params)
		done <- outcome{value: value, err: err}
	}()

	var result ToolResult
	select {
	case out := <-done:
		duration := time.Since(startTime)
		metadata := map[string]interface{}{"duration": duration.Milliseconds()}

		var perr *PanicError
		switch {
		case errors.As(out.err, &perr):
			logger.Error().Interface("panic", perr.Value).Bytes("stack", perr.Stack).Msg("Tool handler panicked")
			metadata["panic"] = perr
			result = ToolResult{Success: false, Error: perr.Error(), Panicked: true, Metadata: metadata}
		case out.err != nil:
			logger.Error().Dur("duration", duration).Err(out.err).Msg("Tool execution failed")
			result = ToolResult{Success: false, Error: out.err.Error(), Metadata: metadata}
		default:
			output, truncated := te.truncateOutput(out.value)
			logger.Debug().Dur("duration", duration).Bool("truncated", truncated).Msg("Tool execution completed")
			result = ToolResult{Success: true, Output: output, Truncated: truncated, Metadata: metadata}
		}

	case <-timeoutCtx.Done():
		duration := time.Since(startTime)
		logger.Error().Dur("duration", duration).Msg("Tool execution timeout")
		result = ToolResult{
			Success:  false,
			Error:    fmt.Sprintf("tool execution timeout after %v", timeout),
			Metadata: map[string]interface{}{"duration": duration.Milliseconds()},
		}
	}

	observability.RecordToolExecution(toolName, time.Since(startTime), result.Success)
	status := "success"
	if !result.Success {
		status = "failure"
	}
	te.audit.RecordTool(ctx, toolName, sessionID, status, map[string]interface{}{
		"duration_ms": time.Since(startTime).Milliseconds(),
	})

	return result
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}

	return nil
}

// SchemaMap returns the JSON Schema object describing def's parameters.
// Providers send it to the model as the tool's input schema.
func SchemaMap(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}
	return schemaMap
}

func generateJSONSchema(def ToolDefinition) (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(SchemaMap(def)))
}

func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := []string{}
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}

func (te *ToolExecutor) truncateOutput(output interface{}) (interface{}, bool) {
	if output == nil {
		return nil, false
	}

	str := renderOutput(output)
	if len(str) <= maxOutputSize {
		return output, false
	}

	te.logger.Warn().
		Int("original", len(str)).
		Int("truncated", maxOutputSize).
		Msg("Output truncated")

	return str[:maxOutputSize] + "\n... [output truncated]", true
}

// renderOutput turns a handler result into observation text. Strings pass
// through; structured values are JSON encoded.
func renderOutput(output interface{}) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}

	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(data)
}

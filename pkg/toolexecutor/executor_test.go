package toolexecutor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harun/stepflow/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo tool",
		Parameters: []ToolParameter{
			{Name: "message", Type: "string", Description: "Message to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return params["message"], nil
		},
	}
}

func TestToolExecutor_RegisterTool(t *testing.T) {
	te := New()

	require.NoError(t, te.RegisterTool(echoTool()))

	tool := te.GetTool("echo")
	require.NotNil(t, tool)
	assert.Equal(t, "echo", tool.Name)

	assert.Error(t, te.RegisterTool(echoTool()), "duplicate names are rejected")
}

func TestToolExecutor_RegisterTool_InvalidDefinition(t *testing.T) {
	te := New()
	noop := func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil }

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{"empty name", ToolDefinition{Description: "Test", Handler: noop}},
		{"empty description", ToolDefinition{Name: "test", Handler: noop}},
		{"nil handler", ToolDefinition{Name: "test", Description: "Test"}},
		{"bad parameter type", ToolDefinition{
			Name: "test", Description: "Test", Handler: noop,
			Parameters: []ToolParameter{{Name: "x", Type: "float", Description: "x"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, te.RegisterTool(tt.def))
		})
	}
}

func TestToolExecutor_Execute(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	t.Run("should return handler output", func(t *testing.T) {
		result := te.Execute(context.Background(), "echo", map[string]interface{}{"message": "hello"}, nil)
		assert.True(t, result.Success)
		assert.Equal(t, "hello", result.Output)
		assert.Empty(t, result.Error)
	})

	t.Run("should report unknown tool", func(t *testing.T) {
		result := te.Execute(context.Background(), "nonexistent", nil, nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "tool not found")
	})

	t.Run("should validate parameters", func(t *testing.T) {
		result := te.Execute(context.Background(), "echo", map[string]interface{}{}, nil)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "parameter validation failed")

		result = te.Execute(context.Background(), "echo", map[string]interface{}{"message": "a", "extra": 1}, nil)
		assert.False(t, result.Success)
	})
}

func TestToolExecutor_Execute_HandlerError(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "fail",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("disk full")
		},
	}))

	result := te.Execute(context.Background(), "fail", nil, nil)
	assert.False(t, result.Success)
	assert.Equal(t, "disk full", result.Error)
}

func TestToolExecutor_Execute_Timeout(t *testing.T) {
	te := NewWithConfig(Config{Timeout: 50 * time.Millisecond})
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "slow",
		Description: "Blocks until cancelled",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return "late", nil
		},
	}))

	result := te.Execute(context.Background(), "slow", nil, nil)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "timeout")
}

func TestToolExecutor_Execute_Truncation(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "big",
		Description: "Large output",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return strings.Repeat("x", maxOutputSize+100), nil
		},
	}))

	result := te.Execute(context.Background(), "big", nil, nil)
	require.True(t, result.Success)
	assert.True(t, result.Truncated)
	assert.Contains(t, result.Output, "[output truncated]")
}

func TestToolExecutor_Policy(t *testing.T) {
	var audit bytes.Buffer
	te := NewWithConfig(Config{
		Policy: &ToolPolicy{Allow: []string{"*"}, Deny: []string{"echo"}},
		Audit:  observability.NewAuditLogger(&audit),
	})
	require.NoError(t, te.RegisterTool(echoTool()))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "terminate",
		Description: "Stop",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "", nil
		},
	}))

	defs := te.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "terminate", defs[0].Name)

	result := te.Execute(context.Background(), "echo", map[string]interface{}{"message": "x"}, &ExecutionContext{SessionID: "s-1"})
	assert.False(t, result.Success)
	assert.Equal(t, true, result.Metadata["policy_violation"])
	assert.Contains(t, audit.String(), `"status":"denied"`)
}

func TestToolExecutor_Invoke(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "lookup",
		Description: "Structured output",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"hits": 2}, nil
		},
	}))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "whoami",
		Description: "Reports the calling session",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return ExecutionFrom(ctx).SessionID, nil
		},
	}))
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "boom",
		Description: "Panics",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			panic("unexpected nil")
		},
	}))

	t.Run("should render string output", func(t *testing.T) {
		out, err := te.Invoke(context.Background(), "echo", map[string]interface{}{"message": "hi"})
		require.NoError(t, err)
		assert.Equal(t, "hi", out)
	})

	t.Run("should render structured output as json", func(t *testing.T) {
		out, err := te.Invoke(context.Background(), "lookup", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"hits":2}`, out)
	})

	t.Run("should pass execution context to handler", func(t *testing.T) {
		ctx := WithExecution(context.Background(), &ExecutionContext{SessionID: "s-42"})
		out, err := te.Invoke(ctx, "whoami", nil)
		require.NoError(t, err)
		assert.Equal(t, "s-42", out)
	})

	t.Run("should return error for failures", func(t *testing.T) {
		_, err := te.Invoke(context.Background(), "missing", nil)
		assert.ErrorContains(t, err, "tool not found")
	})

	t.Run("should surface panics as PanicError", func(t *testing.T) {
		_, err := te.Invoke(context.Background(), "boom", nil)
		var perr *PanicError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "boom", perr.Tool)
		assert.Equal(t, "unexpected nil", perr.Value)
	})
}

func TestSchemaMap(t *testing.T) {
	schema := SchemaMap(echoTool())

	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"message"}, schema["required"])
	props := schema["properties"].(map[string]interface{})
	assert.Contains(t, props, "message")
}

package session

import (
	"time"
)

// State is the execution state of a session.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateFinished
	StateError
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateFinished:
		return "FINISHED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further steps may run in this state.
func (s State) IsTerminal() bool {
	return s == StateFinished || s == StateError
}

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall identifies a tool invocation chosen by the model
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Message represents a single conversation turn
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// View is a point-in-time copy of a session. It shares no memory with the
// live session and is safe to read without locking.
type View struct {
	ID          string    `json:"session_id"`
	CurrentStep int       `json:"current_step"`
	MaxSteps    int       `json:"max_steps"`
	State       State     `json:"-"`
	StateName   string    `json:"state"`
	Memory      []Message `json:"memory"`
	PendingTool *ToolCall `json:"pending_tool,omitempty"`
	FinalText   string    `json:"final_text,omitempty"`
	InFlight    bool      `json:"in_flight"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TerminalByCount reports whether the step budget is spent and no step is
// executing.
func (v View) TerminalByCount() bool {
	return v.CurrentStep >= v.MaxSteps && v.State != StateRunning
}

func cloneToolCall(tc *ToolCall) *ToolCall {
	if tc == nil {
		return nil
	}
	cp := *tc
	if tc.Parameters != nil {
		cp.Parameters = make(map[string]interface{}, len(tc.Parameters))
		for k, v := range tc.Parameters {
			cp.Parameters[k] = v
		}
	}
	return &cp
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if len(m.ToolCalls) > 0 {
			out[i].ToolCalls = make([]ToolCall, len(m.ToolCalls))
			for j := range m.ToolCalls {
				out[i].ToolCalls[j] = *cloneToolCall(&m.ToolCalls[j])
			}
		}
	}
	return out
}

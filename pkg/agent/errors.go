package agent

import (
	"errors"
	"fmt"

	"github.com/harun/stepflow/pkg/session"
)

// ErrSessionBusy is matched by SessionBusyError through errors.Is.
var ErrSessionBusy = errors.New("session busy")

// ModelError wraps a failed completion call
type ModelError struct {
	Provider string
	Err      error
}

func (e *ModelError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("model call failed: %v", e.Err)
	}
	return fmt.Sprintf("model call failed (%s): %v", e.Provider, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// ToolExecutionError wraps a failed tool invocation
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// InvalidStateError reports a step requested on a session that cannot run
type InvalidStateError struct {
	SessionID string
	State     session.State
	Reason    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("session %s in state %s: %s", e.SessionID, e.State, e.Reason)
}

// SessionBusyError reports that another execution holds the session
type SessionBusyError struct {
	SessionID string
}

func (e *SessionBusyError) Error() string {
	return fmt.Sprintf("session %s busy: an execution is already in flight", e.SessionID)
}

func (e *SessionBusyError) Is(target error) bool { return target == ErrSessionBusy }

// EngineFault is an unrecoverable failure inside a step. The session is
// moved to Error before it is returned.
type EngineFault struct {
	SessionID string
	Cause     error
}

func (e *EngineFault) Error() string {
	return fmt.Sprintf("engine fault in session %s: %v", e.SessionID, e.Cause)
}

func (e *EngineFault) Unwrap() error { return e.Cause }

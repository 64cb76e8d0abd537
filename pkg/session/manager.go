package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/stepflow/internal/observability"
	"github.com/rs/zerolog"
)

// ErrSessionNotFound is returned when a session id is unknown to the store.
var ErrSessionNotFound = errors.New("session not found")

// Session is the live, mutable execution state of one conversation.
// All access goes through methods that hold the session lock.
type Session struct {
	id       string
	maxSteps int

	mu          sync.RWMutex
	currentStep int
	state       State
	memory      []Message
	pendingTool *ToolCall
	finalText   string
	inFlight    bool
	createdAt   time.Time
	updatedAt   time.Time
}

func newSession(id string, maxSteps int) *Session {
	now := time.Now()
	return &Session{
		id:        id,
		maxSteps:  maxSteps,
		state:     StateIdle,
		createdAt: now,
		updatedAt: now,
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// MaxSteps returns the step budget fixed at creation
func (s *Session) MaxSteps() int {
	return s.maxSteps
}

// State returns the current execution state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CurrentStep returns the number of completed act steps
func (s *Session) CurrentStep() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStep
}

// Snapshot returns a deep copy of the session.
func (s *Session) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return View{
		ID:          s.id,
		CurrentStep: s.currentStep,
		MaxSteps:    s.maxSteps,
		State:       s.state,
		StateName:   s.state.String(),
		Memory:      cloneMessages(s.memory),
		PendingTool: cloneToolCall(s.pendingTool),
		FinalText:   s.finalText,
		InFlight:    s.inFlight,
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
	}
}

// Memory returns a copy of the conversation memory
func (s *Session) Memory() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.memory)
}

// AppendMessage appends a turn to memory. A user turn answers any pending
// human-input tool call.
func (s *Session) AppendMessage(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.memory = append(s.memory, msg)
	if msg.Role == RoleUser {
		s.pendingTool = nil
	}
	s.updatedAt = msg.Timestamp
}

// SetState moves the session to a new state
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.updatedAt = time.Now()
}

// BeginStep moves an Idle session to Running in one locked transition.
// It returns the state it found and false when that state forbids a new
// step: another step is Running, or the session has ended.
func (s *Session) BeginStep() (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return s.state, false
	}
	s.state = StateRunning
	s.updatedAt = time.Now()
	return StateIdle, true
}

// AdvanceStep increments the step counter. It refuses to move past the
// step budget.
func (s *Session) AdvanceStep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentStep >= s.maxSteps {
		return s.currentStep, fmt.Errorf("step budget of %d exhausted", s.maxSteps)
	}
	s.currentStep++
	s.updatedAt = time.Now()
	return s.currentStep, nil
}

// SetPendingTool records a tool call that is waiting for a human reply
func (s *Session) SetPendingTool(tc *ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTool = cloneToolCall(tc)
}

// SetFinalText records the content of the completing signal
func (s *Session) SetFinalText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalText = text
}

// TryAcquire takes the session's execution lease. It returns false when
// another execution already holds it.
func (s *Session) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

// Release returns the execution lease
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
}

// InFlight reports whether an execution currently holds the lease
func (s *Session) InFlight() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inFlight
}

// Store keeps sessions keyed by id. Sessions are created on first use and
// never removed.
type Store struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   zerolog.Logger
}

// New creates an empty Store
func New() *Store {
	return NewWithLogger(zerolog.Nop())
}

// NewWithLogger creates an empty Store that logs session creation
func NewWithLogger(logger zerolog.Logger) *Store {
	observability.EnsureRegistered()

	return &Store{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// ValidateSessionID validates a caller supplied session id
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

// Create creates a session with a generated id
func (st *Store) Create(maxSteps int) (*Session, error) {
	return st.GetOrCreate(uuid.New().String(), maxSteps)
}

// GetOrCreate returns the session for id, creating it with the given step
// budget if it does not exist yet. The budget of an existing session is
// never changed.
func (st *Store) GetOrCreate(id string, maxSteps int) (*Session, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}

	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		return sess, nil
	}

	if maxSteps <= 0 {
		return nil, fmt.Errorf("max steps must be positive, got %d", maxSteps)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Lost the race to another creator
	if sess, ok := st.sessions[id]; ok {
		return sess, nil
	}

	sess = newSession(id, maxSteps)
	st.sessions[id] = sess
	observability.SetActiveSessions(len(st.sessions))

	st.logger.Info().
		Str("session_id", id).
		Int("max_steps", maxSteps).
		Msg("Session created")

	return sess, nil
}

// Get returns an existing session
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	sess, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// List returns snapshots of all sessions ordered by creation time
func (st *Store) List() []View {
	st.mu.RLock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		sessions = append(sessions, sess)
	}
	st.mu.RUnlock()

	views := make([]View, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sess.Snapshot())
	}
	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

// Len returns the number of sessions held
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

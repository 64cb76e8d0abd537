package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harun/stepflow/internal/tracing"
	"github.com/harun/stepflow/pkg/agent"
	"github.com/harun/stepflow/pkg/bridge"
	"github.com/harun/stepflow/pkg/session"
)

// StreamRequest is the body of POST /stream
type StreamRequest struct {
	SessionID string `json:"sessionId"`
	Query     string `json:"query"`
	MaxSteps  int    `json:"maxSteps,omitempty"`
}

// handleStream runs a query and writes each signal as a server-sent event.
// Unknown sessions are created with maxSteps, or the default budget.
// Admission failures are reported with an HTTP status before the event
// stream starts.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var req StreamRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &RPCError{Code: ParseError, Message: err.Error()})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, invalidParams("query is required"))
		return
	}

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = s.defaultMaxSteps
	}
	var (
		sess *session.Session
		err  error
	)
	if req.SessionID == "" {
		sess, err = s.store.Create(maxSteps)
	} else {
		sess, err = s.store.GetOrCreate(req.SessionID, maxSteps)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, invalidParams("%v", err))
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := s.requestContext(r)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	started := false
	seq := 0
	for sig, err := range s.bridge.Stream(ctx, sess.ID(), req.Query) {
		if err != nil {
			if !started {
				writeJSON(w, statusFor(err), toRPCError(err))
				return
			}
			logger.Info().Err(err).Str("session_id", sess.ID()).Msg("Stream ended early")
			writeEvent(w, "error", map[string]interface{}{"message": err.Error()})
			flusher.Flush()
			return
		}

		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}

		seq++
		writeEvent(w, "signal", SignalMessage(bridge.Event{
			SessionID: sess.ID(),
			Seq:       seq,
			Signal:    sig,
			Timestamp: time.Now(),
		}))
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/stepflow/internal/tracing"
	"github.com/harun/stepflow/pkg/agent"
	"github.com/harun/stepflow/pkg/bridge"
	"github.com/harun/stepflow/pkg/classifier"
	"github.com/harun/stepflow/pkg/session"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("session.create", s.handleSessionCreate)
	_ = s.RegisterMethod("session.get", s.handleSessionGet)
	_ = s.RegisterMethod("session.list", s.handleSessionList)
	_ = s.RegisterMethod("session.subscribe", s.handleSessionSubscribe)
	_ = s.RegisterMethod("session.unsubscribe", s.handleSessionUnsubscribe)
	_ = s.RegisterMethod("agent.invoke", s.handleAgentInvoke)
	_ = s.RegisterMethod("agent.stream", s.handleAgentStream)
	_ = s.RegisterMethod("agent.cancel", s.handleAgentCancel)
	_ = s.RegisterMethod("gateway.clients", s.handleGatewayClients)
}

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// toRPCError maps domain errors onto RPC error codes
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, agent.ErrSessionBusy):
		return &RPCError{Code: SessionBusy, Message: err.Error()}
	case errors.Is(err, session.ErrSessionNotFound):
		return &RPCError{Code: SessionNotFound, Message: err.Error()}
	default:
		return &RPCError{Code: InternalError, Message: err.Error()}
	}
}

func stringParam(params map[string]interface{}, name string) (string, error) {
	value, ok := params[name].(string)
	if !ok || value == "" {
		return "", invalidParams("%s parameter is required and must be a string", name)
	}
	return value, nil
}

func (s *Server) maxStepsParam(params map[string]interface{}) (int, error) {
	raw, exists := params["maxSteps"]
	if !exists {
		return s.defaultMaxSteps, nil
	}
	value, ok := raw.(float64)
	if !ok || value < 1 || value != float64(int(value)) {
		return 0, invalidParams("maxSteps must be a positive integer")
	}
	return int(value), nil
}

// handleSessionCreate creates a session, or returns the existing one when a
// known sessionId is given.
func (s *Server) handleSessionCreate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	maxSteps, err := s.maxStepsParam(params)
	if err != nil {
		return nil, err
	}

	var sess *session.Session
	if id, ok := params["sessionId"].(string); ok && id != "" {
		sess, err = s.store.GetOrCreate(id, maxSteps)
	} else {
		sess, err = s.store.Create(maxSteps)
	}
	if err != nil {
		return nil, invalidParams("%v", err)
	}

	return map[string]interface{}{
		"sessionId": sess.ID(),
		"maxSteps":  sess.MaxSteps(),
		"state":     sess.State().String(),
	}, nil
}

func (s *Server) handleSessionGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}

	sess, err := s.store.Get(id)
	if err != nil {
		return nil, toRPCError(err)
	}
	return sess.Snapshot(), nil
}

func (s *Server) handleSessionList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	views := s.store.List()
	summaries := make([]map[string]interface{}, 0, len(views))
	for _, v := range views {
		summaries = append(summaries, map[string]interface{}{
			"sessionId":   v.ID,
			"state":       v.StateName,
			"currentStep": v.CurrentStep,
			"maxSteps":    v.MaxSteps,
			"inFlight":    v.InFlight,
			"updatedAt":   v.UpdatedAt,
		})
	}

	return map[string]interface{}{
		"sessions": summaries,
		"count":    len(summaries),
	}, nil
}

func (s *Server) subscriber(ctx context.Context) (*Client, error) {
	client, ok := s.clients.Get(clientIDFromContext(ctx))
	if !ok {
		return nil, &RPCError{Code: InvalidRequest, Message: "subscriptions require a websocket connection"}
	}
	return client, nil
}

func (s *Server) handleSessionSubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}
	client, err := s.subscriber(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Get(id); err != nil {
		return nil, toRPCError(err)
	}

	client.Subscribe(id)
	return map[string]interface{}{"sessionId": id, "subscribed": true}, nil
}

func (s *Server) handleSessionUnsubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}
	client, err := s.subscriber(ctx)
	if err != nil {
		return nil, err
	}

	client.Unsubscribe(id)
	return map[string]interface{}{"sessionId": id, "subscribed": false}, nil
}

func queryParams(params map[string]interface{}) (string, string, error) {
	id, err := stringParam(params, "sessionId")
	if err != nil {
		return "", "", err
	}
	query, err := stringParam(params, "query")
	if err != nil {
		return "", "", err
	}
	return id, query, nil
}

func signalResult(sess *session.Session, sig classifier.Signal) map[string]interface{} {
	view := sess.Snapshot()
	return map[string]interface{}{
		"sessionId":   view.ID,
		"signal":      sig,
		"state":       view.StateName,
		"currentStep": view.CurrentStep,
		"maxSteps":    view.MaxSteps,
	}
}

// handleAgentInvoke runs a query to its final signal
func (s *Server) handleAgentInvoke(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, query, err := queryParams(params)
	if err != nil {
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	sig, err := s.bridge.Invoke(ctx, id, query)
	if err != nil {
		logger.Warn().Err(err).Str("session_id", id).Msg("Invoke failed")
		return nil, toRPCError(err)
	}

	logger.Info().
		Str("session_id", id).
		Str("signal", sig.Kind.String()).
		Dur("duration", time.Since(start)).
		Msg("Invoke completed")

	sess, err := s.store.Get(id)
	if err != nil {
		return nil, toRPCError(err)
	}
	return signalResult(sess, sig), nil
}

// handleAgentStream runs a query and pushes every signal to the requesting
// websocket client as it is produced. The response carries the final signal
// and, for callers without a websocket, the full list of signals.
func (s *Server) handleAgentStream(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, query, err := queryParams(params)
	if err != nil {
		return nil, err
	}

	client, _ := s.clients.Get(clientIDFromContext(ctx))
	requestID := requestIDFromContext(ctx)

	var (
		signals []classifier.Signal
		seq     int64
	)
	for sig, err := range s.bridge.Stream(ctx, id, query) {
		if err != nil {
			if len(signals) == 0 || !errors.Is(err, context.Canceled) {
				return nil, toRPCError(err)
			}
			break
		}
		signals = append(signals, sig)
		seq++

		if client != nil {
			msg := SignalMessage(bridge.Event{
				SessionID: id,
				Seq:       int(seq),
				Signal:    sig,
				Timestamp: time.Now(),
			})
			msg.RequestID = requestID
			msg.TraceID = tracing.GetTraceID(ctx)
			if err := client.WriteJSON(msg); err != nil {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("Failed to push signal")
			}
		}
	}

	sess, err := s.store.Get(id)
	if err != nil {
		return nil, toRPCError(err)
	}

	result := signalResult(sess, signals[len(signals)-1])
	result["cancelled"] = !signals[len(signals)-1].IsTerminal()
	if client == nil {
		result["signals"] = signals
	}
	return result, nil
}

func (s *Server) handleAgentCancel(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id, err := stringParam(params, "sessionId")
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Get(id); err != nil {
		return nil, toRPCError(err)
	}

	cancelled := s.bridge.Cancel(id)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("session_id", id).
		Bool("cancelled", cancelled).
		Msg("Cancel requested")

	return map[string]interface{}{"sessionId": id, "cancelled": cancelled}, nil
}

func (s *Server) handleGatewayClients(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	clients := s.clients.Infos()
	return map[string]interface{}{"clients": clients, "count": len(clients)}, nil
}

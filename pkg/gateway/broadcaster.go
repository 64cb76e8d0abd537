package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/stepflow/pkg/bridge"
	"github.com/rs/zerolog"
)

// SignalEvent is the event name of lifecycle signals pushed to clients
const SignalEvent = "agent.signal"

// EventBroadcaster pushes events to websocket clients. It is also the
// bridge sink: every signal of every stream reaches the clients subscribed
// to that session.
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all clients
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.send(b.clients.All(), EventMessage{
		Type:      "event",
		Event:     event,
		Stream:    StreamTypeServer,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       b.nextSeq(),
	})
}

// Emit implements bridge.Sink
func (b *EventBroadcaster) Emit(event bridge.Event) {
	b.send(b.clients.Subscribers(event.SessionID), SignalMessage(event))
}

// SignalMessage converts a bridge event into a client message. The stream
// sequence number is kept so clients can detect gaps per run.
func SignalMessage(event bridge.Event) EventMessage {
	return EventMessage{
		Type:      "event",
		Event:     SignalEvent,
		Stream:    StreamTypeLifecycle,
		Phase:     event.Signal.Kind.String(),
		Seq:       int64(event.Seq),
		Data:      event.Signal,
		Timestamp: event.Timestamp.UnixMilli(),
		RunID:     event.RunID,
		Session:   event.SessionID,
	}
}

func (b *EventBroadcaster) send(clients []*Client, msg EventMessage) {
	if len(clients) == 0 {
		return
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", msg.Event).
			Int64("seq", msg.Seq).
			Msg("Failed to marshal event")
		return
	}

	successCount := 0
	failureCount := 0

	for _, client := range clients {
		if err := client.WriteMessage(websocket.TextMessage, jsonData); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("event", msg.Event).
				Int64("seq", msg.Seq).
				Msg("Failed to send event to client")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("phase", msg.Phase).
		Str("session_id", msg.Session).
		Int64("seq", msg.Seq).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}

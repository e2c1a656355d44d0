package coursechat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Wire Types
// ============================================================================

// EventType names a server-to-client event.
type EventType string

const (
	EventConnected           EventType = "connected"
	EventAuthError           EventType = "auth_error"
	EventDisconnected        EventType = "disconnected"
	EventTransportError      EventType = "transport_error"
	EventNewMessage          EventType = "new_message"
	EventSendAck             EventType = "send_ack"
	EventChannelJoined       EventType = "channel_joined"
	EventChannelJoinRejected EventType = "channel_join_rejected"
)

// CommandType names a client-to-server command.
type CommandType string

const (
	CommandJoin  CommandType = "join"
	CommandLeave CommandType = "leave"
	CommandSend  CommandType = "send"
)

// Envelope is the wire format for all server events.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Command is a client-to-server frame.
type Command struct {
	Type      CommandType `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ConnectedPayload accompanies the handshake acknowledgement.
type ConnectedPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

// ReasonPayload is carried by auth_error, disconnected and transport_error.
type ReasonPayload struct {
	Reason string `json:"reason"`
}

// ChannelPayload is carried by channel_joined and channel_join_rejected.
type ChannelPayload struct {
	ChannelID string      `json:"channelId"`
	Kind      ChannelKind `json:"kind,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// SendPayload is the body of a send command.
type SendPayload struct {
	ChannelID     string      `json:"channelId"`
	Content       string      `json:"content"`
	Kind          MessageKind `json:"kind"`
	CorrelationID string      `json:"correlationId"`
}

// SendAck resolves a send command, correlated by CorrelationID.
type SendAck struct {
	CorrelationID string     `json:"correlationId"`
	ChannelID     string     `json:"channelId,omitempty"`
	OK            bool       `json:"ok"`
	MessageID     string     `json:"messageId,omitempty"`
	Content       string     `json:"content,omitempty"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// decodePayload unmarshals an envelope payload, reporting failures as
// protocol errors.
func decodePayload[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, &ProtocolError{EventType: string(env.Type), Detail: "missing payload"}
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, &ProtocolError{EventType: string(env.Type), Detail: "malformed payload", Err: err}
	}
	return v, nil
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(t EventType, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: data}, nil
}

// ============================================================================
// Bus
// ============================================================================

// Handler consumes one event.
type Handler func(Envelope)

type subscription struct {
	id uint64
	h  Handler
}

// Bus is a publish/subscribe registry for wire events. A Bus is owned by a
// Session and handed to each consumer; there is no package-level handler.
//
// Publish runs handlers synchronously, in registration order, on the
// publishing goroutine, so events from one connection are applied in arrival
// order.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[EventType][]subscription
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[EventType][]subscription),
		logger:   logger,
	}
}

// On registers h for events of type t and returns a function removing it.
func (b *Bus) On(t EventType, h Handler) (off func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], subscription{id: id, h: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.handlers[t]
			for i, s := range subs {
				if s.id == id {
					b.handlers[t] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish delivers env to every handler registered for its type. It reports
// whether at least one handler received it.
func (b *Bus) Publish(env Envelope) bool {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[env.Type]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.call(s.h, env)
	}
	return len(subs) > 0
}

func (b *Bus) call(h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", env.Type, "panic", r)
		}
	}()
	h(env)
}

package coursechat

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
)

// DeliveryStatus tracks a message from compose to read receipt.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// rank orders the forward-only statuses. Failed sits outside the chain.
func (s DeliveryStatus) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// upgrade returns the status a stored entry should hold after seeing next.
func (s DeliveryStatus) upgrade(next DeliveryStatus) DeliveryStatus {
	if s == StatusFailed {
		return s
	}
	if next.rank() > s.rank() {
		return next
	}
	return s
}

// localIDPrefix marks temporary ids given to optimistic messages.
const localIDPrefix = "local-"

// Message is one entry of a channel's conversation feed.
type Message struct {
	ID             string         `json:"id"`
	ClientID       string         `json:"clientId,omitempty"`
	ChannelID      string         `json:"channelId"`
	SenderID       string         `json:"senderId"`
	SenderName     string         `json:"senderName,omitempty"`
	Content        string         `json:"content"`
	Kind           MessageKind    `json:"kind"`
	CreatedAt      time.Time      `json:"createdAt"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus"`
}

// IsLocal reports whether the message still carries a client-side id.
func (m Message) IsLocal() bool {
	return len(m.ID) > len(localIDPrefix) && m.ID[:len(localIDPrefix)] == localIDPrefix
}

// before reports whether m sorts ahead of o under the (CreatedAt, ID) order.
func (m Message) before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// ============================================================================
// Channels
// ============================================================================

// ChannelKind distinguishes a course's live chat from its discussion feed.
type ChannelKind string

const (
	ChannelChat       ChannelKind = "chat"
	ChannelDiscussion ChannelKind = "discussion"
)

// SubscriptionState is the join state of a channel.
type SubscriptionState string

const (
	SubscriptionIdle    SubscriptionState = "idle"
	SubscriptionJoining SubscriptionState = "joining"
	SubscriptionJoined  SubscriptionState = "joined"
	SubscriptionLeft    SubscriptionState = "left"
)

// Channel is a logical conversation scope.
type Channel struct {
	ID                string            `json:"id"`
	Kind              ChannelKind       `json:"kind"`
	SubscriptionState SubscriptionState `json:"subscriptionState"`
}

// Identity is the signed-in user, stamped on optimistic messages.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// ============================================================================
// REST envelope
// ============================================================================

// APIResult is the response envelope of the REST API.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals Data into v.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

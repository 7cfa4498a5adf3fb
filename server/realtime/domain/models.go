package domain

import (
	"encoding/json"
	"time"
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is a projection of connection churn, never written
// independently of register/unregister events.
type PresenceRecord struct {
	Identity string         `json:"identity"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}

type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

// Rank orders delivery states so transitions stay monotonic.
func (s DeliveryState) Rank() int {
	switch s {
	case DeliverySent:
		return 0
	case DeliveryDelivered:
		return 1
	case DeliveryRead:
		return 2
	}
	return -1
}

// Message IDs are a per-conversation sequence, strictly increasing and
// gap-free. Receipts address a message by (conversation, seq).
type Message struct {
	ConversationID string          `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	SenderID       string          `json:"sender_id"`
	Payload        json.RawMessage `json:"payload"`
	DeliveryState  DeliveryState   `json:"delivery_state"`
	CreatedAt      time.Time       `json:"created_at"`
}

type NotificationKind string

const (
	NotificationLike    NotificationKind = "like"
	NotificationComment NotificationKind = "comment"
	NotificationFollow  NotificationKind = "follow"
	NotificationStory   NotificationKind = "story"
)

// NotificationEvent is produced by upstream CRUD actions and only
// consumed here.
type NotificationEvent struct {
	ID        string           `json:"id"`
	TargetID  string           `json:"target_id"`
	Kind      NotificationKind `json:"kind"`
	Payload   json.RawMessage  `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
	Delivered bool             `json:"delivered"`
}

type CallState string

const (
	CallRinging     CallState = "ringing"
	CallNegotiating CallState = "negotiating"
	CallActive      CallState = "active"
	CallEnded       CallState = "ended"
)

type CallEndReason string

const (
	ReasonHangup           CallEndReason = "hangup"
	ReasonRejected         CallEndReason = "rejected"
	ReasonUnreachable      CallEndReason = "unreachable"
	ReasonTimeout          CallEndReason = "timeout"
	ReasonPeerDisconnected CallEndReason = "peer_disconnected"
)

// CallSession tracks call setup between exactly two identities. At most
// one non-ended session may exist per unordered identity pair.
type CallSession struct {
	ID        string        `json:"id"`
	CallerID  string        `json:"caller_id"`
	CalleeID  string        `json:"callee_id"`
	State     CallState     `json:"state"`
	EndReason CallEndReason `json:"end_reason,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitzero"`
}

func (s CallSession) Other(identity string) string {
	if identity == s.CallerID {
		return s.CalleeID
	}
	return s.CallerID
}

func (s CallSession) Involves(identity string) bool {
	return identity == s.CallerID || identity == s.CalleeID
}

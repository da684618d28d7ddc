// Package broadcast fans out conversation-scoped events to connected clients.
//
// Delivery is at-least-once and unordered: clients dedupe by message id and re-sort by
// sequence. Publishing is decoupled from the write path; a failed publish is logged and
// the client reconciles through the history endpoint.
package broadcast

import (
	"encoding/json"
	"time"

	"github.com/messaging/internal/model"
)

type EventType string

const (
	EventMessageSent       EventType = "message_sent"
	EventMessageDeleted    EventType = "message_deleted"
	EventReactionUpdated   EventType = "reaction_updated"
	EventTipRequestUpdated EventType = "tip_request_updated"
	EventPresenceJoining   EventType = "presence_joining"
	EventPresenceLeaving   EventType = "presence_leaving"
	EventTyping            EventType = "typing"
	EventUnreadUpdated     EventType = "unread_updated"
)

// Event is the unit carried by a Bus. Payload is pre-encoded so the same bytes can cross
// Redis and reach every socket without re-marshalling.
type Event struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
	// ExcludeUserID skips the sender (typing whispers).
	ExcludeUserID string `json:"exclude_user_id,omitempty"`
	// TargetUserID narrows delivery to one user's sockets regardless of subscription.
	TargetUserID string `json:"target_user_id,omitempty"`
}

type MessageSentPayload struct {
	Message *model.Message `json:"message"`
}

type MessageDeletedPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	DeletedAt      time.Time `json:"deleted_at"`
}

type ReactionPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Emoji          string `json:"emoji"`
	Variant        string `json:"variant,omitempty"`
	Added          bool   `json:"added"`
}

type TipRequestPayload struct {
	Request *model.Message `json:"request"`
	Tip     *model.Message `json:"tip,omitempty"`
}

type PresencePayload struct {
	ConversationID string               `json:"conversation_id"`
	Member         model.PresenceMember `json:"member"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Name           string `json:"name"`
}

type UnreadPayload struct {
	ConversationID string `json:"conversation_id"`
	UnreadCount    int    `json:"unread_count"`
}

package model

import (
	"fmt"
	"time"
)

type MessageType string

const (
	MessageTypeText       MessageType = "text"
	MessageTypeTip        MessageType = "tip"
	MessageTypeTipRequest MessageType = "tip_request"
	MessageTypeSystem     MessageType = "system"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeTip, MessageTypeTipRequest, MessageTypeSystem:
		return true
	}
	return false
}

type TipRequestStatus string

const (
	TipRequestPending  TipRequestStatus = "pending"
	TipRequestAccepted TipRequestStatus = "accepted"
	TipRequestDeclined TipRequestStatus = "declined"
)

// Terminal reports whether no further transition is allowed.
func (s TipRequestStatus) Terminal() bool {
	return s == TipRequestAccepted || s == TipRequestDeclined
}

// Attachment is an opaque reference resolved by the attachment service.
type Attachment struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// TipRequestState lives in the metadata of a tip_request message.
// Amount is in minor units of Currency (1000 = $10.00 for USD).
type TipRequestState struct {
	Amount       int64            `json:"amount"`
	Currency     string           `json:"currency"`
	RequesterID  string           `json:"requester_id"`
	ResponderID  string           `json:"responder_id"`
	Status       TipRequestStatus `json:"status"`
	RespondedAt  *time.Time       `json:"responded_at,omitempty"`
	TipMessageID *string          `json:"tip_message_id,omitempty"`
}

// TipMeta is carried by a tip message.
type TipMeta struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	PayerID   string `json:"payer_id"`
	PayeeID   string `json:"payee_id"`
	RequestID string `json:"request_id,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`
}

// SystemMeta is carried by system messages (joins, renames and so on).
type SystemMeta struct {
	Event   string `json:"event"`
	ActorID string `json:"actor_id,omitempty"`
}

// Metadata is a tagged union: exactly the field matching the message type is set,
// text messages carry none.
type Metadata struct {
	Tip        *TipMeta         `json:"tip,omitempty"`
	TipRequest *TipRequestState `json:"tip_request,omitempty"`
	System     *SystemMeta      `json:"system,omitempty"`
}

// Validate checks that the variant matches t.
func (m Metadata) Validate(t MessageType) error {
	set := 0
	if m.Tip != nil {
		set++
	}
	if m.TipRequest != nil {
		set++
	}
	if m.System != nil {
		set++
	}
	switch t {
	case MessageTypeText:
		if set != 0 {
			return NewValidationError("metadata", "text messages carry no metadata")
		}
	case MessageTypeTip:
		if set != 1 || m.Tip == nil {
			return NewValidationError("metadata", "tip metadata required")
		}
		if m.Tip.Amount <= 0 || m.Tip.Currency == "" {
			return NewValidationError("metadata.tip", "amount and currency required")
		}
	case MessageTypeTipRequest:
		if set != 1 || m.TipRequest == nil {
			return NewValidationError("metadata", "tip_request metadata required")
		}
		tr := m.TipRequest
		if tr.Amount <= 0 || tr.Currency == "" {
			return NewValidationError("metadata.tip_request", "amount and currency required")
		}
		if tr.ResponderID == "" || tr.ResponderID == tr.RequesterID {
			return NewValidationError("metadata.tip_request.responder_id", "responder must differ from requester")
		}
	case MessageTypeSystem:
		if set != 1 || m.System == nil || m.System.Event == "" {
			return NewValidationError("metadata", "system metadata required")
		}
	default:
		return NewValidationError("type", fmt.Sprintf("unknown message type %q", t))
	}
	return nil
}

type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Sequence       int64             `json:"sequence"`
	AuthorID       *string           `json:"author_id,omitempty"`
	Type           MessageType       `json:"type"`
	Body           *string           `json:"body"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	Metadata       Metadata          `json:"metadata"`
	ReplyToID      *string           `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	DeletedAt      *time.Time        `json:"deleted_at,omitempty"`
	Reactions      []ReactionSummary `json:"reactions,omitempty"`
}

// IsDeleted reports whether the message was soft-deleted.
func (m *Message) IsDeleted() bool { return m.DeletedAt != nil }

// AuthoredBy reports whether userID wrote m. System messages have no author.
func (m *Message) AuthoredBy(userID string) bool {
	return m.AuthorID != nil && *m.AuthorID == userID
}

// Redact applies soft-delete display rules: the row and sequence stay, content goes.
func (m *Message) Redact() {
	if m.DeletedAt == nil {
		return
	}
	m.Body = nil
	m.Attachments = nil
}

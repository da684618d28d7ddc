package model

import "time"

type ParticipantRole string

const (
	RoleMember ParticipantRole = "member"
	RoleAdmin  ParticipantRole = "admin"
)

type Conversation struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	IsGroup       bool          `json:"is_group"`
	CreatedBy     string        `json:"created_by"`
	CreatedAt     time.Time     `json:"created_at"`
	LastMessageAt *time.Time    `json:"last_message_at,omitempty"`
	LastSequence  int64         `json:"last_sequence"`
	Participants  []Participant `json:"participants,omitempty"`
}

// Participant is a (conversation, user) membership row. LastReadSequence mirrors the
// sequence of LastReadMessageID so unread counts never need a join on messages.
type Participant struct {
	ConversationID    string          `json:"conversation_id"`
	UserID            string          `json:"user_id"`
	Role              ParticipantRole `json:"role"`
	JoinedAt          time.Time       `json:"joined_at"`
	LastReadMessageID *string         `json:"last_read_message_id,omitempty"`
	LastReadSequence  int64           `json:"last_read_sequence"`
	UnreadCount       int             `json:"unread_count"`
}

// ConversationWithUnread is what a participant sees in the conversation list.
type ConversationWithUnread struct {
	Conversation Conversation `json:"conversation"`
	UnreadCount  int          `json:"unread_count"`
}

// HasParticipant reports whether userID is among c.Participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.Participant(userID) != nil
}

// Participant returns the membership row for userID or nil.
func (c *Conversation) Participant(userID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// Package authz decides who may read, post to and delete from a conversation.
package authz

import "github.com/messaging/internal/model"

type Authorizer interface {
	CanView(c *model.Conversation, userID string) bool
	CanPost(c *model.Conversation, userID string) bool
	// CanDelete is checked against the message being removed.
	CanDelete(c *model.Conversation, m *model.Message, userID string) bool
}

// ParticipantPolicy: participants read and post; the author or a conversation admin deletes.
type ParticipantPolicy struct{}

func (ParticipantPolicy) CanView(c *model.Conversation, userID string) bool {
	return c != nil && c.HasParticipant(userID)
}

func (ParticipantPolicy) CanPost(c *model.Conversation, userID string) bool {
	return c != nil && c.HasParticipant(userID)
}

func (ParticipantPolicy) CanDelete(c *model.Conversation, m *model.Message, userID string) bool {
	if c == nil || m == nil {
		return false
	}
	p := c.Participant(userID)
	if p == nil {
		return false
	}
	return m.AuthoredBy(userID) || p.Role == model.RoleAdmin
}

// View returns model.ErrNotFound when userID may not see c, so a stranger cannot probe
// a conversation's existence.
func View(a Authorizer, c *model.Conversation, userID string) error {
	if !a.CanView(c, userID) {
		return model.ErrNotFound
	}
	return nil
}

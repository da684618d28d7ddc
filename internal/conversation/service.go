// Package conversation owns the write path: creating conversations, posting and deleting
// messages. Every append goes through the sequencer; events and read-state updates follow
// the write and never fail it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/messaging/internal/authz"
	"github.com/messaging/internal/logger"
	"github.com/messaging/internal/metrics"
	"github.com/messaging/internal/model"
)

const (
	MaxBodyRunes    = 4000
	MaxTitleRunes   = 200
	MaxParticipants = 500
)

type Store interface {
	CreateConversation(ctx context.Context, c *model.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	FindDirectConversation(ctx context.Context, userA, userB string) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]model.ConversationWithUnread, error)
	AddParticipant(ctx context.Context, p model.Participant) error
	AppendMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) (*model.Message, error)
}

type Attachments interface {
	Resolve(ctx context.Context, ids []string) ([]model.Attachment, error)
}

type Sequencer interface {
	Do(ctx context.Context, conversationID string, fn func(ctx context.Context) error) error
}

type Publisher interface {
	MessageSent(m *model.Message)
	MessageDeleted(m *model.Message)
}

type MessageObserver interface {
	OnMessageSent(ctx context.Context, m *model.Message)
}

type Service struct {
	store       Store
	auth        authz.Authorizer
	attachments Attachments
	seq         Sequencer
	pub         Publisher
	observer    MessageObserver
	now         func() time.Time
}

func NewService(store Store, auth authz.Authorizer, attachments Attachments, seq Sequencer, pub Publisher, observer MessageObserver) *Service {
	return &Service{
		store:       store,
		auth:        auth,
		attachments: attachments,
		seq:         seq,
		pub:         pub,
		observer:    observer,
		now:         time.Now,
	}
}

type CreateInput struct {
	Title          string   `json:"title"`
	IsGroup        bool     `json:"is_group"`
	ParticipantIDs []string `json:"participant_ids"`
}

// Create makes a conversation with the creator as admin.
func (s *Service) Create(ctx context.Context, creatorID string, in CreateInput) (*model.Conversation, error) {
	c, err := s.newConversation(creatorID, in)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	logger.Infof("conversation: created id=%s by=%s members=%d", c.ID, creatorID, len(c.Participants))
	return c, nil
}

// newConversation validates in and builds the conversation without storing it.
func (s *Service) newConversation(creatorID string, in CreateInput) (*model.Conversation, error) {
	title := strings.TrimSpace(in.Title)
	if utf8.RuneCountInString(title) > MaxTitleRunes {
		return nil, model.NewValidationError("title", "too long")
	}
	members := dedupe(creatorID, in.ParticipantIDs)
	switch {
	case len(members) < 2:
		return nil, model.NewValidationError("participant_ids", "at least one other participant required")
	case !in.IsGroup && len(members) != 2:
		return nil, model.NewValidationError("participant_ids", "direct conversations have exactly two participants")
	case len(members) > MaxParticipants:
		return nil, model.NewValidationError("participant_ids", "too many participants")
	}

	now := s.now().UTC()
	c := &model.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		IsGroup:   in.IsGroup,
		CreatedBy: creatorID,
		CreatedAt: now,
	}
	for _, uid := range members {
		role := model.RoleMember
		if uid == creatorID {
			role = model.RoleAdmin
		}
		c.Participants = append(c.Participants, model.Participant{
			ConversationID: c.ID,
			UserID:         uid,
			Role:           role,
			JoinedAt:       now,
		})
	}
	return c, nil
}

// Get returns the conversation if userID may see it.
func (s *Service) Get(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := authz.View(s.auth, c, userID); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]model.ConversationWithUnread, error) {
	return s.store.ListConversations(ctx, userID)
}

// AddParticipant lets a conversation admin add a member; a system message records it.
func (s *Service) AddParticipant(ctx context.Context, conversationID, actorID, userID string) (*model.Conversation, error) {
	c, err := s.Get(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if p := c.Participant(actorID); p == nil || p.Role != model.RoleAdmin {
		return nil, model.ErrForbidden
	}
	if !c.IsGroup {
		return nil, model.NewValidationError("conversation_id", "direct conversations are fixed")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, model.NewValidationError("user_id", "required")
	}
	if c.HasParticipant(userID) {
		return c, nil
	}
	if err := s.store.AddParticipant(ctx, model.Participant{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           model.RoleMember,
		JoinedAt:       s.now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("add participant: %w", err)
	}
	if _, err := s.AppendSystem(ctx, conversationID, "participant_added", actorID); err != nil {
		logger.Errorf("conversation: system message conv=%s: %v", conversationID, err)
	}
	return s.store.GetConversation(ctx, conversationID)
}

type SendInput struct {
	ConversationID string `json:"conversation_id"`
	// RecipientIDs creates a direct or group conversation when ConversationID is empty.
	RecipientIDs  []string          `json:"recipient_ids,omitempty"`
	Type          model.MessageType `json:"type"`
	Body          *string           `json:"body"`
	AttachmentIDs []string          `json:"attachment_ids,omitempty"`
	Metadata      model.Metadata    `json:"metadata"`
	ReplyToID     *string           `json:"reply_to_id,omitempty"`
}

// Send validates, authorizes and appends a message, then publishes it.
func (s *Service) Send(ctx context.Context, authorID string, in SendInput) (*model.Message, error) {
	m, err := s.build(authorID, in)
	if err != nil {
		return nil, err
	}
	if in.ConversationID == "" {
		return s.sendFirst(ctx, authorID, m, in)
	}
	conv, err := s.Get(ctx, in.ConversationID, authorID)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx, conv, m, in.AttachmentIDs); err != nil {
		return nil, err
	}
	if err := s.append(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// sendFirst addresses a message by recipients. A direct pair keeps one conversation;
// otherwise the conversation is stored only once the message has passed every check.
func (s *Service) sendFirst(ctx context.Context, authorID string, m *model.Message, in SendInput) (*model.Message, error) {
	if len(in.RecipientIDs) == 0 {
		return nil, model.NewValidationError("conversation_id", "required")
	}
	members := dedupe(authorID, in.RecipientIDs)
	conv, err := s.newConversation(authorID, CreateInput{IsGroup: len(members) > 2, ParticipantIDs: in.RecipientIDs})
	if err != nil {
		return nil, err
	}
	if conv.IsGroup {
		return s.sendNew(ctx, conv, m, in.AttachmentIDs)
	}
	// an existing direct conversation has the same two members, so the checks hold for it too
	if err := s.admit(ctx, conv, m, in.AttachmentIDs); err != nil {
		return nil, err
	}

	// lookup and creation of one pair are serialized so two first messages share a conversation
	created := false
	err = s.seq.Do(ctx, "direct:"+directKey(members[0], members[1]), func(ctx context.Context) error {
		existing, err := s.store.FindDirectConversation(ctx, members[0], members[1])
		switch {
		case err == nil:
			conv = existing
			return nil
		case !errors.Is(err, model.ErrNotFound):
			return err
		}
		if m.ReplyToID != nil {
			return model.NewValidationError("reply_to_id", "message not in this conversation")
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.ConversationID = conv.ID
	if !created {
		if err := s.append(ctx, m); err != nil {
			return nil, err
		}
		return m, nil
	}
	logger.Infof("conversation: created id=%s by=%s members=%d", conv.ID, authorID, len(conv.Participants))
	if err := s.appendOrDrop(ctx, conv, m); err != nil {
		return nil, err
	}
	return m, nil
}

// sendNew stores conv and its first message, checks run first.
func (s *Service) sendNew(ctx context.Context, conv *model.Conversation, m *model.Message, attachmentIDs []string) (*model.Message, error) {
	if err := s.admit(ctx, conv, m, attachmentIDs); err != nil {
		return nil, err
	}
	if m.ReplyToID != nil {
		return nil, model.NewValidationError("reply_to_id", "message not in this conversation")
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	logger.Infof("conversation: created id=%s by=%s members=%d", conv.ID, conv.CreatedBy, len(conv.Participants))
	if err := s.appendOrDrop(ctx, conv, m); err != nil {
		return nil, err
	}
	return m, nil
}

// appendOrDrop appends the first message of a just created conversation and removes
// the conversation again if the append fails.
func (s *Service) appendOrDrop(ctx context.Context, conv *model.Conversation, m *model.Message) error {
	err := s.append(ctx, m)
	if err == nil {
		return nil
	}
	if derr := s.store.DeleteConversation(context.WithoutCancel(ctx), conv.ID); derr != nil {
		logger.Errorf("conversation: drop empty conv=%s: %v", conv.ID, derr)
	}
	return err
}

// admit checks m against conv and resolves its attachments. Nothing is written.
func (s *Service) admit(ctx context.Context, conv *model.Conversation, m *model.Message, attachmentIDs []string) error {
	if !s.auth.CanPost(conv, *m.AuthorID) {
		return model.ErrForbidden
	}
	m.ConversationID = conv.ID
	if tr := m.Metadata.TipRequest; tr != nil && !conv.HasParticipant(tr.ResponderID) {
		return model.NewValidationError("metadata.tip_request.responder_id", "not a participant")
	}
	m.Attachments = nil
	if len(attachmentIDs) > 0 {
		atts, err := s.attachments.Resolve(ctx, attachmentIDs)
		if err != nil {
			return err
		}
		m.Attachments = atts
	}
	return nil
}

// AppendSystem posts an authorless system message.
func (s *Service) AppendSystem(ctx context.Context, conversationID, event, actorID string) (*model.Message, error) {
	m := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Type:           model.MessageTypeSystem,
		Metadata:       model.Metadata{System: &model.SystemMeta{Event: event, ActorID: actorID}},
	}
	if err := m.Metadata.Validate(m.Type); err != nil {
		return nil, err
	}
	if err := s.append(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) append(ctx context.Context, m *model.Message) error {
	err := s.seq.Do(ctx, m.ConversationID, func(ctx context.Context) error {
		m.CreatedAt = s.now().UTC()
		return s.store.AppendMessage(ctx, m)
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) || model.IsValidation(err) {
			return err
		}
		return fmt.Errorf("append message: %w", err)
	}
	metrics.MessagesAppended.WithLabelValues(string(m.Type)).Inc()
	s.pub.MessageSent(m)
	if s.observer != nil {
		s.observer.OnMessageSent(ctx, m)
	}
	return nil
}

// Delete soft-deletes a message. Deleting an already deleted message returns it unchanged.
func (s *Service) Delete(ctx context.Context, messageID, userID string) (*model.Message, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	conv, err := s.Get(ctx, m.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if !s.auth.CanDelete(conv, m, userID) {
		return nil, model.ErrForbidden
	}
	if m.IsDeleted() {
		m.Redact()
		return m, nil
	}
	deleted, err := s.store.SoftDeleteMessage(ctx, messageID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.pub.MessageDeleted(deleted)
	return deleted, nil
}

func (s *Service) build(authorID string, in SendInput) (*model.Message, error) {
	t := in.Type
	if t == "" {
		t = model.MessageTypeText
	}
	switch {
	case !t.Valid():
		return nil, model.NewValidationError("type", "unknown message type")
	case t == model.MessageTypeSystem:
		return nil, model.NewValidationError("type", "system messages are not posted by users")
	case t == model.MessageTypeTip:
		return nil, model.NewValidationError("type", "tips are created by accepting a tip request")
	}

	var body *string
	if in.Body != nil {
		b := strings.TrimSpace(*in.Body)
		if utf8.RuneCountInString(b) > MaxBodyRunes {
			return nil, model.NewValidationError("body", "too long")
		}
		if b != "" {
			body = &b
		}
	}
	if t == model.MessageTypeText && body == nil && len(in.AttachmentIDs) == 0 {
		return nil, model.NewValidationError("body", "required")
	}

	meta := in.Metadata
	if t == model.MessageTypeTipRequest && meta.TipRequest != nil {
		tr := *meta.TipRequest
		tr.RequesterID = authorID
		tr.Status = model.TipRequestPending
		tr.RespondedAt = nil
		tr.TipMessageID = nil
		tr.Currency = strings.ToUpper(strings.TrimSpace(tr.Currency))
		meta.TipRequest = &tr
	}
	if err := meta.Validate(t); err != nil {
		return nil, err
	}

	replyTo := in.ReplyToID
	if replyTo != nil && strings.TrimSpace(*replyTo) == "" {
		replyTo = nil
	}
	author := authorID
	return &model.Message{
		ID:        uuid.NewString(),
		AuthorID:  &author,
		Type:      t,
		Body:      body,
		Metadata:  meta,
		ReplyToID: replyTo,
	}, nil
}

func directKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// dedupe returns creatorID followed by the distinct non-empty ids.
func dedupe(creatorID string, ids []string) []string {
	seen := map[string]struct{}{creatorID: {}}
	out := []string{creatorID}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Package readstate keeps per-participant read cursors and the unread counts derived
// from them.
package readstate

import (
	"context"
	"fmt"
	"time"

	"github.com/messaging/internal/authz"
	"github.com/messaging/internal/logger"
	"github.com/messaging/internal/model"
	"github.com/messaging/internal/storage"
)

const DefaultActiveTTL = 2 * time.Minute

type Store interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	LatestMessage(ctx context.Context, conversationID string) (*model.Message, error)
	storage.ReadStateStore
}

// Notifier is told about every unread change (socket badge, push service).
type Notifier interface {
	UnreadChanged(ctx context.Context, userID, conversationID string, unread int)
}

type Tracker struct {
	store     Store
	active    storage.ActiveRegistry
	auth      authz.Authorizer
	notifiers []Notifier
	activeTTL time.Duration
}

func New(store Store, active storage.ActiveRegistry, auth authz.Authorizer, activeTTL time.Duration, notifiers ...Notifier) *Tracker {
	if activeTTL <= 0 {
		activeTTL = DefaultActiveTTL
	}
	return &Tracker{store: store, active: active, auth: auth, notifiers: notifiers, activeTTL: activeTTL}
}

// MarkRead moves the caller's cursor to messageID, or to the latest message when empty.
// The cursor never moves backwards; the returned participant carries the recomputed
// unread count.
func (t *Tracker) MarkRead(ctx context.Context, conversationID, userID, messageID string) (*model.Participant, error) {
	if _, err := t.viewable(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	var target *model.Message
	if messageID == "" {
		m, err := t.store.LatestMessage(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("readstate latest: %w", err)
		}
		target = m
	} else {
		m, err := t.store.GetMessage(ctx, messageID)
		if err != nil {
			return nil, err
		}
		if m.ConversationID != conversationID {
			return nil, model.NewValidationError("message_id", "message not in this conversation")
		}
		target = m
	}

	var (
		id  string
		seq int64
	)
	if target != nil {
		id, seq = target.ID, target.Sequence
	}
	p, err := t.store.AdvanceLastRead(ctx, conversationID, userID, id, seq)
	if err != nil {
		return nil, err
	}
	t.notify(ctx, userID, conversationID, p.UnreadCount)
	return p, nil
}

// OnMessageSent applies a new message to everyone else's read state. Participants who have
// the conversation open read it implicitly. Failures are logged; the message is already stored.
func (t *Tracker) OnMessageSent(ctx context.Context, m *model.Message) {
	conv, err := t.store.GetConversation(ctx, m.ConversationID)
	if err != nil {
		logger.Errorf("readstate: conversation %s: %v", m.ConversationID, err)
		return
	}
	others := make([]string, 0, len(conv.Participants))
	for _, p := range conv.Participants {
		if !m.AuthoredBy(p.UserID) {
			others = append(others, p.UserID)
		}
	}
	if len(others) == 0 {
		return
	}

	active, err := t.active.ActiveIn(ctx, m.ConversationID, others)
	if err != nil {
		logger.Errorf("readstate: active lookup conv=%s: %v", m.ConversationID, err)
	}
	for _, uid := range active {
		if _, err := t.store.AdvanceLastRead(ctx, m.ConversationID, uid, m.ID, m.Sequence); err != nil {
			logger.Errorf("readstate: implicit read conv=%s user=%s: %v", m.ConversationID, uid, err)
		}
	}

	counts, err := t.store.UnreadByParticipant(ctx, m.ConversationID)
	if err != nil {
		logger.Errorf("readstate: unread conv=%s: %v", m.ConversationID, err)
		return
	}
	for _, uid := range others {
		t.notify(ctx, uid, m.ConversationID, counts[uid])
	}
}

// SetActive records that the caller has the conversation open and reads it up to the latest
// message.
func (t *Tracker) SetActive(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	if _, err := t.viewable(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	if err := t.active.SetActive(ctx, userID, conversationID, t.activeTTL); err != nil {
		return nil, fmt.Errorf("readstate set active: %w", err)
	}
	return t.MarkRead(ctx, conversationID, userID, "")
}

func (t *Tracker) ClearActive(ctx context.Context, conversationID, userID string) error {
	if err := t.active.ClearActive(ctx, userID, conversationID); err != nil {
		return fmt.Errorf("readstate clear active: %w", err)
	}
	return nil
}

func (t *Tracker) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	if _, err := t.viewable(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	return t.store.UnreadCount(ctx, conversationID, userID)
}

// Totals returns unread per conversation plus the sum, for badge consumers.
func (t *Tracker) Totals(ctx context.Context, userID string) (map[string]int, int, error) {
	byConv, err := t.store.UnreadTotals(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	total := 0
	for _, n := range byConv {
		total += n
	}
	return byConv, total, nil
}

func (t *Tracker) viewable(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	conv, err := t.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := authz.View(t.auth, conv, userID); err != nil {
		return nil, err
	}
	return conv, nil
}

func (t *Tracker) notify(ctx context.Context, userID, conversationID string, unread int) {
	for _, n := range t.notifiers {
		n.UnreadChanged(ctx, userID, conversationID, unread)
	}
}

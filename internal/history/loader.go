// Package history serves backward pages of a conversation's messages.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/messaging/internal/authz"
	"github.com/messaging/internal/model"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

type Store interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]model.Message, error)
}

type Reactions interface {
	SummarizeMany(ctx context.Context, messageIDs []string, viewerID string) (map[string][]model.ReactionSummary, error)
}

// Page is ascending by sequence. OldestID is the cursor for the next (older) page.
type Page struct {
	Messages []model.Message `json:"messages"`
	HasMore  bool            `json:"has_more"`
	OldestID *string         `json:"oldest_id"`
}

type Loader struct {
	store        Store
	auth         authz.Authorizer
	reactions    Reactions
	defaultLimit int
	maxLimit     int
}

func New(store Store, auth authz.Authorizer, reactions Reactions, defaultLimit, maxLimit int) *Loader {
	if maxLimit <= 0 {
		maxLimit = MaxLimit
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = min(DefaultLimit, maxLimit)
	}
	return &Loader{store: store, auth: auth, reactions: reactions, defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// ListMessages returns the page ending just before the message before (or the latest page).
func (l *Loader) ListMessages(ctx context.Context, conversationID, viewerID, before string, limit int) (*Page, error) {
	conv, err := l.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := authz.View(l.auth, conv, viewerID); err != nil {
		return nil, err
	}
	return l.page(ctx, conversationID, viewerID, before, limit)
}

// Inspect is the moderation view: no participant check, deleted messages are still
// redacted.
func (l *Loader) Inspect(ctx context.Context, conversationID, before string, limit int) (*Page, error) {
	if _, err := l.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return l.page(ctx, conversationID, "", before, limit)
}

func (l *Loader) page(ctx context.Context, conversationID, viewerID, before string, limit int) (*Page, error) {
	switch {
	case limit <= 0:
		limit = l.defaultLimit
	case limit > l.maxLimit:
		limit = l.maxLimit
	}

	var beforeSeq int64
	if before != "" {
		cursor, err := l.store.GetMessage(ctx, before)
		switch {
		case errors.Is(err, model.ErrNotFound):
			return nil, model.NewValidationError("before", "unknown cursor")
		case err != nil:
			return nil, fmt.Errorf("history cursor: %w", err)
		case cursor.ConversationID != conversationID:
			return nil, model.NewValidationError("before", "unknown cursor")
		}
		beforeSeq = cursor.Sequence
		if beforeSeq <= 1 {
			return &Page{Messages: []model.Message{}}, nil
		}
	}

	// one extra row tells whether an older page exists
	msgs, err := l.store.ListMessages(ctx, conversationID, beforeSeq, limit+1)
	if err != nil {
		return nil, fmt.Errorf("history list: %w", err)
	}
	p := &Page{}
	if len(msgs) > limit {
		p.HasMore = true
		msgs = msgs[len(msgs)-limit:]
	}
	if len(msgs) == 0 {
		p.Messages = []model.Message{}
		return p, nil
	}

	ids := make([]string, len(msgs))
	for i := range msgs {
		msgs[i].Redact()
		ids[i] = msgs[i].ID
	}
	if l.reactions != nil {
		sums, err := l.reactions.SummarizeMany(ctx, ids, viewerID)
		if err != nil {
			return nil, err
		}
		for i := range msgs {
			msgs[i].Reactions = sums[msgs[i].ID]
		}
	}
	oldest := msgs[0].ID
	p.OldestID = &oldest
	p.Messages = msgs
	return p, nil
}

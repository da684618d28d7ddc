// Package reaction adds, removes and summarizes emoji reactions on messages.
package reaction

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/messaging/internal/authz"
	"github.com/messaging/internal/broadcast"
	"github.com/messaging/internal/keylock"
	"github.com/messaging/internal/model"
)

const (
	maxEmojiBytes   = 64
	maxVariantBytes = 32
)

type Store interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	AddReaction(ctx context.Context, r model.Reaction) (bool, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji, variant string) (bool, error)
	ListReactions(ctx context.Context, messageIDs []string) (map[string][]model.Reaction, error)
}

type Publisher interface {
	ReactionChanged(p broadcast.ReactionPayload)
}

// Result is the message's summary after the call, as seen by the caller.
type Result struct {
	MessageID string                  `json:"message_id"`
	Summary   []model.ReactionSummary `json:"reactions"`
	Changed   bool                    `json:"changed"`
}

type Aggregator struct {
	store Store
	auth  authz.Authorizer
	pub   Publisher
	locks *keylock.Mutex
	now   func() time.Time
}

func New(store Store, auth authz.Authorizer, pub Publisher) *Aggregator {
	return &Aggregator{store: store, auth: auth, pub: pub, locks: keylock.New(), now: time.Now}
}

// Add is idempotent: adding an existing reaction changes nothing and returns Changed=false.
func (a *Aggregator) Add(ctx context.Context, messageID, userID, emoji, variant string) (*Result, error) {
	return a.toggle(ctx, messageID, userID, emoji, variant, true)
}

// Remove is idempotent: removing an absent reaction succeeds with Changed=false.
func (a *Aggregator) Remove(ctx context.Context, messageID, userID, emoji, variant string) (*Result, error) {
	return a.toggle(ctx, messageID, userID, emoji, variant, false)
}

func (a *Aggregator) toggle(ctx context.Context, messageID, userID, emoji, variant string, add bool) (*Result, error) {
	if err := validate(emoji, variant); err != nil {
		return nil, err
	}
	msg, err := a.visibleMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if add && msg.IsDeleted() {
		return nil, model.NewValidationError("message_id", "message deleted")
	}

	// the last call to finish decides the bit for this (message, user, emoji, variant)
	unlock := a.locks.Lock(messageID + "\x00" + userID + "\x00" + emoji + "\x00" + variant)
	var changed bool
	if add {
		changed, err = a.store.AddReaction(ctx, model.Reaction{
			MessageID: messageID,
			UserID:    userID,
			Emoji:     emoji,
			Variant:   variant,
			CreatedAt: a.now().UTC(),
		})
	} else {
		changed, err = a.store.RemoveReaction(ctx, messageID, userID, emoji, variant)
	}
	unlock()
	if err != nil {
		return nil, fmt.Errorf("reaction toggle: %w", err)
	}

	if changed {
		a.pub.ReactionChanged(broadcast.ReactionPayload{
			MessageID:      messageID,
			ConversationID: msg.ConversationID,
			UserID:         userID,
			Emoji:          emoji,
			Variant:        variant,
			Added:          add,
		})
	}
	summary, err := a.summaryFor(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	return &Result{MessageID: messageID, Summary: summary, Changed: changed}, nil
}

// Summarize returns the grouped reactions of one message for viewerID.
func (a *Aggregator) Summarize(ctx context.Context, messageID, viewerID string) ([]model.ReactionSummary, error) {
	if _, err := a.visibleMessage(ctx, messageID, viewerID); err != nil {
		return nil, err
	}
	return a.summaryFor(ctx, messageID, viewerID)
}

// SummarizeMany loads a page worth of summaries in one store call. The caller has already
// checked visibility.
func (a *Aggregator) SummarizeMany(ctx context.Context, messageIDs []string, viewerID string) (map[string][]model.ReactionSummary, error) {
	byMsg, err := a.store.ListReactions(ctx, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("reaction summarize: %w", err)
	}
	out := make(map[string][]model.ReactionSummary, len(byMsg))
	for id, rs := range byMsg {
		out[id] = Summarize(rs, viewerID)
	}
	return out, nil
}

func (a *Aggregator) summaryFor(ctx context.Context, messageID, viewerID string) ([]model.ReactionSummary, error) {
	m, err := a.SummarizeMany(ctx, []string{messageID}, viewerID)
	if err != nil {
		return nil, err
	}
	if s := m[messageID]; s != nil {
		return s, nil
	}
	return []model.ReactionSummary{}, nil
}

func (a *Aggregator) visibleMessage(ctx context.Context, messageID, userID string) (*model.Message, error) {
	msg, err := a.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	conv, err := a.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := authz.View(a.auth, conv, userID); err != nil {
		return nil, err
	}
	return msg, nil
}

// Summarize groups reactions by (emoji, variant) in order of first use.
func Summarize(reactions []model.Reaction, viewerID string) []model.ReactionSummary {
	type key struct{ emoji, variant string }
	idx := make(map[key]int)
	out := make([]model.ReactionSummary, 0, len(reactions))
	for _, r := range reactions {
		k := key{r.Emoji, r.Variant}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, model.ReactionSummary{Emoji: r.Emoji, Variant: r.Variant})
		}
		out[i].Count++
		if r.UserID == viewerID {
			out[i].ViewerReacted = true
		}
	}
	return out
}

func validate(emoji, variant string) error {
	switch {
	case emoji == "":
		return model.NewValidationError("emoji", "required")
	case len(emoji) > maxEmojiBytes || !utf8.ValidString(emoji):
		return model.NewValidationError("emoji", "invalid")
	case len(variant) > maxVariantBytes || !utf8.ValidString(variant):
		return model.NewValidationError("variant", "invalid")
	}
	return nil
}

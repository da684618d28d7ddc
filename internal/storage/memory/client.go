// Package memory: хранилище в памяти процесса для режима -dev и тестов.
// Все операции атомарны под одним мьютексом, поэтому sequence выделяется без гонок.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/messaging/internal/model"
)

type reactionKey struct {
	userID  string
	emoji   string
	variant string
}

type Store struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	participants  map[string]map[string]*model.Participant
	messages      map[string]*model.Message
	// byConv[conv][seq-1]: sequence без пропусков, поэтому индекс однозначен.
	byConv    map[string][]*model.Message
	reactions map[string]map[reactionKey]model.Reaction
}

func New() *Store {
	return &Store{
		conversations: make(map[string]*model.Conversation),
		participants:  make(map[string]map[string]*model.Participant),
		messages:      make(map[string]*model.Message),
		byConv:        make(map[string][]*model.Message),
		reactions:     make(map[string]map[reactionKey]model.Reaction),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateConversation(ctx context.Context, c *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return fmt.Errorf("memory.CreateConversation: duplicate id %s", c.ID)
	}
	cp := *c
	cp.Participants = nil
	s.conversations[c.ID] = &cp
	members := make(map[string]*model.Participant, len(c.Participants))
	for _, p := range c.Participants {
		p := p
		p.ConversationID = c.ID
		members[p.UserID] = &p
	}
	s.participants[c.ID] = members
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationLocked(id)
}

func (s *Store) FindDirectConversation(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *model.Conversation
	for id, c := range s.conversations {
		members := s.participants[id]
		if c.IsGroup || len(members) != 2 || members[userA] == nil || members[userB] == nil {
			continue
		}
		if found == nil || c.CreatedAt.Before(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, model.ErrNotFound
	}
	return s.conversationLocked(found.ID)
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return model.ErrNotFound
	}
	if c.LastSequence > 0 {
		return model.ErrConflict
	}
	delete(s.conversations, id)
	delete(s.participants, id)
	delete(s.byConv, id)
	return nil
}

func (s *Store) conversationLocked(id string) (*model.Conversation, error) {
	c, ok := s.conversations[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *c
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		cp.LastMessageAt = &t
	}
	cp.Participants = make([]model.Participant, 0, len(s.participants[id]))
	for _, p := range s.participants[id] {
		pp := *p
		pp.UnreadCount = s.unreadLocked(id, p)
		cp.Participants = append(cp.Participants, pp)
	}
	sort.Slice(cp.Participants, func(i, j int) bool {
		a, b := cp.Participants[i], cp.Participants[j]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserID < b.UserID
	})
	return &cp, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]model.ConversationWithUnread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ConversationWithUnread, 0, 16)
	for id, members := range s.participants {
		p, ok := members[userID]
		if !ok {
			continue
		}
		c, err := s.conversationLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, model.ConversationWithUnread{Conversation: *c, UnreadCount: s.unreadLocked(id, p)})
	}
	sort.Slice(out, func(i, j int) bool {
		return activityTime(&out[i].Conversation).After(activityTime(&out[j].Conversation))
	})
	return out, nil
}

func activityTime(c *model.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (s *Store) AddParticipant(ctx context.Context, p model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.participants[p.ConversationID]
	if !ok {
		return model.ErrNotFound
	}
	if _, exists := members[p.UserID]; exists {
		return nil
	}
	members[p.UserID] = &p
	return nil
}

func (s *Store) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.participants[conversationID]
	if !ok {
		return model.ErrNotFound
	}
	delete(members, userID)
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(m)
}

func (s *Store) appendLocked(m *model.Message) error {
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return model.ErrNotFound
	}
	if _, dup := s.messages[m.ID]; dup {
		return fmt.Errorf("memory.AppendMessage: duplicate id %s", m.ID)
	}
	if m.ReplyToID != nil {
		target, ok := s.messages[*m.ReplyToID]
		if !ok || target.ConversationID != m.ConversationID {
			return model.NewValidationError("reply_to_id", "message not in this conversation")
		}
	}
	c.LastSequence++
	m.Sequence = c.LastSequence
	if c.LastMessageAt == nil || m.CreatedAt.After(*c.LastMessageAt) {
		at := m.CreatedAt
		c.LastMessageAt = &at
	}
	stored := cloneMessage(m)
	s.messages[m.ID] = stored
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], stored)
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneMessage(m), nil
}

func (s *Store) GetMessages(ctx context.Context, ids []string) (map[string]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*model.Message, len(ids))
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			out[id] = cloneMessage(m)
		}
	}
	return out, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byConv[conversationID]
	end := len(list)
	if beforeSeq > 0 && int(beforeSeq-1) < end {
		end = int(beforeSeq - 1)
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]model.Message, 0, end-start)
	for _, m := range list[start:end] {
		out = append(out, *cloneMessage(m))
	}
	return out, nil
}

func (s *Store) LatestMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byConv[conversationID]
	if len(list) == 0 {
		return nil, nil
	}
	return cloneMessage(list[len(list)-1]), nil
}

func (s *Store) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if m.DeletedAt == nil {
		t := at
		m.DeletedAt = &t
		m.Body = nil
		m.Attachments = nil
	}
	return cloneMessage(m), nil
}

func (s *Store) ResolveTipRequest(ctx context.Context, requestID string, status model.TipRequestStatus, at time.Time, tip *model.Message) (*model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[requestID]
	if !ok {
		return nil, false, model.ErrNotFound
	}
	if m.Type != model.MessageTypeTipRequest || m.Metadata.TipRequest == nil {
		return nil, false, model.NewValidationError("message_id", "not a tip request")
	}
	if m.Metadata.TipRequest.Status.Terminal() {
		return cloneMessage(m), false, nil
	}
	if tip != nil {
		if err := s.appendLocked(tip); err != nil {
			return nil, false, err
		}
	}
	state := *m.Metadata.TipRequest
	state.Status = status
	t := at
	state.RespondedAt = &t
	if tip != nil {
		id := tip.ID
		state.TipMessageID = &id
	}
	m.Metadata.TipRequest = &state
	return cloneMessage(m), true, nil
}

func (s *Store) AddReaction(ctx context.Context, r model.Reaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[r.MessageID]; !ok {
		return false, model.ErrNotFound
	}
	set, ok := s.reactions[r.MessageID]
	if !ok {
		set = make(map[reactionKey]model.Reaction)
		s.reactions[r.MessageID] = set
	}
	k := reactionKey{userID: r.UserID, emoji: r.Emoji, variant: r.Variant}
	if _, exists := set[k]; exists {
		return false, nil
	}
	set[k] = r
	return true, nil
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji, variant string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.reactions[messageID]
	if !ok {
		return false, nil
	}
	k := reactionKey{userID: userID, emoji: emoji, variant: variant}
	if _, exists := set[k]; !exists {
		return false, nil
	}
	delete(set, k)
	return true, nil
}

func (s *Store) ListReactions(ctx context.Context, messageIDs []string) (map[string][]model.Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]model.Reaction, len(messageIDs))
	for _, id := range messageIDs {
		set := s.reactions[id]
		if len(set) == 0 {
			continue
		}
		list := make([]model.Reaction, 0, len(set))
		for _, r := range set {
			list = append(list, r)
		}
		sort.Slice(list, func(i, j int) bool {
			if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
				return list[i].CreatedAt.Before(list[j].CreatedAt)
			}
			return list[i].UserID < list[j].UserID
		})
		out[id] = list
	}
	return out, nil
}

func (s *Store) AdvanceLastRead(ctx context.Context, conversationID, userID, messageID string, sequence int64) (*model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[conversationID][userID]
	if !ok {
		return nil, model.ErrNotFound
	}
	if sequence > p.LastReadSequence {
		id := messageID
		p.LastReadMessageID = &id
		p.LastReadSequence = sequence
	}
	out := *p
	out.UnreadCount = s.unreadLocked(conversationID, p)
	return &out, nil
}

func (s *Store) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[conversationID][userID]
	if !ok {
		return 0, model.ErrNotFound
	}
	return s.unreadLocked(conversationID, p), nil
}

func (s *Store) UnreadByParticipant(ctx context.Context, conversationID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.participants[conversationID]
	if !ok {
		return nil, model.ErrNotFound
	}
	out := make(map[string]int, len(members))
	for uid, p := range members {
		out[uid] = s.unreadLocked(conversationID, p)
	}
	return out, nil
}

func (s *Store) UnreadTotals(ctx context.Context, userID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for convID, members := range s.participants {
		if p, ok := members[userID]; ok {
			out[convID] = s.unreadLocked(convID, p)
		}
	}
	return out, nil
}

func (s *Store) unreadLocked(conversationID string, p *model.Participant) int {
	list := s.byConv[conversationID]
	n := 0
	for i := int(p.LastReadSequence); i < len(list); i++ {
		m := list[i]
		if m.DeletedAt != nil || m.AuthoredBy(p.UserID) {
			continue
		}
		n++
	}
	return n
}

func cloneMessage(m *model.Message) *model.Message {
	cp := *m
	if m.AuthorID != nil {
		v := *m.AuthorID
		cp.AuthorID = &v
	}
	if m.Body != nil {
		v := *m.Body
		cp.Body = &v
	}
	if m.ReplyToID != nil {
		v := *m.ReplyToID
		cp.ReplyToID = &v
	}
	if m.DeletedAt != nil {
		v := *m.DeletedAt
		cp.DeletedAt = &v
	}
	if m.Attachments != nil {
		cp.Attachments = append([]model.Attachment(nil), m.Attachments...)
	}
	cp.Reactions = nil
	cp.Metadata = cloneMetadata(m.Metadata)
	return &cp
}

func cloneMetadata(md model.Metadata) model.Metadata {
	var out model.Metadata
	if md.Tip != nil {
		v := *md.Tip
		out.Tip = &v
	}
	if md.System != nil {
		v := *md.System
		out.System = &v
	}
	if md.TipRequest != nil {
		v := *md.TipRequest
		if v.RespondedAt != nil {
			t := *v.RespondedAt
			v.RespondedAt = &t
		}
		if v.TipMessageID != nil {
			id := *v.TipMessageID
			v.TipMessageID = &id
		}
		out.TipRequest = &v
	}
	return out
}

package memory

import (
	"context"
	"sync"
	"time"
)

type activeItem struct {
	conversationID string
	exp            time.Time
}

// ActiveRegistry хранит открытую беседу пользователя с TTL (как redis SET EX).
type ActiveRegistry struct {
	mu    sync.RWMutex
	items map[string]activeItem
	now   func() time.Time
}

func NewActiveRegistry() *ActiveRegistry {
	return &ActiveRegistry{items: make(map[string]activeItem), now: time.Now}
}

func (a *ActiveRegistry) SetActive(ctx context.Context, userID, conversationID string, ttl time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items[userID] = activeItem{conversationID: conversationID, exp: a.now().Add(ttl)}
	return nil
}

// ClearActive снимает отметку только если открыта именно conversationID.
func (a *ActiveRegistry) ClearActive(ctx context.Context, userID, conversationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if it, ok := a.items[userID]; ok && it.conversationID == conversationID {
		delete(a.items, userID)
	}
	return nil
}

func (a *ActiveRegistry) ActiveIn(ctx context.Context, conversationID string, userIDs []string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	now := a.now()
	out := make([]string, 0, len(userIDs))
	for _, uid := range userIDs {
		if it, ok := a.items[uid]; ok && it.conversationID == conversationID && now.Before(it.exp) {
			out = append(out, uid)
		}
	}
	return out, nil
}

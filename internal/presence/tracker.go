// Package presence tracks who is currently viewing each conversation.
//
// State lives only in memory; nothing is persisted. A member is evicted when no heartbeat
// arrives within the timeout, and other members are told with a leaving event.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/messaging/internal/logger"
	"github.com/messaging/internal/metrics"
	"github.com/messaging/internal/model"
)

const (
	DefaultHeartbeat = 25 * time.Second
	DefaultTimeout   = 60 * time.Second
)

// Notifier receives joining (joined=true) and leaving deltas.
type Notifier interface {
	PresenceChanged(conversationID string, joined bool, m model.PresenceMember)
}

type entry struct {
	member   model.PresenceMember
	conns    int
	lastSeen time.Time
}

type Tracker struct {
	mu       sync.Mutex
	channels map[string]map[string]*entry
	notify   Notifier
	timeout  time.Duration
	now      func() time.Time
}

type Option func(*Tracker)

func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(n Notifier, opts ...Option) *Tracker {
	t := &Tracker{
		channels: make(map[string]map[string]*entry),
		notify:   n,
		timeout:  DefaultTimeout,
		now:      time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Join registers one connection of m in the channel and returns the members present
// afterwards (m included). Only the first connection of a user announces joining.
func (t *Tracker) Join(conversationID string, m model.PresenceMember) []model.PresenceMember {
	t.mu.Lock()
	ch := t.channels[conversationID]
	if ch == nil {
		ch = make(map[string]*entry)
		t.channels[conversationID] = ch
	}
	e, ok := ch[m.UserID]
	if !ok {
		e = &entry{member: m}
		ch[m.UserID] = e
		metrics.PresenceMembers.Inc()
	}
	e.conns++
	e.lastSeen = t.now()
	here := snapshot(ch)
	t.mu.Unlock()

	if !ok {
		t.emit(conversationID, true, m)
	}
	return here
}

// Leave drops one connection. The member leaves when the last connection goes.
func (t *Tracker) Leave(conversationID, userID string) {
	t.mu.Lock()
	ch := t.channels[conversationID]
	e := ch[userID]
	if e == nil {
		t.mu.Unlock()
		return
	}
	e.conns--
	if e.conns > 0 {
		t.mu.Unlock()
		return
	}
	t.removeLocked(conversationID, userID)
	t.mu.Unlock()
	t.emit(conversationID, false, e.member)
}

// Heartbeat refreshes m, joining it first if absent. joined reports whether it was absent.
func (t *Tracker) Heartbeat(conversationID string, m model.PresenceMember) (joined bool) {
	t.mu.Lock()
	if e := t.channels[conversationID][m.UserID]; e != nil {
		e.lastSeen = t.now()
		if e.conns == 0 {
			e.conns = 1
		}
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()
	t.Join(conversationID, m)
	return true
}

func (t *Tracker) IsPresent(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.channels[conversationID][userID]
	return ok
}

func (t *Tracker) Members(conversationID string) []model.PresenceMember {
	t.mu.Lock()
	defer t.mu.Unlock()
	return snapshot(t.channels[conversationID])
}

// Sweep evicts members whose last heartbeat is older than the timeout and returns how
// many were removed.
func (t *Tracker) Sweep() int {
	type gone struct {
		conv   string
		member model.PresenceMember
	}
	var evicted []gone
	t.mu.Lock()
	cutoff := t.now().Add(-t.timeout)
	for conv, ch := range t.channels {
		for uid, e := range ch {
			if e.lastSeen.Before(cutoff) {
				evicted = append(evicted, gone{conv: conv, member: e.member})
				t.removeLocked(conv, uid)
			}
		}
	}
	t.mu.Unlock()

	for _, g := range evicted {
		logger.Debugf("presence: evicted user=%s conv=%s", g.member.UserID, g.conv)
		t.emit(g.conv, false, g.member)
	}
	return len(evicted)
}

// Run sweeps on every tick until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = t.timeout / 4
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func (t *Tracker) removeLocked(conversationID, userID string) {
	ch := t.channels[conversationID]
	delete(ch, userID)
	metrics.PresenceMembers.Dec()
	if len(ch) == 0 {
		delete(t.channels, conversationID)
	}
}

func (t *Tracker) emit(conversationID string, joined bool, m model.PresenceMember) {
	if t.notify != nil {
		t.notify.PresenceChanged(conversationID, joined, m)
	}
}

func snapshot(ch map[string]*entry) []model.PresenceMember {
	out := make([]model.PresenceMember, 0, len(ch))
	for _, e := range ch {
		out = append(out, e.member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

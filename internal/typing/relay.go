// Package typing forwards "user is typing" whispers. Nothing is stored and nothing expires
// here; receivers drop the indicator on their own after a short idle period.
package typing

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/messaging/internal/metrics"
	"github.com/messaging/internal/model"
)

// ReceiverExpiry is how long clients keep showing the indicator after the last signal.
const ReceiverExpiry = 2800 * time.Millisecond

type Presence interface {
	IsPresent(conversationID, userID string) bool
}

type Publisher interface {
	Typing(conversationID, userID, name string)
}

type Relay struct {
	presence  Presence
	publisher Publisher

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// New builds a relay that lets each user emit at most rps signals per second (burst allowed).
func New(p Presence, pub Publisher, rps float64, burst int) *Relay {
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 3
	}
	return &Relay{
		presence:  p,
		publisher: pub,
		limiters:  make(map[string]*rate.Limiter),
		rps:       rate.Limit(rps),
		burst:     burst,
	}
}

func (r *Relay) limiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.rps, r.burst)
		r.limiters[key] = l
	}
	return l
}

// Signal forwards a typing whisper to the other members of the channel. The sender must
// hold the channel. Throttled signals are dropped silently and reported as not sent.
func (r *Relay) Signal(ctx context.Context, conversationID, userID, name string) (sent bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if conversationID == "" {
		return false, model.NewValidationError("conversation_id", "required")
	}
	if !r.presence.IsPresent(conversationID, userID) {
		return false, model.ErrNotFound
	}
	if !r.limiter(conversationID + "/" + userID).Allow() {
		metrics.TypingThrottled.Inc()
		return false, nil
	}
	r.publisher.Typing(conversationID, userID, name)
	return true, nil
}

// Forget drops the limiter for a user leaving a channel.
func (r *Relay) Forget(conversationID, userID string) {
	r.mu.Lock()
	delete(r.limiters, conversationID+"/"+userID)
	r.mu.Unlock()
}

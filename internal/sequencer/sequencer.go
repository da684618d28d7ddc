// Package sequencer serializes per-conversation sequence allocation.
//
// The store allocates last_sequence+1 atomically; the sequencer sits in front of it so
// that appends to the same conversation never race inside one process, and retries the
// rare ErrConflict raised by the unique (conversation_id, sequence) backstop when another
// instance won the row.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/messaging/internal/keylock"
	"github.com/messaging/internal/logger"
	"github.com/messaging/internal/model"
)

const (
	defaultMaxAttempts = 5
	baseBackoff        = 5 * time.Millisecond
)

type Sequencer struct {
	locks       *keylock.Mutex
	maxAttempts int
	onConflict  func()
}

type Option func(*Sequencer)

// WithMaxAttempts caps how many times a conflicting append is retried.
func WithMaxAttempts(n int) Option {
	return func(s *Sequencer) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithConflictHook is called on every retried conflict (metrics).
func WithConflictHook(fn func()) Option {
	return func(s *Sequencer) { s.onConflict = fn }
}

func New(opts ...Option) *Sequencer {
	s := &Sequencer{locks: keylock.New(), maxAttempts: defaultMaxAttempts}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Do runs fn while holding the conversation lock. fn is retried while it returns
// model.ErrConflict; any other error is returned as is.
func (s *Sequencer) Do(ctx context.Context, conversationID string, fn func(ctx context.Context) error) error {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = fn(ctx)
		if !errors.Is(err, model.ErrConflict) {
			return err
		}
		if s.onConflict != nil {
			s.onConflict()
		}
		logger.Warnf("sequencer: conflict conv=%s attempt=%d", conversationID, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseBackoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("sequencer: %d attempts: %w", s.maxAttempts, err)
}

package typing

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messaging/internal/model"
)

type presentSet map[string]bool

func (p presentSet) IsPresent(conv, user string) bool { return p[conv+"/"+user] }

type sink struct {
	mu    sync.Mutex
	calls []string
}

func (s *sink) Typing(conv, user, name string) {
	s.mu.Lock()
	s.calls = append(s.calls, conv+"/"+user+"/"+name)
	s.mu.Unlock()
}

func TestSignalForwardsForPresentMember(t *testing.T) {
	out := &sink{}
	r := New(presentSet{"c1/a": true}, out, 10, 5)

	sent, err := r.Signal(context.Background(), "c1", "a", "Alice")
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, []string{"c1/a/Alice"}, out.calls)
}

func TestSignalRequiresPresence(t *testing.T) {
	r := New(presentSet{}, &sink{}, 10, 5)
	_, err := r.Signal(context.Background(), "c1", "a", "Alice")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = r.Signal(context.Background(), "", "a", "Alice")
	assert.True(t, model.IsValidation(err))
}

func TestSignalIsThrottledPerUser(t *testing.T) {
	out := &sink{}
	r := New(presentSet{"c1/a": true, "c1/b": true}, out, 0.001, 2)

	for i := 0; i < 5; i++ {
		_, err := r.Signal(context.Background(), "c1", "a", "Alice")
		require.NoError(t, err)
	}
	sent, err := r.Signal(context.Background(), "c1", "b", "Bob")
	require.NoError(t, err)
	assert.True(t, sent)

	assert.Len(t, out.calls, 3)

	r.Forget("c1", "a")
	sent, _ = r.Signal(context.Background(), "c1", "a", "Alice")
	assert.True(t, sent)
}

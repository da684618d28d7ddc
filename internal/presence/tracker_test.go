package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messaging/internal/model"
)

type delta struct {
	conv   string
	joined bool
	user   string
}

type recorder struct {
	mu     sync.Mutex
	deltas []delta
}

func (r *recorder) PresenceChanged(conv string, joined bool, m model.PresenceMember) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, delta{conv: conv, joined: joined, user: m.UserID})
}

func (r *recorder) all() []delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delta(nil), r.deltas...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func member(id string) model.PresenceMember {
	return model.PresenceMember{UserID: id, Name: "user " + id}
}

func TestJoinReturnsHereAndAnnouncesOnce(t *testing.T) {
	rec := &recorder{}
	tr := New(rec)

	here := tr.Join("c1", member("a"))
	require.Len(t, here, 1)

	here = tr.Join("c1", member("b"))
	require.Len(t, here, 2)
	assert.Equal(t, "a", here[0].UserID)
	assert.Equal(t, "b", here[1].UserID)

	// second tab of the same user
	tr.Join("c1", member("b"))

	assert.Equal(t, []delta{{"c1", true, "a"}, {"c1", true, "b"}}, rec.all())
}

func TestLeaveWaitsForLastConnection(t *testing.T) {
	rec := &recorder{}
	tr := New(rec)
	tr.Join("c1", member("a"))
	tr.Join("c1", member("a"))

	tr.Leave("c1", "a")
	assert.True(t, tr.IsPresent("c1", "a"))

	tr.Leave("c1", "a")
	assert.False(t, tr.IsPresent("c1", "a"))
	assert.Empty(t, tr.Members("c1"))
	assert.Equal(t, []delta{{"c1", true, "a"}, {"c1", false, "a"}}, rec.all())

	// unknown member is a no-op
	tr.Leave("c1", "zz")
	assert.Len(t, rec.all(), 2)
}

func TestSweepEvictsAfterTimeout(t *testing.T) {
	rec := &recorder{}
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	tr := New(rec, WithTimeout(60*time.Second), WithClock(clk.now))

	tr.Join("c1", member("a"))
	tr.Join("c1", member("b"))

	clk.advance(DefaultHeartbeat)
	assert.False(t, tr.Heartbeat("c1", member("b")))

	clk.advance(40 * time.Second)
	assert.Equal(t, 1, tr.Sweep())
	assert.False(t, tr.IsPresent("c1", "a"))
	assert.True(t, tr.IsPresent("c1", "b"))

	last := rec.all()[len(rec.all())-1]
	assert.Equal(t, delta{"c1", false, "a"}, last)
}

func TestHeartbeatJoinsWhenAbsent(t *testing.T) {
	rec := &recorder{}
	tr := New(rec)

	assert.True(t, tr.Heartbeat("c1", member("a")))
	assert.False(t, tr.Heartbeat("c1", member("a")))
	assert.Equal(t, []delta{{"c1", true, "a"}}, rec.all())
}

func TestChannelsAreIsolated(t *testing.T) {
	tr := New(nil)
	tr.Join("c1", member("a"))
	tr.Join("c2", member("b"))

	assert.True(t, tr.IsPresent("c1", "a"))
	assert.False(t, tr.IsPresent("c2", "a"))
	assert.Len(t, tr.Members("c2"), 1)
}

package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messaging/internal/model"
)

type collect struct {
	mu  sync.Mutex
	evs []Event
}

func (c *collect) Deliver(ev Event) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func (c *collect) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.evs)
}

func (c *collect) at(i int) Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evs[i]
}

type failingBus struct{ calls atomic.Int32 }

func (b *failingBus) Publish(ctx context.Context, ev Event) error {
	b.calls.Add(1)
	return errors.New("redis down")
}

func (b *failingBus) Close() error { return nil }

func TestGatewayDeliversMessageSent(t *testing.T) {
	bus := NewMemoryBus()
	sink := &collect{}
	bus.Attach(sink)
	gw := NewGateway(bus)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { gw.Run(ctx); close(done) }()

	body := "hello"
	gw.MessageSent(&model.Message{ID: "m1", ConversationID: "c1", Sequence: 7, Body: &body})
	require.Eventually(t, func() bool { return sink.len() == 1 }, time.Second, 5*time.Millisecond)

	ev := sink.at(0)
	assert.Equal(t, EventMessageSent, ev.Type)
	assert.Equal(t, "c1", ev.ConversationID)
	assert.NotEmpty(t, ev.ID)
	var p MessageSentPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, int64(7), p.Message.Sequence)

	cancel()
	<-done
}

func TestGatewayScopesWhispersAndBadges(t *testing.T) {
	bus := NewMemoryBus()
	sink := &collect{}
	bus.Attach(sink)
	gw := NewGateway(bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)

	gw.Typing("c1", "alice", "Alice")
	gw.UnreadChanged(ctx, "bob", "c1", 4)
	at := time.Now()
	gw.MessageDeleted(&model.Message{ID: "m1", ConversationID: "c1", DeletedAt: &at})
	gw.MessageDeleted(&model.Message{ID: "m2", ConversationID: "c1"}) // not deleted, ignored
	require.Eventually(t, func() bool { return sink.len() == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, "alice", sink.at(0).ExcludeUserID)
	assert.Equal(t, "bob", sink.at(1).TargetUserID)
	assert.Equal(t, EventMessageDeleted, sink.at(2).Type)
}

func TestGatewayFailureDoesNotBlock(t *testing.T) {
	bus := &failingBus{}
	var failed atomic.Int32
	gw := NewGateway(bus, WithQueueSize(1), WithFailureHook(func(EventType) { failed.Add(1) }))

	// no worker running: the second publish overflows the queue instead of blocking
	gw.Publish(Event{Type: EventTyping, ConversationID: "c1"})
	gw.Publish(Event{Type: EventTyping, ConversationID: "c1"})
	assert.Equal(t, int32(1), failed.Load())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)
	require.Eventually(t, func() bool { return failed.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(publishAttempts), bus.calls.Load())
}

func TestMemoryBusWithoutSink(t *testing.T) {
	bus := NewMemoryBus()
	assert.NoError(t, bus.Publish(context.Background(), Event{Type: EventTyping}))
}

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/messaging/internal/logger"
)

// Sink receives events for local delivery (the WebSocket hub).
type Sink interface {
	Deliver(ev Event)
}

// Bus is any transport able to carry events to every gateway instance.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type sinkHolder struct {
	v atomic.Pointer[Sink]
}

func (h *sinkHolder) set(s Sink) { h.v.Store(&s) }

func (h *sinkHolder) deliver(ev Event) {
	if p := h.v.Load(); p != nil {
		(*p).Deliver(ev)
	}
}

// MemoryBus delivers in-process. Single instance deployments and tests.
type MemoryBus struct {
	sink sinkHolder
}

func NewMemoryBus() *MemoryBus { return &MemoryBus{} }

// Attach sets the local sink. Events published before Attach are dropped.
func (b *MemoryBus) Attach(s Sink) { b.sink.set(s) }

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.sink.deliver(ev)
	return nil
}

func (b *MemoryBus) Close() error { return nil }

const redisChannelPrefix = "conv:"

// RedisBus relays events between instances over Redis pub/sub. Every instance
// subscribes to conv:* and hands what it receives to its own hub.
type RedisBus struct {
	cli  *redis.Client
	sink sinkHolder
}

func NewRedisBus(cli *redis.Client) *RedisBus { return &RedisBus{cli: cli} }

func (b *RedisBus) Attach(s Sink) { b.sink.set(s) }

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis bus marshal: %w", err)
	}
	channel := redisChannelPrefix + ev.ConversationID
	if ev.TargetUserID != "" {
		channel = redisChannelPrefix + "user:" + ev.TargetUserID
	}
	if err := b.cli.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Run consumes the pattern subscription until ctx is cancelled.
func (b *RedisBus) Run(ctx context.Context) {
	sub := b.cli.PSubscribe(ctx, redisChannelPrefix+"*")
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !strings.HasPrefix(msg.Channel, redisChannelPrefix) {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Errorf("redis bus decode channel=%s: %v", msg.Channel, err)
				continue
			}
			b.sink.deliver(ev)
		}
	}
}

func (b *RedisBus) Close() error { return nil }

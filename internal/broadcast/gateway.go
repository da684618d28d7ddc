package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/messaging/internal/logger"
	"github.com/messaging/internal/model"
)

const (
	defaultQueueSize = 4096
	publishTimeout   = 3 * time.Second
	publishAttempts  = 3
)

// Gateway queues events and publishes them on its own goroutine, so a slow or broken
// transport never blocks or fails the write that produced the event.
type Gateway struct {
	bus       Bus
	queue     chan Event
	onFailure func(EventType)
}

type GatewayOption func(*Gateway)

// WithQueueSize sets the publish buffer; events beyond it are dropped and logged.
func WithQueueSize(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.queue = make(chan Event, n)
		}
	}
}

// WithFailureHook is called for every event that could not be published.
func WithFailureHook(fn func(EventType)) GatewayOption {
	return func(g *Gateway) { g.onFailure = fn }
}

func NewGateway(bus Bus, opts ...GatewayOption) *Gateway {
	g := &Gateway{bus: bus, queue: make(chan Event, defaultQueueSize)}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Run drains the queue until ctx is cancelled. Whatever is still queued is flushed
// with a short deadline before returning.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			g.flush()
			return
		case ev := <-g.queue:
			g.publish(ctx, ev)
		}
	}
}

func (g *Gateway) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case ev := <-g.queue:
			g.publish(ctx, ev)
		default:
			return
		}
	}
}

func (g *Gateway) publish(ctx context.Context, ev Event) {
	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err = g.bus.Publish(pctx, ev)
		cancel()
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(time.Duration(attempt) * 20 * time.Millisecond)
	}
	g.fail(ev.Type, fmt.Errorf("%w: publish %s conv=%s: %v", model.ErrTransport, ev.Type, ev.ConversationID, err))
}

func (g *Gateway) fail(t EventType, err error) {
	logger.Errorf("broadcast: %v", err)
	if g.onFailure != nil {
		g.onFailure(t)
	}
}

// Publish enqueues ev without blocking.
func (g *Gateway) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	select {
	case g.queue <- ev:
	default:
		g.fail(ev.Type, fmt.Errorf("%w: queue full, dropped %s conv=%s", model.ErrTransport, ev.Type, ev.ConversationID))
	}
}

func (g *Gateway) emit(t EventType, conversationID string, payload any, mod func(*Event)) {
	data, err := json.Marshal(payload)
	if err != nil {
		g.fail(t, errors.Join(model.ErrTransport, err))
		return
	}
	ev := Event{Type: t, ConversationID: conversationID, Payload: data}
	if mod != nil {
		mod(&ev)
	}
	g.Publish(ev)
}

func (g *Gateway) MessageSent(m *model.Message) {
	g.emit(EventMessageSent, m.ConversationID, MessageSentPayload{Message: m}, nil)
}

func (g *Gateway) MessageDeleted(m *model.Message) {
	if m.DeletedAt == nil {
		return
	}
	g.emit(EventMessageDeleted, m.ConversationID, MessageDeletedPayload{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		DeletedAt:      *m.DeletedAt,
	}, nil)
}

func (g *Gateway) ReactionChanged(p ReactionPayload) {
	g.emit(EventReactionUpdated, p.ConversationID, p, nil)
}

func (g *Gateway) TipRequestUpdated(req, tip *model.Message) {
	g.emit(EventTipRequestUpdated, req.ConversationID, TipRequestPayload{Request: req, Tip: tip}, nil)
}

// PresenceChanged publishes joining/leaving to the other channel members.
func (g *Gateway) PresenceChanged(conversationID string, joined bool, m model.PresenceMember) {
	t := EventPresenceLeaving
	if joined {
		t = EventPresenceJoining
	}
	g.emit(t, conversationID, PresencePayload{ConversationID: conversationID, Member: m}, func(ev *Event) {
		ev.ExcludeUserID = m.UserID
	})
}

// Typing forwards a whisper to everyone in the channel except the typist.
func (g *Gateway) Typing(conversationID, userID, name string) {
	g.emit(EventTyping, conversationID, TypingPayload{ConversationID: conversationID, UserID: userID, Name: name}, func(ev *Event) {
		ev.ExcludeUserID = userID
	})
}

// UnreadChanged goes to one user's sockets only.
func (g *Gateway) UnreadChanged(ctx context.Context, userID, conversationID string, unread int) {
	g.emit(EventUnreadUpdated, conversationID, UnreadPayload{ConversationID: conversationID, UnreadCount: unread}, func(ev *Event) {
		ev.TargetUserID = userID
	})
}

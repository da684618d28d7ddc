package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/messaging/internal/broadcast"
	"github.com/messaging/internal/logger"
	"github.com/messaging/internal/metrics"
	"github.com/messaging/internal/model"
)

// Conversations checks the caller may see a conversation (conversation.Service).
type Conversations interface {
	Get(ctx context.Context, conversationID, userID string) (*model.Conversation, error)
}

type Presence interface {
	Join(conversationID string, m model.PresenceMember) []model.PresenceMember
	Leave(conversationID, userID string)
	Heartbeat(conversationID string, m model.PresenceMember) bool
}

type Typing interface {
	Signal(ctx context.Context, conversationID, userID, name string) (bool, error)
	Forget(conversationID, userID string)
}

type ReadState interface {
	SetActive(ctx context.Context, conversationID, userID string) (*model.Participant, error)
	ClearActive(ctx context.Context, conversationID, userID string) error
}

type Deps struct {
	Conversations Conversations
	Presence      Presence
	Typing        Typing
	ReadState     ReadState
}

// Limits are per-connection socket settings.
type Limits struct {
	MaxConns       int
	SendBuffer     int
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxConns <= 0 {
		l.MaxConns = 10000
	}
	if l.SendBuffer <= 0 {
		l.SendBuffer = sendBufSize
	}
	if l.MaxMessageSize <= 0 {
		l.MaxMessageSize = maxMessageSize
	}
	if l.WriteWait <= 0 {
		l.WriteWait = writeWait
	}
	if l.PongWait <= 0 {
		l.PongWait = pongWait
	}
	return l
}

// Hub tracks this instance's sockets and their conversation subscriptions, and delivers
// bus events to them.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{}
	subs       map[string]map[*Client]struct{}
	total      int
	limits     Limits
	deps       Deps
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

var _ broadcast.Sink = (*Hub)(nil)

func NewHub(deps Deps, limits Limits) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		subs:       make(map[string]map[*Client]struct{}),
		limits:     limits.withDefaults(),
		deps:       deps,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.subs = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()
	metrics.WSConnections.Set(0)

	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.limits.MaxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.limits.MaxConns, c.id.UserID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.id.UserID]; !ok {
		h.clients[c.id.UserID] = make(map[*Client]struct{})
	}
	h.clients[c.id.UserID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
	metrics.WSConnections.Inc()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	registered := false
	lastClient := false
	if clients, ok := h.clients[c.id.UserID]; ok {
		if _, registered = clients[c]; registered {
			delete(clients, c)
			h.total--
			if len(clients) == 0 {
				delete(h.clients, c.id.UserID)
				lastClient = true
			}
		}
	}
	subscribed := make([]string, 0, len(c.subs))
	for conv := range c.subs {
		subscribed = append(subscribed, conv)
		h.unsubscribeLocked(c, conv)
	}
	active := c.active
	c.active = ""
	h.mu.Unlock()
	if registered {
		metrics.WSConnections.Dec()
	}

	// Network I/O outside the lock.
	c.Close()

	for _, conv := range subscribed {
		h.deps.Presence.Leave(conv, c.id.UserID)
		h.deps.Typing.Forget(conv, c.id.UserID)
	}
	if lastClient && active != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.deps.ReadState.ClearActive(ctx, active, c.id.UserID); err != nil {
			logger.Errorf("ws clear active user=%s conv=%s: %v", c.id.UserID, active, err)
		}
	}
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.ConversationID == "" {
		h.sendError(c, "", "conversation_id required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch msg.Type {
	case EventSubscribe:
		h.handleSubscribe(ctx, c, msg.ConversationID)
	case EventUnsubscribe:
		h.handleUnsubscribe(c, msg.ConversationID)
	case EventHeartbeat:
		if role, ok := h.subscription(c, msg.ConversationID); ok {
			h.deps.Presence.Heartbeat(msg.ConversationID, c.member(role))
		}
	case EventTyping:
		if _, err := h.deps.Typing.Signal(ctx, msg.ConversationID, c.id.UserID, c.id.Name); err != nil {
			h.sendError(c, msg.ConversationID, errorText(err))
		}
	case EventActive:
		h.handleActive(ctx, c, msg.ConversationID)
	case EventInactive:
		h.mu.Lock()
		if c.active == msg.ConversationID {
			c.active = ""
		}
		h.mu.Unlock()
		if err := h.deps.ReadState.ClearActive(ctx, msg.ConversationID, c.id.UserID); err != nil {
			logger.Errorf("ws clear active user=%s: %v", c.id.UserID, err)
		}
	default:
		h.sendError(c, msg.ConversationID, "unknown event type")
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, c *Client, conv string) {
	defer logger.DeferLogDuration("ws.handleSubscribe", time.Now())()
	cv, err := h.deps.Conversations.Get(ctx, conv, c.id.UserID)
	if err != nil {
		h.sendError(c, conv, errorText(err))
		return
	}
	var role model.ParticipantRole
	if p := cv.Participant(c.id.UserID); p != nil {
		role = p.Role
	}
	h.mu.Lock()
	if _, already := c.subs[conv]; already {
		h.mu.Unlock()
		h.sendToClient(c, OutgoingMessage{Type: EventSubscribed, Payload: HerePayload{ConversationID: conv}})
		return
	}
	c.subs[conv] = role
	if h.subs[conv] == nil {
		h.subs[conv] = make(map[*Client]struct{})
	}
	h.subs[conv][c] = struct{}{}
	h.mu.Unlock()

	here := h.deps.Presence.Join(conv, c.member(role))
	h.sendToClient(c, OutgoingMessage{Type: EventPresenceHere, Payload: HerePayload{ConversationID: conv, Members: here}})
}

func (h *Hub) handleUnsubscribe(c *Client, conv string) {
	h.mu.Lock()
	_, ok := c.subs[conv]
	h.unsubscribeLocked(c, conv)
	h.mu.Unlock()
	if ok {
		h.deps.Presence.Leave(conv, c.id.UserID)
		h.deps.Typing.Forget(conv, c.id.UserID)
	}
}

func (h *Hub) handleActive(ctx context.Context, c *Client, conv string) {
	p, err := h.deps.ReadState.SetActive(ctx, conv, c.id.UserID)
	if err != nil {
		h.sendError(c, conv, errorText(err))
		return
	}
	h.mu.Lock()
	c.active = conv
	h.mu.Unlock()
	h.sendToClient(c, OutgoingMessage{Type: EventType(broadcast.EventUnreadUpdated), Payload: broadcast.UnreadPayload{
		ConversationID: conv,
		UnreadCount:    p.UnreadCount,
	}})
}

func (h *Hub) unsubscribeLocked(c *Client, conv string) {
	delete(c.subs, conv)
	if set := h.subs[conv]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, conv)
		}
	}
}

// subscription returns the caller's role in conv if the socket is subscribed to it.
func (h *Hub) subscription(c *Client, conv string) (model.ParticipantRole, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	role, ok := c.subs[conv]
	return role, ok
}

// Deliver implements broadcast.Sink: conversation events go to subscribed sockets,
// user-targeted events to all of that user's sockets.
func (h *Hub) Deliver(ev broadcast.Event) {
	out := fromEvent(ev)
	if ev.TargetUserID != "" {
		h.sendToUser(ev.TargetUserID, out)
		return
	}
	h.mu.RLock()
	set := h.subs[ev.ConversationID]
	targets := make([]*Client, 0, len(set))
	for c := range set {
		if ev.ExcludeUserID != "" && c.id.UserID == ev.ExcludeUserID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, out)
	}
}

func (h *Hub) sendToUser(userID string, msg OutgoingMessage) {
	h.mu.RLock()
	clients, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(clients))
	for c := range clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, msg)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.id.UserID)
		c.Close()
	}
}

func (h *Hub) sendError(c *Client, conv, text string) {
	h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{ConversationID: conv, Error: text}})
}

func errorText(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return "not found"
	case errors.Is(err, model.ErrForbidden):
		return "forbidden"
	case model.IsValidation(err):
		return err.Error()
	default:
		logger.Errorf("ws: %v", err)
		return "internal error"
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Connections returns the number of open sockets on this instance.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

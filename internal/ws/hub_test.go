package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messaging/internal/broadcast"
	"github.com/messaging/internal/middleware"
	"github.com/messaging/internal/model"
	"github.com/messaging/internal/presence"
)

type fakeConversations struct{ members map[string]bool }

func (f fakeConversations) Get(_ context.Context, conv, uid string) (*model.Conversation, error) {
	if conv != "c1" || !f.members[uid] {
		return nil, model.ErrNotFound
	}
	c := &model.Conversation{ID: conv}
	for uid := range f.members {
		role := model.RoleMember
		if uid == "alice" {
			role = model.RoleAdmin
		}
		c.Participants = append(c.Participants, model.Participant{ConversationID: conv, UserID: uid, Role: role})
	}
	return c, nil
}

type nopPresenceNotifier struct{}

func (nopPresenceNotifier) PresenceChanged(string, bool, model.PresenceMember) {}

type fakeTyping struct {
	mu      sync.Mutex
	signals []string
	forgot  []string
}

func (f *fakeTyping) Signal(_ context.Context, conv, uid, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, conv+"/"+uid)
	return true, nil
}

func (f *fakeTyping) Forget(conv, uid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgot = append(f.forgot, conv+"/"+uid)
}

type fakeReadState struct {
	mu      sync.Mutex
	active  map[string]string
	cleared []string
}

func (f *fakeReadState) SetActive(_ context.Context, conv, uid string) (*model.Participant, error) {
	if conv != "c1" {
		return nil, model.ErrNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[uid] = conv
	return &model.Participant{ConversationID: conv, UserID: uid}, nil
}

func (f *fakeReadState) ClearActive(_ context.Context, conv, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[uid] == conv {
		delete(f.active, uid)
	}
	f.cleared = append(f.cleared, conv+"/"+uid)
	return nil
}

type hubFixture struct {
	hub      *Hub
	presence *presence.Tracker
	typing   *fakeTyping
	read     *fakeReadState
}

func newHubFixture() *hubFixture {
	f := &hubFixture{
		presence: presence.New(nopPresenceNotifier{}),
		typing:   &fakeTyping{},
		read:     &fakeReadState{active: map[string]string{}},
	}
	f.hub = NewHub(Deps{
		Conversations: fakeConversations{members: map[string]bool{"alice": true, "bob": true}},
		Presence:      f.presence,
		Typing:        f.typing,
		ReadState:     f.read,
	}, Limits{MaxConns: 10, SendBuffer: 16})
	return f
}

// connless client: no socket, only the send queue.
func (f *hubFixture) client(uid string) *Client {
	c := NewClient(f.hub, nil, middleware.Identity{UserID: uid, Name: uid})
	f.hub.addClient(c)
	return c
}

func next(t *testing.T, c *Client) OutgoingMessage {
	t.Helper()
	select {
	case m := <-c.send:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message")
		return OutgoingMessage{}
	}
}

func drained(c *Client) bool {
	select {
	case <-c.send:
		return false
	default:
		return true
	}
}

func TestSubscribeSendsHereList(t *testing.T) {
	f := newHubFixture()
	ctx := context.Background()
	alice, bob := f.client("alice"), f.client("bob")

	f.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventSubscribe, ConversationID: "c1"})
	here := next(t, alice)
	assert.Equal(t, EventPresenceHere, here.Type)
	assert.Len(t, here.Payload.(HerePayload).Members, 1)

	f.hub.HandleMessage(ctx, bob, IncomingMessage{Type: EventSubscribe, ConversationID: "c1"})
	here = next(t, bob)
	members := here.Payload.(HerePayload).Members
	require.Len(t, members, 2)
	assert.True(t, f.presence.IsPresent("c1", "bob"))
}

func TestPresenceMembersCarryRole(t *testing.T) {
	f := newHubFixture()
	ctx := context.Background()
	alice, bob := f.client("alice"), f.client("bob")

	f.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventSubscribe, ConversationID: "c1"})
	here := next(t, alice).Payload.(HerePayload).Members
	require.Len(t, here, 1)
	assert.Equal(t, string(model.RoleAdmin), here[0].Role)

	f.hub.HandleMessage(ctx, bob, IncomingMessage{Type: EventSubscribe, ConversationID: "c1"})
	next(t, bob)
	f.hub.HandleMessage(ctx, bob, IncomingMessage{Type: EventHeartbeat, ConversationID: "c1"})

	roles := map[string]string{}
	for _, m := range f.presence.Members("c1") {
		roles[m.UserID] = m.Role
	}
	assert.Equal(t, map[string]string{"alice": "admin", "bob": "member"}, roles)
}

func TestSubscribeRejectsStranger(t *testing.T) {
	f := newHubFixture()
	mallory := f.client("mallory")

	f.hub.HandleMessage(context.Background(), mallory, IncomingMessage{Type: EventSubscribe, ConversationID: "c1"})
	msg := next(t, mallory)
	assert.Equal(t, EventError, msg.Type)
	assert.Equal(t, "not found", msg.Payload.(ErrorPayload).Error)
	assert.False(t, f.presence.IsPresent("c1", "mallory"))
}

func TestDeliverRouting(t *testing.T) {
	f := newHubFixture()
	ctx := context.Background()
	alice, bob, idle := f.client("alice"), f.client("bob"), f.client("bob")
	for _, c := range []*Client{alice, bob} {
		f.hub.HandleMessage(ctx, c, IncomingMessage{Type: EventSubscribe, ConversationID: "c1"})
		next(t, c)
	}

	f.hub.Deliver(broadcast.Event{ID: "e1", Type: broadcast.EventMessageSent, ConversationID: "c1", Payload: json.RawMessage(`{"n":1}`)})
	for _, c := range []*Client{alice, bob} {
		got := next(t, c)
		assert.Equal(t, "e1", got.ID)
		assert.Equal(t, EventType(broadcast.EventMessageSent), got.Type)
	}
	assert.True(t, drained(idle), "unsubscribed socket gets no conversation events")

	f.hub.Deliver(broadcast.Event{ID: "e2", Type: broadcast.EventTyping, ConversationID: "c1", ExcludeUserID: "alice", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, "e2", next(t, bob).ID)
	assert.True(t, drained(alice))

	f.hub.Deliver(broadcast.Event{ID: "e3", Type: broadcast.EventUnreadUpdated, ConversationID: "c1", TargetUserID: "bob", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, "e3", next(t, bob).ID)
	assert.Equal(t, "e3", next(t, idle).ID)
	assert.True(t, drained(alice))
}

func TestUnsubscribeAndClose(t *testing.T) {
	f := newHubFixture()
	ctx := context.Background()
	alice := f.client("alice")

	f.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventSubscribe, ConversationID: "c1"})
	next(t, alice)
	f.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventUnsubscribe, ConversationID: "c1"})
	assert.False(t, f.presence.IsPresent("c1", "alice"))

	f.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventSubscribe, ConversationID: "c1"})
	next(t, alice)
	f.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventActive, ConversationID: "c1"})
	assert.Equal(t, EventType(broadcast.EventUnreadUpdated), next(t, alice).Type)
	assert.Equal(t, "c1", f.read.active["alice"])

	f.hub.HandleMessage(ctx, alice, IncomingMessage{Type: EventTyping, ConversationID: "c1"})
	assert.Equal(t, []string{"c1/alice"}, f.typing.signals)

	f.hub.removeClient(alice)
	assert.False(t, f.presence.IsPresent("c1", "alice"))
	assert.Empty(t, f.read.active)
	assert.Equal(t, 0, f.hub.Connections())
	assert.Contains(t, f.typing.forgot, "c1/alice")
}

func TestSecondSocketKeepsPresence(t *testing.T) {
	f := newHubFixture()
	ctx := context.Background()
	tab1, tab2 := f.client("alice"), f.client("alice")
	for _, c := range []*Client{tab1, tab2} {
		f.hub.HandleMessage(ctx, c, IncomingMessage{Type: EventSubscribe, ConversationID: "c1"})
		next(t, c)
	}
	f.hub.HandleMessage(ctx, tab1, IncomingMessage{Type: EventActive, ConversationID: "c1"})
	next(t, tab1)

	f.hub.removeClient(tab1)
	assert.True(t, f.presence.IsPresent("c1", "alice"))
	assert.Equal(t, "c1", f.read.active["alice"], "another tab is still open")

	f.hub.removeClient(tab2)
	assert.False(t, f.presence.IsPresent("c1", "alice"))
}

func TestConnectionLimit(t *testing.T) {
	f := newHubFixture()
	f.hub.limits.MaxConns = 1
	f.client("alice")
	late := f.client("bob")
	assert.Equal(t, 1, f.hub.Connections())
	select {
	case <-late.done:
	default:
		t.Fatal("over-limit client must be closed")
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	f := newHubFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.hub.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cctx, ccancel := context.WithCancel(context.Background())
		c := NewClient(f.hub, conn, middleware.Identity{UserID: r.URL.Query().Get("user_id")})
		f.hub.Register(c)
		c.Start(cctx, ccancel)
	}))
	defer srv.Close()

	dial := func(uid string) *websocket.Conn {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user_id=" + uid
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	read := func(conn *websocket.Conn) map[string]any {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var m map[string]any
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	alice := dial("alice")
	require.NoError(t, alice.WriteJSON(IncomingMessage{Type: EventSubscribe, ConversationID: "c1"}))
	assert.Equal(t, string(EventPresenceHere), read(alice)["type"])

	f.hub.Deliver(broadcast.Event{ID: "e1", Type: broadcast.EventMessageSent, ConversationID: "c1", Payload: json.RawMessage(`{"message":{"id":"m1"}}`)})
	got := read(alice)
	assert.Equal(t, "message_sent", got["type"])
	payload := got["payload"].(map[string]any)
	assert.Equal(t, "m1", payload["message"].(map[string]any)["id"])

	require.NoError(t, alice.Close())
	assert.Eventually(t, func() bool { return !f.presence.IsPresent("c1", "alice") }, 2*time.Second, 10*time.Millisecond)
}

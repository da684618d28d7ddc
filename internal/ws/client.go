package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/messaging/internal/logger"
	"github.com/messaging/internal/middleware"
	"github.com/messaging/internal/model"
)

// Значения по умолчанию для Limits.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 4096
	sendBufSize    = 256
)

// Client: один сокет пользователя. Hub владеет подписками, клиент только качает кадры.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan OutgoingMessage
	id   middleware.Identity

	// под hub.mu: беседа -> роль пользователя в ней, открытая беседа
	subs   map[string]model.ParticipantRole
	active string

	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewClient(hub *Hub, conn *websocket.Conn, id middleware.Identity) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		send: make(chan OutgoingMessage, hub.limits.SendBuffer),
		id:   id,
		subs: make(map[string]model.ParticipantRole),
		done: make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.id.UserID }

func (c *Client) member(role model.ParticipantRole) model.PresenceMember {
	return model.PresenceMember{UserID: c.id.UserID, Name: c.id.Name, AvatarURL: c.id.AvatarURL, Role: string(role)}
}

// Start запускает чтение и запись; cancel вызывается из Close.
func (c *Client) Start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writeLoop(ctx)
	go c.readLoop(ctx)
}

func (c *Client) Wait() { c.wg.Wait() }

// Close идемпотентен. Закрытие conn выбивает ReadMessage в readLoop.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.hub.Unregister(c)

	lim := c.hub.limits
	c.conn.SetReadLimit(lim.MaxMessageSize)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(lim.PongWait)) }
	if err := extend(""); err != nil {
		logger.Errorf("ws: read deadline user=%s: %v", c.id.UserID, err)
		return
	}
	c.conn.SetPongHandler(extend)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("ws: read user=%s: %v", c.id.UserID, err)
			}
			return
		}
		var msg IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Debugf("ws: bad frame user=%s: %v", c.id.UserID, err)
			c.hub.sendError(c, "", "malformed message")
			continue
		}
		c.hub.HandleMessage(ctx, c, msg)
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	defer c.wg.Done()
	defer c.Close()

	lim := c.hub.limits
	ping := time.NewTicker(lim.PongWait * 9 / 10)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			_ = c.write(websocket.CloseMessage, nil)
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				logger.Errorf("ws: encode %s user=%s: %v", msg.Type, c.id.UserID, err)
				continue
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(kind int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.limits.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, data)
}

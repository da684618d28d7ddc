package ws

import (
	"encoding/json"

	"github.com/messaging/internal/broadcast"
	"github.com/messaging/internal/model"
)

type EventType string

// Client -> server.
const (
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"
	EventHeartbeat   EventType = "heartbeat"
	EventTyping      EventType = "typing"
	EventActive      EventType = "active"
	EventInactive    EventType = "inactive"
)

// Server -> client. Everything coming off the bus keeps its broadcast.EventType name.
const (
	EventPresenceHere EventType = "presence_here"
	EventSubscribed   EventType = "subscribed"
	EventError        EventType = "error"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Bus events carry their pre-encoded payload as json.RawMessage.
type OutgoingMessage struct {
	ID      string    `json:"id,omitempty"`
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

func fromEvent(ev broadcast.Event) OutgoingMessage {
	return OutgoingMessage{ID: ev.ID, Type: EventType(ev.Type), Payload: json.RawMessage(ev.Payload)}
}

// HerePayload is the member list sent once on subscribe.
type HerePayload struct {
	ConversationID string                 `json:"conversation_id"`
	Members        []model.PresenceMember `json:"members"`
}

type ErrorPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Error          string `json:"error"`
}

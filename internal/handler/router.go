package handler

import (
	"github.com/go-chi/chi/v5"
)

// Handlers: все обработчики API; nil-поля не монтируются.
type Handlers struct {
	Conversations *ConversationHandler
	Messages      *MessageHandler
	ReadState     *ReadStateHandler
	Presence      *PresenceHandler
	WS            *WSHandler
}

// Mount регистрирует маршруты, требующие пользователя в контексте.
func Mount(r chi.Router, h Handlers) {
	if c := h.Conversations; c != nil {
		r.Get("/api/conversations", c.List)
		r.Post("/api/conversations", c.Create)
		r.Get("/api/conversations/{id}", c.Get)
		r.Post("/api/conversations/{id}/participants", c.AddParticipant)
	}
	if m := h.Messages; m != nil {
		r.Post("/api/messages", m.Send)
		r.Post("/api/conversations/{id}/messages", m.SendTo)
		r.Get("/api/conversations/{id}/messages", m.History)
		r.Delete("/api/messages/{messageId}", m.Delete)
		r.Get("/api/messages/{messageId}/reactions", m.Reactions)
		r.Post("/api/messages/{messageId}/reactions", m.AddReaction)
		r.Delete("/api/messages/{messageId}/reactions", m.RemoveReaction)
		r.Post("/api/messages/{messageId}/tip-request/accept", m.AcceptTip)
		r.Post("/api/messages/{messageId}/tip-request/decline", m.DeclineTip)
	}
	if rs := h.ReadState; rs != nil {
		r.Post("/api/conversations/{id}/read", rs.MarkRead)
		r.Put("/api/conversations/{id}/active", rs.SetActive)
		r.Delete("/api/conversations/{id}/active", rs.ClearActive)
		r.Get("/api/conversations/{id}/unread", rs.Unread)
		r.Get("/api/unread", rs.Totals)
	}
	if p := h.Presence; p != nil {
		r.Get("/api/conversations/{id}/presence", p.Members)
		r.Post("/api/conversations/{id}/presence/heartbeat", p.Heartbeat)
		r.Delete("/api/conversations/{id}/presence", p.Leave)
	}
	if h.WS != nil {
		r.Get("/ws", h.WS.ServeWS)
	}
}

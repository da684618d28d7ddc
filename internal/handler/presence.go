package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/messaging/internal/conversation"
	"github.com/messaging/internal/middleware"
	"github.com/messaging/internal/model"
	"github.com/messaging/internal/presence"
)

// PresenceHandler: HTTP-вариант канала присутствия для клиентов без сокета.
type PresenceHandler struct {
	svc      *conversation.Service
	presence *presence.Tracker
}

func NewPresenceHandler(svc *conversation.Service, p *presence.Tracker) *PresenceHandler {
	return &PresenceHandler{svc: svc, presence: p}
}

type membersResponse struct {
	ConversationID string                 `json:"conversation_id"`
	Members        []model.PresenceMember `json:"members"`
}

func (h *PresenceHandler) Members(w http.ResponseWriter, r *http.Request) {
	conv := chi.URLParam(r, "id")
	if _, err := h.svc.Get(r.Context(), conv, middleware.GetUserID(r.Context())); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, membersResponse{ConversationID: conv, Members: h.presence.Members(conv)})
}

// Heartbeat продлевает присутствие; первый heartbeat присоединяет к каналу.
func (h *PresenceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	conv := chi.URLParam(r, "id")
	c, err := h.svc.Get(r.Context(), conv, middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	id, _ := middleware.GetIdentity(r.Context())
	m := model.PresenceMember{UserID: id.UserID, Name: id.Name, AvatarURL: id.AvatarURL}
	if p := c.Participant(id.UserID); p != nil {
		m.Role = string(p.Role)
	}
	h.presence.Heartbeat(conv, m)
	writeJSON(w, http.StatusOK, membersResponse{ConversationID: conv, Members: h.presence.Members(conv)})
}

func (h *PresenceHandler) Leave(w http.ResponseWriter, r *http.Request) {
	conv := chi.URLParam(r, "id")
	h.presence.Leave(conv, middleware.GetUserID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

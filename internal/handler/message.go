package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/messaging/internal/conversation"
	"github.com/messaging/internal/history"
	"github.com/messaging/internal/middleware"
	"github.com/messaging/internal/reaction"
	"github.com/messaging/internal/tip"
)

type MessageHandler struct {
	svc       *conversation.Service
	history   *history.Loader
	reactions *reaction.Aggregator
	tips      *tip.Workflow
}

func NewMessageHandler(svc *conversation.Service, hist *history.Loader, reactions *reaction.Aggregator, tips *tip.Workflow) *MessageHandler {
	return &MessageHandler{svc: svc, history: hist, reactions: reactions, tips: tips}
}

// Send: POST /api/messages. Без conversation_id беседа создаётся из recipient_ids.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var in conversation.SendInput
	if !decodeJSON(w, r, &in) {
		return
	}
	msg, err := h.svc.Send(r.Context(), middleware.GetUserID(r.Context()), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// SendTo: POST /api/conversations/{id}/messages.
func (h *MessageHandler) SendTo(w http.ResponseWriter, r *http.Request) {
	var in conversation.SendInput
	if !decodeJSON(w, r, &in) {
		return
	}
	in.ConversationID = chi.URLParam(r, "id")
	in.RecipientIDs = nil
	msg, err := h.svc.Send(r.Context(), middleware.GetUserID(r.Context()), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.Delete(r.Context(), chi.URLParam(r, "messageId"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// History: GET /api/conversations/{id}/messages?before=<message id>&limit=N
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	page, err := h.history.ListMessages(r.Context(),
		chi.URLParam(r, "id"),
		middleware.GetUserID(r.Context()),
		r.URL.Query().Get("before"),
		queryInt(r, "limit", 0),
	)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type reactionRequest struct {
	Emoji   string `json:"emoji"`
	Variant string `json:"variant"`
}

func (h *MessageHandler) AddReaction(w http.ResponseWriter, r *http.Request) {
	h.toggleReaction(w, r, true)
}

func (h *MessageHandler) RemoveReaction(w http.ResponseWriter, r *http.Request) {
	h.toggleReaction(w, r, false)
}

func (h *MessageHandler) toggleReaction(w http.ResponseWriter, r *http.Request, add bool) {
	var req reactionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	op := h.reactions.Remove
	if add {
		op = h.reactions.Add
	}
	res, err := op(r.Context(), chi.URLParam(r, "messageId"), middleware.GetUserID(r.Context()), req.Emoji, req.Variant)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *MessageHandler) Reactions(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reactions.Summarize(r.Context(), chi.URLParam(r, "messageId"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *MessageHandler) AcceptTip(w http.ResponseWriter, r *http.Request) {
	res, err := h.tips.Accept(r.Context(), chi.URLParam(r, "messageId"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *MessageHandler) DeclineTip(w http.ResponseWriter, r *http.Request) {
	res, err := h.tips.Decline(r.Context(), chi.URLParam(r, "messageId"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

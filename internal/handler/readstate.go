package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/messaging/internal/middleware"
	"github.com/messaging/internal/readstate"
)

type ReadStateHandler struct {
	tracker *readstate.Tracker
}

func NewReadStateHandler(tracker *readstate.Tracker) *ReadStateHandler {
	return &ReadStateHandler{tracker: tracker}
}

type markReadRequest struct {
	// MessageID пустой: прочитать до последнего сообщения.
	MessageID string `json:"message_id"`
}

func (h *ReadStateHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	p, err := h.tracker.MarkRead(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()), req.MessageID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ReadStateHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	p, err := h.tracker.SetActive(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *ReadStateHandler) ClearActive(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.ClearActive(r.Context(), chi.URLParam(r, "id"), middleware.GetUserID(r.Context())); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type unreadResponse struct {
	ConversationID string `json:"conversation_id"`
	UnreadCount    int    `json:"unread_count"`
}

func (h *ReadStateHandler) Unread(w http.ResponseWriter, r *http.Request) {
	conv := chi.URLParam(r, "id")
	n, err := h.tracker.UnreadCount(r.Context(), conv, middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{ConversationID: conv, UnreadCount: n})
}

type totalsResponse struct {
	Conversations map[string]int `json:"conversations"`
	Total         int            `json:"total"`
}

func (h *ReadStateHandler) Totals(w http.ResponseWriter, r *http.Request) {
	byConv, total, err := h.tracker.Totals(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, totalsResponse{Conversations: byConv, Total: total})
}

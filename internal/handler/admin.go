package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/messaging/internal/history"
)

// AdminHandler: служебный просмотр истории без проверки участия (только внутренняя сеть).
type AdminHandler struct {
	history *history.Loader
}

func NewAdminHandler(h *history.Loader) *AdminHandler {
	return &AdminHandler{history: h}
}

func (h *AdminHandler) Inspect(w http.ResponseWriter, r *http.Request) {
	page, err := h.history.Inspect(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("before"), queryInt(r, "limit", 0))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) cacheDisabled(w http.ResponseWriter, r *http.Request) bool {
	if h.deps.Cache != nil {
		return false
	}
	writeUnavailable(w, r, "cache")
	return true
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cacheDisabled(w, r) {
		return
	}
	stats, err := h.deps.Cache.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	if h.cacheDisabled(w, r) {
		return
	}
	if err := h.deps.Cache.Clear(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (h *Handler) invalidateConversation(w http.ResponseWriter, r *http.Request) {
	if h.cacheDisabled(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	removed, err := h.deps.Cache.InvalidateConversation(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": id, "removed": removed})
}

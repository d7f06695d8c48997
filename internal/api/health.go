package api

import (
	"context"
	"net/http"
	"time"
)

// HandleHealth handles GET /api/health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "database": "down"})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"database": "up",
		"chat":     h.controller != nil,
	})
}

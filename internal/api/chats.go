package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ashureev/deepsearch/internal/domain"
	"github.com/ashureev/deepsearch/internal/identity"
	"github.com/ashureev/deepsearch/internal/store"
	"github.com/go-chi/chi/v5"
)

// ChatSummary is one entry of the chat list.
type ChatSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func summarize(c *domain.Conversation) ChatSummary {
	return ChatSummary{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt: c.UpdatedAt.UTC().Format(timeLayout),
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// HandleListChats handles GET /api/chats, newest first.
func (h *Handler) HandleListChats(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := h.cfg.ListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, h.cfg.ListLimit)
	}

	chats, err := h.repo.ListConversations(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("Failed to list chats", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list chats")
		return
	}

	out := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		out = append(out, summarize(c))
	}
	JSON(w, http.StatusOK, map[string]any{"chats": out})
}

// HandleGetChat handles GET /api/chats/{chatID}. Chats owned by someone
// else are reported exactly like missing ones.
func (h *Handler) HandleGetChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	chat, err := h.repo.GetConversation(r.Context(), userID, chi.URLParam(r, "chatID"))
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load chat", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	JSON(w, http.StatusOK, chat)
}

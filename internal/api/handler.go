// Package api provides HTTP handlers for the research agent API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/deepsearch/internal/agent"
	"github.com/ashureev/deepsearch/internal/config"
	"github.com/ashureev/deepsearch/internal/store"
	"github.com/go-chi/chi/v5"
)

// Handler serves the chat, history and health endpoints.
type Handler struct {
	repo       store.Repository
	controller *agent.Controller
	limiter    *RateLimiter
	convLog    agent.ConversationLogger
	cfg        *config.Config
	logger     *slog.Logger
}

// NewHandler creates a Handler. A nil controller leaves chat routes
// unregistered while history and health stay available.
func NewHandler(repo store.Repository, controller *agent.Controller, convLog agent.ConversationLogger, cfg *config.Config, logger *slog.Logger) *Handler {
	if cfg == nil {
		cfg = config.Default()
	}
	if convLog == nil {
		convLog = agent.NoopConversationLogger()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:       repo,
		controller: controller,
		limiter:    NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		convLog:    convLog,
		cfg:        cfg,
		logger:     logger,
	}
}

// RegisterRoutes registers API routes. Identity middleware must already be
// installed on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HandleHealth)
		r.Get("/chats", h.HandleListChats)
		r.Get("/chats/{chatID}", h.HandleGetChat)
		if h.controller != nil {
			r.Post("/chat", h.HandleChat)
			r.Get("/chat/ws", h.HandleChatWS)
		}
	})
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	h.limiter.Close()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

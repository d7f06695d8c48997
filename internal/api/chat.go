package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/ashureev/deepsearch/internal/agent"
	"github.com/ashureev/deepsearch/internal/domain"
	"github.com/ashureev/deepsearch/internal/identity"
	"github.com/ashureev/deepsearch/internal/store"
	"github.com/ashureev/deepsearch/internal/stream"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const streamBuffer = 32

// ChatRequest is the body of a chat turn.
type ChatRequest struct {
	Messages  []ChatMessage `json:"messages"`
	ChatID    string        `json:"chatId,omitempty"`
	IsNewChat bool          `json:"isNewChat"`
}

// ChatMessage accepts either plain content or structured parts.
type ChatMessage struct {
	ID      string        `json:"id,omitempty"`
	Role    domain.Role   `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []domain.Part `json:"parts,omitempty"`
}

func (m ChatMessage) toDomain() domain.Message {
	msg := domain.Message{ID: m.ID, Role: m.Role, Parts: m.Parts}
	if len(msg.Parts) == 0 && m.Content != "" {
		msg.Parts = []domain.Part{domain.TextPart(m.Content)}
	}
	return msg
}

// requestError is a rejected request with its HTTP status.
type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(format string, args ...any) *requestError {
	return &requestError{status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

var errChatNotFound = &requestError{status: http.StatusNotFound, message: "chat not found"}

func decodeChatRequest(body io.Reader) (ChatRequest, *requestError) {
	var req ChatRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, &requestError{status: http.StatusRequestEntityTooLarge, message: "request body too large"}
		}
		return req, badRequest("invalid request body")
	}
	return req, nil
}

// prepareTurn validates req for userID and resolves the conversation it
// targets. A new chat is saved before any event is streamed so the id
// announced to the client already exists.
func (h *Handler) prepareTurn(ctx context.Context, userID, requestID string, req ChatRequest) (agent.Turn, *requestError) {
	if len(req.Messages) == 0 {
		return agent.Turn{}, badRequest("messages are required")
	}

	history := make([]domain.Message, 0, len(req.Messages))
	for i, m := range req.Messages {
		msg := m.toDomain()
		if len(msg.Parts) == 0 {
			return agent.Turn{}, badRequest("message %d has no content", i)
		}
		if err := msg.Validate(); err != nil {
			return agent.Turn{}, badRequest("message %d: %v", i, err)
		}
		history = append(history, msg)
	}

	turn := agent.Turn{
		OwnerID:        userID,
		ConversationID: strings.TrimSpace(req.ChatID),
		Title:          domain.DeriveTitle(history),
		History:        history,
		RequestID:      requestID,
	}

	if !req.IsNewChat {
		if turn.ConversationID == "" {
			return agent.Turn{}, badRequest("chatId is required")
		}
		if _, err := h.repo.GetConversation(ctx, userID, turn.ConversationID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return agent.Turn{}, errChatNotFound
			}
			h.logger.Error("Failed to load chat", "chat_id", turn.ConversationID, "user_id", userID, "error", err)
			return agent.Turn{}, &requestError{status: http.StatusInternalServerError, message: "failed to load chat"}
		}
		return turn, nil
	}

	if turn.ConversationID == "" {
		turn.ConversationID = uuid.NewString()
	}
	created, err := h.repo.UpsertConversation(ctx, userID, turn.ConversationID, turn.Title, history)
	if err != nil {
		if errors.Is(err, store.ErrOwnershipConflict) {
			return agent.Turn{}, errChatNotFound
		}
		h.logger.Error("Failed to create chat", "chat_id", turn.ConversationID, "user_id", userID, "error", err)
		return agent.Turn{}, &requestError{status: http.StatusInternalServerError, message: "failed to create chat"}
	}
	turn.NewConversation = created
	return turn, nil
}

type turnOutcome struct {
	result agent.Result
	err    error
}

// startTurn runs the controller in its own goroutine. The stream is always
// closed, even if the turn panics.
func (h *Handler) startTurn(ctx context.Context, turn agent.Turn, out *stream.Stream) <-chan turnOutcome {
	done := make(chan turnOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				err := fmt.Errorf("chat turn panicked: %v", rec)
				h.logger.Error("Chat turn panicked", "chat_id", turn.ConversationID, "panic", rec, "stack", string(debug.Stack()))
				out.Close("", err)
				done <- turnOutcome{err: err}
			}
		}()
		res, err := h.controller.Run(ctx, turn, out)
		done <- turnOutcome{result: res, err: err}
	}()
	return done
}

// HandleChat handles POST /api/chat, streaming the turn as server-sent events.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)
	req, reqErr := decodeChatRequest(r.Body)
	if reqErr != nil {
		Error(w, reqErr.status, reqErr.message)
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	turn, reqErr := h.prepareTurn(r.Context(), userID, reqID, req)
	if reqErr != nil {
		Error(w, reqErr.status, reqErr.message)
		return
	}

	h.logger.Info("Chat request",
		"user_id", userID,
		"username", identity.UsernameFromContext(r.Context()),
		"chat_id", turn.ConversationID,
		"new_chat", turn.NewConversation,
		"messages", len(turn.History),
		"request_id", reqID,
	)
	h.logUserMessage(turn, "chat_http")

	stream.SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Agent.ChatMaxDuration)
	defer cancel()

	out := stream.New(streamBuffer)
	done := h.startTurn(ctx, turn, out)

	enc := stream.NewSSEEncoder(w, flusher)
	keepalive := time.NewTicker(h.cfg.SSE.KeepaliveInterval)
	defer keepalive.Stop()

	var answer strings.Builder
	broken := false
	events := out.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Type == stream.EventTextDelta {
				answer.WriteString(ev.TextDelta)
			}
			if broken {
				continue
			}
			if err := enc.Encode(ev); err != nil {
				h.logger.Warn("Failed to write chat event, cancelling turn", "chat_id", turn.ConversationID, "error", err)
				broken = true
				cancel()
			}
		case <-keepalive.C:
			if broken {
				continue
			}
			if err := enc.Keepalive(); err != nil {
				broken = true
				cancel()
			}
		}
	}

	outcome := <-done
	h.logAssistantMessage(turn, "chat_http", answer.String(), outcome)
}

func (h *Handler) logUserMessage(turn agent.Turn, channel string) {
	var text string
	for i := len(turn.History) - 1; i >= 0; i-- {
		if turn.History[i].Role == domain.RoleUser {
			text = turn.History[i].Text()
			break
		}
	}
	h.convLog.Log(agent.ConversationLogEvent{
		Timestamp:  nowRFC3339(),
		UserID:     turn.OwnerID,
		ChatID:     turn.ConversationID,
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "chat_user_message",
		ContentRaw: text,
		Meta: map[string]any{
			"request_id": turn.RequestID,
			"new_chat":   turn.NewConversation,
		},
	})
}

// logAssistantMessage records the persisted answer of a completed turn, or
// the streamed text of an aborted one.
func (h *Handler) logAssistantMessage(turn agent.Turn, channel, streamed string, outcome turnOutcome) {
	answer := outcome.result.Answer()
	errMsg := ""
	if outcome.err != nil {
		answer = streamed
		errMsg = outcome.err.Error()
	}
	h.convLog.Log(agent.ConversationLogEvent{
		Timestamp:  nowRFC3339(),
		UserID:     turn.OwnerID,
		ChatID:     turn.ConversationID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "chat_assistant_message",
		ContentRaw: answer,
		Meta: map[string]any{
			"request_id":    turn.RequestID,
			"steps":         outcome.result.Steps,
			"finish_reason": outcome.result.FinishReason,
			"partial":       outcome.err != nil,
			"stream_error":  errMsg,
		},
	})
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/deepsearch/internal/identity"
	"github.com/ashureev/deepsearch/internal/stream"
	"github.com/coder/websocket"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const wsRequestTimeout = 30 * time.Second

// wsError is sent as the only frame when a WebSocket request is rejected.
type wsError struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Error  string `json:"error"`
}

func (h *Handler) acceptOptions() *websocket.AcceptOptions {
	if h.cfg.IsDevelopment() {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	opts := &websocket.AcceptOptions{}
	if u, err := url.Parse(h.cfg.FrontendURL); err == nil && u.Host != "" {
		opts.OriginPatterns = []string{u.Host}
	}
	return opts
}

// HandleChatWS handles GET /api/chat/ws. The first text frame carries a
// ChatRequest; every event of the turn follows as one JSON text frame.
func (h *Handler) HandleChatWS(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ws, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.logger.Warn("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.CloseNow(); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(h.cfg.SSE.MaxRequestBodySize)

	readCtx, cancelRead := context.WithTimeout(r.Context(), wsRequestTimeout)
	typ, data, err := ws.Read(readCtx)
	cancelRead()
	if err != nil {
		h.logger.Debug("WebSocket closed before chat request", "error", err, "user_id", userID)
		return
	}
	if typ != websocket.MessageText {
		h.rejectWS(ws, badRequest("chat request must be a text frame"))
		return
	}

	req, reqErr := decodeChatRequest(strings.NewReader(string(data)))
	if reqErr != nil {
		h.rejectWS(ws, reqErr)
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	turn, reqErr := h.prepareTurn(r.Context(), userID, reqID, req)
	if reqErr != nil {
		h.rejectWS(ws, reqErr)
		return
	}

	h.logger.Info("Chat request", "user_id", userID, "username", identity.UsernameFromContext(r.Context()), "chat_id", turn.ConversationID, "new_chat", turn.NewConversation, "transport", "websocket")
	h.logUserMessage(turn, "chat_ws")

	// CloseRead cancels the turn when the client goes away. Frames are
	// written on the connection context so the terminal event still goes
	// out after the turn deadline.
	connCtx := ws.CloseRead(r.Context())
	ctx, cancel := context.WithTimeout(connCtx, h.cfg.Agent.ChatMaxDuration)
	defer cancel()

	out := stream.New(streamBuffer)
	done := h.startTurn(ctx, turn, out)

	var answer strings.Builder
	broken := false
	for ev := range out.Events() {
		if ev.Type == stream.EventTextDelta {
			answer.WriteString(ev.TextDelta)
		}
		if broken {
			continue
		}
		if err := h.writeJSON(connCtx, ws, ev); err != nil {
			h.logger.Warn("Failed to write chat event, cancelling turn", "chat_id", turn.ConversationID, "error", err)
			broken = true
			cancel()
		}
	}

	outcome := <-done
	h.logAssistantMessage(turn, "chat_ws", answer.String(), outcome)
	if !broken {
		_ = ws.Close(websocket.StatusNormalClosure, "turn complete")
	}
}

func (h *Handler) rejectWS(ws *websocket.Conn, reqErr *requestError) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.writeJSON(ctx, ws, wsError{Type: "error", Status: reqErr.status, Error: reqErr.message}); err != nil {
		h.logger.Debug("Failed to send WebSocket rejection", "error", err)
	}
	_ = ws.Close(websocket.StatusPolicyViolation, reqErr.message)
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/deepsearch/internal/domain"
	"github.com/ashureev/deepsearch/internal/store"
	"github.com/ashureev/deepsearch/internal/stream"
	"github.com/ashureev/deepsearch/internal/tools"
	"github.com/google/uuid"
)

// Controller drives one turn at a time: inference, tool dispatch, and the
// final save. It is safe for concurrent use by independent turns.
type Controller struct {
	model  Model
	tools  *tools.Registry
	writer store.ConversationWriter
	cfg    Config
	logger *slog.Logger
}

// NewController wires a controller from explicit dependencies.
func NewController(model Model, registry *tools.Registry, writer store.ConversationWriter, cfg Config, logger *slog.Logger) (*Controller, error) {
	if model == nil {
		return nil, errors.New("model is required")
	}
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	if writer == nil {
		return nil, errors.New("conversation writer is required")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{model: model, tools: registry, writer: writer, cfg: cfg, logger: logger}, nil
}

// Run executes turn, emitting every event on out, and closes out exactly
// once. The conversation is saved before the terminal event is sent. On
// cancellation or failure nothing from this turn is saved.
func (c *Controller) Run(ctx context.Context, turn Turn, out *stream.Stream) (res Result, err error) {
	defer func() {
		out.Close(string(res.FinishReason), err)
	}()

	log := c.logger.With("chat_id", turn.ConversationID, "user_id", turn.OwnerID, "request_id", turn.RequestID)

	if turn.NewConversation {
		c.emit(log, out, stream.NewChatCreatedEvent(turn.ConversationID))
	}

	working := domain.CloneMessages(turn.History)
	assistant := domain.Message{ID: uuid.NewString(), Role: domain.RoleAssistant}
	finish := FinishStepBudget
	steps := 0

	for steps < c.cfg.MaxSteps {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		steps++

		calls, stepErr := c.infer(ctx, log, working, &assistant, out)
		if stepErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			log.Error("Inference step failed", "step", steps, "error", stepErr)
			return Result{}, fmt.Errorf("%w: %w", ErrInferenceFailure, stepErr)
		}

		if len(calls) == 0 {
			finish = FinishStop
			break
		}

		for _, idx := range calls {
			if dispatchErr := c.dispatch(ctx, log, assistant.Parts[idx].ToolCall, out); dispatchErr != nil {
				return Result{}, dispatchErr
			}
		}
	}

	if finish == FinishStepBudget {
		log.Warn("Step budget exhausted, ending turn", "max_steps", c.cfg.MaxSteps)
	}

	final := working
	if len(assistant.Parts) > 0 {
		final = append(final, assistant)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	persistCtx, cancel := context.WithTimeout(ctx, c.cfg.PersistTimeout)
	defer cancel()
	if _, saveErr := c.writer.UpsertConversation(persistCtx, turn.OwnerID, turn.ConversationID, turn.Title, final); saveErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		log.Error("Failed to persist conversation", "error", saveErr)
		return Result{}, fmt.Errorf("%w: %w", ErrPersistence, saveErr)
	}

	log.Info("Turn completed", "steps", steps, "finish_reason", finish, "messages", len(final))
	return Result{Messages: final, Steps: steps, FinishReason: finish}, nil
}

// infer runs one inference step, folding its output into assistant. It
// returns the indexes of tool-call parts requested in this step.
func (c *Controller) infer(ctx context.Context, log *slog.Logger, working []domain.Message, assistant *domain.Message, out *stream.Stream) ([]int, error) {
	history := domain.CloneMessages(working)
	if len(assistant.Parts) > 0 {
		history = append(history, assistant.Clone())
	}

	var calls []int
	for chunk, err := range c.model.Stream(ctx, ModelRequest{
		System:   c.cfg.SystemPrompt,
		Messages: history,
		Tools:    c.tools.Definitions(),
	}) {
		if err != nil {
			return nil, err
		}
		// Text in a chunk precedes its tool call.
		if chunk.TextDelta != "" {
			appendText(assistant, chunk.TextDelta)
			c.emit(log, out, stream.Event{Type: stream.EventTextDelta, TextDelta: chunk.TextDelta})
		}
		if chunk.ToolCall != nil {
			call := &domain.ToolCall{
				ID:    chunk.ToolCall.ID,
				Name:  chunk.ToolCall.Name,
				Args:  chunk.ToolCall.Args,
				State: domain.ToolCallRequested,
			}
			if call.ID == "" {
				call.ID = "call_" + uuid.NewString()
			}
			if call.Args == nil {
				call.Args = map[string]any{}
			}
			assistant.Parts = append(assistant.Parts, domain.Part{Type: domain.PartToolCall, ToolCall: call})
			calls = append(calls, len(assistant.Parts)-1)
			c.emitCall(log, out, stream.EventToolCallRequested, call)
		}
	}
	return calls, nil
}

// dispatch resolves one tool call synchronously. Tool failures become
// failed-call events; only turn cancellation is returned as an error.
func (c *Controller) dispatch(ctx context.Context, log *slog.Logger, call *domain.ToolCall, out *stream.Stream) error {
	if err := call.Advance(domain.ToolCallInFlight); err != nil {
		return err
	}
	c.emitCall(log, out, stream.EventToolCallInFlight, call)

	started := time.Now()
	result, err := c.tools.Invoke(ctx, call.Name, call.Args)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		log.Warn("Tool call failed", "tool", call.Name, "tool_call_id", call.ID, "error", err)
		if failErr := call.Fail(describeToolError(err)); failErr != nil {
			return failErr
		}
		c.emitCall(log, out, stream.EventToolCallFailed, call)
		return nil
	}

	payload, err := json.Marshal(result)
	if err != nil {
		log.Warn("Tool result not serialisable", "tool", call.Name, "error", err)
		if failErr := call.Fail("tool returned an unreadable result"); failErr != nil {
			return failErr
		}
		c.emitCall(log, out, stream.EventToolCallFailed, call)
		return nil
	}
	if err := call.Resolve(payload); err != nil {
		return err
	}
	log.Debug("Tool call resolved", "tool", call.Name, "tool_call_id", call.ID, "duration", time.Since(started))
	c.emitCall(log, out, stream.EventToolCallResolved, call)
	return nil
}

func (c *Controller) emitCall(log *slog.Logger, out *stream.Stream, typ stream.EventType, call *domain.ToolCall) {
	snapshot := call.Clone()
	c.emit(log, out, stream.Event{Type: typ, ToolCall: &snapshot})
}

func (c *Controller) emit(log *slog.Logger, out *stream.Stream, ev stream.Event) {
	if err := out.Send(ev); err != nil {
		log.Warn("Dropped stream event", "type", ev.Type, "error", err)
	}
}

func appendText(m *domain.Message, delta string) {
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == domain.PartText {
		m.Parts[n-1].Text += delta
		return
	}
	m.Parts = append(m.Parts, domain.TextPart(delta))
}

// describeToolError keeps the model-facing description free of internals
// for everything except argument validation.
func describeToolError(err error) string {
	var verr *tools.ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Error()
	case errors.Is(err, tools.ErrUnknownTool):
		return err.Error()
	case errors.Is(err, tools.ErrCancelled):
		return "tool call cancelled"
	default:
		return "tool call failed"
	}
}

// Package agent implements the research agent turn loop.
package agent

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/ashureev/deepsearch/internal/domain"
	"github.com/ashureev/deepsearch/internal/tools"
)

// DefaultMaxSteps bounds inference/tool round trips per turn.
const DefaultMaxSteps = 10

var (
	// ErrInferenceFailure wraps errors raised by the model mid-turn.
	ErrInferenceFailure = errors.New("inference failed")
	// ErrPersistence wraps errors raised while saving the turn.
	ErrPersistence = errors.New("persisting conversation failed")
)

// FinishReason explains why a turn ended normally.
type FinishReason string

const (
	FinishStop       FinishReason = "stop"
	FinishStepBudget FinishReason = "step-budget"
)

// ModelRequest is one inference step's input.
type ModelRequest struct {
	System   string
	Messages []domain.Message
	Tools    []tools.Definition
}

// ModelChunk is one increment of model output: a text fragment or a
// tool-call request.
type ModelChunk struct {
	TextDelta string
	ToolCall  *ToolCallRequest
}

// ToolCallRequest asks the loop to invoke a tool.
type ToolCallRequest struct {
	ID   string
	Name string
	Args map[string]any
}

// Model is the inference capability. The sequence ends when the step's
// output is complete; a non-nil error aborts the step.
type Model interface {
	Stream(ctx context.Context, req ModelRequest) iter.Seq2[ModelChunk, error]
}

// Config holds controller settings.
type Config struct {
	MaxSteps     int
	SystemPrompt string
	// PersistTimeout bounds the final save once the turn is complete.
	PersistTimeout time.Duration
}

// DefaultConfig returns default controller configuration.
func DefaultConfig() Config {
	return Config{
		MaxSteps:       DefaultMaxSteps,
		SystemPrompt:   DefaultSystemPrompt,
		PersistTimeout: 10 * time.Second,
	}
}

// Turn is the input of one user-message-to-answer cycle.
type Turn struct {
	OwnerID        string
	ConversationID string
	Title          string
	History        []domain.Message
	// NewConversation is set when this request allocated ConversationID.
	NewConversation bool
	RequestID       string
}

// Result is a completed turn.
type Result struct {
	Messages     []domain.Message
	Steps        int
	FinishReason FinishReason
}

// Answer returns the text of the final assistant message.
func (r Result) Answer() string {
	if len(r.Messages) == 0 {
		return ""
	}
	last := r.Messages[len(r.Messages)-1]
	if last.Role != domain.RoleAssistant {
		return ""
	}
	return last.Text()
}

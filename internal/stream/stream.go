// Package stream carries one turn's events from the agent loop to a remote
// reader. A Stream has exactly one producer and one consumer; events are
// delivered in append order and the producer closes it exactly once.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/deepsearch/internal/domain"
)

// EventType names an event on the wire.
type EventType string

const (
	EventTextDelta         EventType = "text-delta"
	EventToolCallRequested EventType = "tool-call-requested"
	EventToolCallInFlight  EventType = "tool-call-in-flight"
	EventToolCallResolved  EventType = "tool-call-resolved"
	EventToolCallFailed    EventType = "tool-call-failed"

	// EventData carries out-of-band control payloads.
	EventData EventType = "data"

	EventFinish EventType = "finish"
	EventError  EventType = "error"
)

// Opaque messages sent to clients on abnormal termination.
const (
	ErrorMessage     = "Oops, an error occurred!"
	CancelledMessage = "The request was cancelled."
)

// ControlNewChatCreated announces that a conversation id was allocated.
const ControlNewChatCreated = "NEW_CHAT_CREATED"

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("stream closed")

// Event is one entry of the stream.
type Event struct {
	Type         EventType        `json:"type"`
	TextDelta    string           `json:"textDelta,omitempty"`
	ToolCall     *domain.ToolCall `json:"toolCall,omitempty"`
	Data         any              `json:"data,omitempty"`
	FinishReason string           `json:"finishReason,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// IsTerminal reports whether the event ends the stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventFinish || e.Type == EventError
}

// NewChatCreated is the control payload sent when a new conversation id is used.
type NewChatCreated struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// NewChatCreatedEvent builds the control event for chatID.
func NewChatCreatedEvent(chatID string) Event {
	return Event{Type: EventData, Data: NewChatCreated{Type: ControlNewChatCreated, ChatID: chatID}}
}

// Stream is an ordered single-producer, single-consumer event channel.
// The consumer must drain Events until it is closed.
type Stream struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// New creates a stream with the given buffer size.
func New(buffer int) *Stream {
	if buffer < 0 {
		buffer = 0
	}
	return &Stream{ch: make(chan Event, buffer)}
}

// Events returns the consumer side of the stream.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Send appends ev. Terminal events are reserved for Close.
func (s *Stream) Send(ev Event) error {
	if ev.IsTerminal() {
		return errors.New("terminal events are emitted by Close")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.ch <- ev
	return nil
}

// Close appends the terminal event and closes the channel. A nil err ends
// the stream with finish/reason; otherwise an opaque error event is sent.
// Calls after the first are no-ops and report false.
func (s *Stream) Close(reason string, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true

	switch {
	case err == nil:
		s.ch <- Event{Type: EventFinish, FinishReason: reason}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.ch <- Event{Type: EventError, Error: CancelledMessage}
	default:
		s.ch <- Event{Type: EventError, Error: ErrorMessage}
	}
	close(s.ch)
	return true
}

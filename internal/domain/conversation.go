package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// TitleMaxRunes bounds the display title derived from a user message.
const TitleMaxRunes = 50

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// PartKind tags the variant held by a Part.
type PartKind string

const (
	PartText     PartKind = "text"
	PartToolCall PartKind = "tool-call"
)

// ToolCallState is the lifecycle position of a tool call.
type ToolCallState string

const (
	ToolCallRequested ToolCallState = "requested"
	ToolCallInFlight  ToolCallState = "in-flight"
	ToolCallResolved  ToolCallState = "resolved"
	ToolCallFailed    ToolCallState = "failed"
)

func (s ToolCallState) rank() int {
	switch s {
	case ToolCallRequested:
		return 1
	case ToolCallInFlight:
		return 2
	case ToolCallResolved, ToolCallFailed:
		return 3
	default:
		return 0
	}
}

// Terminal reports whether no further transition is possible.
func (s ToolCallState) Terminal() bool {
	return s == ToolCallResolved || s == ToolCallFailed
}

// ToolCall records one tool invocation and its outcome.
type ToolCall struct {
	ID     string          `json:"toolCallId"`
	Name   string          `json:"toolName"`
	Args   map[string]any  `json:"args,omitempty"`
	State  ToolCallState   `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Advance moves the call forward to next. Transitions never regress and a
// resolved or failed call is frozen.
func (c *ToolCall) Advance(next ToolCallState) error {
	if next.rank() == 0 {
		return fmt.Errorf("unknown tool call state %q", next)
	}
	if c.State.Terminal() || next.rank() <= c.State.rank() {
		return fmt.Errorf("tool call %s: invalid transition %q -> %q", c.ID, c.State, next)
	}
	c.State = next
	return nil
}

// Resolve advances the call to resolved and attaches its result.
func (c *ToolCall) Resolve(result json.RawMessage) error {
	if err := c.Advance(ToolCallResolved); err != nil {
		return err
	}
	c.Result = append(json.RawMessage(nil), result...)
	return nil
}

// Fail advances the call to failed with a description of the error.
func (c *ToolCall) Fail(description string) error {
	if err := c.Advance(ToolCallFailed); err != nil {
		return err
	}
	c.Error = description
	return nil
}

// Clone returns a deep copy of the call.
func (c ToolCall) Clone() ToolCall {
	out := c
	if c.Args != nil {
		out.Args = cloneMap(c.Args)
	}
	if c.Result != nil {
		out.Result = append(json.RawMessage(nil), c.Result...)
	}
	return out
}

// Part is the smallest unit of message content.
type Part struct {
	Type     PartKind  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"toolCall,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// Validate checks the variant is internally consistent.
func (p Part) Validate() error {
	switch p.Type {
	case PartText:
		if p.ToolCall != nil {
			return fmt.Errorf("text part carries a tool call")
		}
	case PartToolCall:
		if p.ToolCall == nil {
			return fmt.Errorf("tool-call part without tool call")
		}
		if p.ToolCall.Name == "" {
			return fmt.Errorf("tool-call part without tool name")
		}
	default:
		return fmt.Errorf("unknown part type %q", p.Type)
	}
	return nil
}

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	out := p
	if p.ToolCall != nil {
		tc := p.ToolCall.Clone()
		out.ToolCall = &tc
	}
	return out
}

// Message is one entry of a conversation.
type Message struct {
	ID       string `json:"id,omitempty"`
	Role     Role   `json:"role"`
	Parts    []Part `json:"parts"`
	Position int    `json:"-"`
}

// Text concatenates the message's text parts in order.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool-call parts of the message.
func (m Message) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// Validate checks the role and every part.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	for i, p := range m.Parts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.Parts != nil {
		out.Parts = make([]Part, len(m.Parts))
		for i := range m.Parts {
			out.Parts[i] = m.Parts[i].Clone()
		}
	}
	return out
}

// CloneMessages deep-copies a message slice.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// Conversation is a persisted chat owned by exactly one user.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"-"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DeriveTitle builds a display title from the most recent user message.
func DeriveTitle(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(messages[i].Text()), " ")
		if text == "" {
			continue
		}
		if utf8.RuneCountInString(text) <= TitleMaxRunes {
			return text
		}
		runes := []rune(text)
		return strings.TrimSpace(string(runes[:TitleMaxRunes])) + "..."
	}
	return "New chat"
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = cloneMap(tv)
		case []any:
			cp := make([]any, len(tv))
			copy(cp, tv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

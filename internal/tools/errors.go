package tools

import (
	"errors"
	"fmt"
)

// Sentinel errors for the tool registry.
var (
	ErrNilTool       = errors.New("tool is nil")
	ErrEmptyName     = errors.New("tool name is empty")
	ErrAlreadyExists = errors.New("tool already registered")
	ErrUnknownTool   = errors.New("tool not found")
	ErrCancelled     = errors.New("tool call cancelled")
	ErrInvalidSchema = errors.New("invalid tool schema")
)

// ValidationError reports arguments that do not match a tool's schema.
type ValidationError struct {
	Argument string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Argument == "" {
		return "invalid arguments: " + e.Reason
	}
	return fmt.Sprintf("invalid argument %q: %s", e.Argument, e.Reason)
}

// InvocationError wraps a failure reported by the external capability.
type InvocationError struct {
	Tool string
	Err  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// Package tools exposes external capabilities to the agent loop behind a
// uniform name -> (arguments -> result) contract.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Definition declares a tool to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool is a callable capability. Invoke receives arguments that already
// passed schema validation.
type Tool interface {
	Definition() Definition
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Registry maps tool names to tools. It is immutable after construction.
type Registry struct {
	tools map[string]Tool
	defs  []Definition
}

// NewRegistry validates and indexes the given tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			return nil, ErrNilTool
		}
		def := t.Definition()
		if def.Name == "" {
			return nil, ErrEmptyName
		}
		if _, exists := r.tools[def.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, def.Name)
		}
		if err := checkSchema(def.Parameters); err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Name, err)
		}
		r.tools[def.Name] = t
		r.defs = append(r.defs, def)
	}
	sort.Slice(r.defs, func(i, j int) bool { return r.defs[i].Name < r.defs[j].Name })
	return r, nil
}

// Definitions returns the registered tool definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Invoke validates args against the tool's schema and runs it.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if err := validateArguments(t.Definition().Parameters, args); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}

	result, err := t.Invoke(ctx, args)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: tool %s: %w", ErrCancelled, name, err)
		}
		return nil, &InvocationError{Tool: name, Err: err}
	}
	return result, nil
}

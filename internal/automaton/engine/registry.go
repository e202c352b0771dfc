package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/automatonhq/automaton/internal/automaton/providers"
)

// ErrToolUnknown is recorded on a call whose name matches no registered tool.
var ErrToolUnknown = errors.New("unknown tool")

// ToolFunc executes one tool call. args has already passed schema validation.
type ToolFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is one registered capability the model may invoke. TrustBoundary
// marks outbound actions (transfer, spawn, publish) that the engine rate
// limits to one per turn.
type Tool struct {
	Name          string
	Description   string
	Schema        string // JSON schema for the arguments object
	TrustBoundary bool
	Run           ToolFunc

	compiled *jsonschema.Schema
}

// Registry holds the tool set advertised to the model. Arguments from the
// model are free-form JSON; the registry is the single place they are
// validated before any side effect.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register compiles the tool's schema and adds it. Duplicate names and
// invalid schemas are programming errors surfaced at startup.
func (r *Registry) Register(t *Tool) error {
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Name)
	}
	compiled, err := jsonschema.CompileString(t.Name+".json", t.Schema)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
	}
	t.compiled = compiled
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Specs returns the tool specifications in registration order, for the
// inference request.
func (r *Registry) Specs() []providers.ToolSpec {
	specs := make([]providers.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, providers.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      json.RawMessage(t.Schema),
		})
	}
	return specs
}

// Lookup returns the registered tool, if any.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Dispatch validates the call's arguments against the tool's schema and
// executes it. An unknown name returns ErrToolUnknown; malformed or
// non-conforming arguments fail before any side effect.
func (r *Registry) Dispatch(ctx context.Context, call providers.ToolCall) (string, error) {
	t, ok := r.tools[call.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolUnknown, call.Name)
	}

	raw := call.Arguments
	if raw == "" {
		raw = "{}"
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return "", fmt.Errorf("tool %s: malformed arguments: %w", call.Name, err)
	}
	if err := t.compiled.Validate(decoded); err != nil {
		return "", fmt.Errorf("tool %s: invalid arguments: %w", call.Name, err)
	}

	return t.Run(ctx, json.RawMessage(raw))
}

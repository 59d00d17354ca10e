// Package specialist turns a routed user message into a candidate response.
// Each specialist owns a prompt template and a deterministic fallback table
// used whenever the generation capability fails.
package specialist

import (
	"context"
	"errors"
	"fmt"

	"github.com/normanking/edubuddy/internal/registry"
	"github.com/normanking/edubuddy/pkg/types"
)

// ErrNoHandler is returned when a Set has no handler for a specialist.
var ErrNoHandler = errors.New("no handler for specialist")

// GenerateRequest is one prompt sent to a generation capability.
type GenerateRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Generator produces text from a prompt. It is bound to one model.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GeneratorFactory builds a Generator for a resolved configuration.
type GeneratorFactory func(cfg registry.AgentConfig) (Generator, error)

// Resolver yields the effective configuration for a specialist and user.
type Resolver interface {
	ResolveAgentConfig(sp types.Specialist, userID string) registry.AgentConfig
}

// TurnContext is the per-turn context a prompt may incorporate.
type TurnContext struct {
	UserID  string
	Grade   string
	Emotion string
	History []types.Turn
}

// Candidate is a specialist's proposed response before safety review.
type Candidate struct {
	Text       string
	Specialist types.Specialist
	Model      string
	Version    string
	Experiment string
	Variant    string

	// Fallback is set when Text came from the rule table.
	Fallback bool
	// Err is the generation failure that caused the fallback, if any.
	Err error
}

// Handler generates a candidate for one specialist kind. Generate never
// returns empty text.
type Handler interface {
	Kind() types.Specialist
	Generate(ctx context.Context, text string, tc TurnContext) Candidate
}

// Set maps specialist kinds to handlers.
type Set struct {
	handlers map[types.Specialist]Handler
}

// NewSet builds a Set from handlers. Later handlers replace earlier ones of
// the same kind.
func NewSet(handlers ...Handler) *Set {
	s := &Set{handlers: make(map[types.Specialist]Handler, len(handlers))}
	for _, h := range handlers {
		s.handlers[h.Kind()] = h
	}
	return s
}

// Get returns the handler for sp.
func (s *Set) Get(sp types.Specialist) (Handler, error) {
	h, ok := s.handlers[sp]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, sp)
	}
	return h, nil
}

// Kinds returns the specialists with a handler, in canonical order.
func (s *Set) Kinds() []types.Specialist {
	var out []types.Specialist
	for _, sp := range types.AllSpecialists() {
		if _, ok := s.handlers[sp]; ok {
			out = append(out, sp)
		}
	}
	return out
}

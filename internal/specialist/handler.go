package specialist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/normanking/edubuddy/internal/registry"
	"github.com/normanking/edubuddy/pkg/types"
	"github.com/rs/zerolog"
)

// ErrEmptyOutput is recorded when a generator returns only whitespace.
var ErrEmptyOutput = errors.New("generator returned empty output")

type handler struct {
	kind     types.Specialist
	resolver Resolver
	factory  GeneratorFactory
	prompt   promptTemplate
	fallback fallbackTable
	log      zerolog.Logger

	mu          sync.Mutex
	cachedModel string
	generator   Generator
}

// Option configures a handler.
type Option func(*handler)

// WithLogger sets the handler logger.
func WithLogger(log zerolog.Logger) Option {
	return func(h *handler) { h.log = log }
}

// NewEducation creates the education specialist.
func NewEducation(resolver Resolver, factory GeneratorFactory, opts ...Option) Handler {
	return newHandler(types.SpecialistEducation, educationPrompt, educationFallback, resolver, factory, opts)
}

// NewEmotion creates the emotion specialist.
func NewEmotion(resolver Resolver, factory GeneratorFactory, opts ...Option) Handler {
	return newHandler(types.SpecialistEmotion, emotionPrompt, emotionFallback, resolver, factory, opts)
}

// NewDefaultSet creates a Set with every built-in specialist.
func NewDefaultSet(resolver Resolver, factory GeneratorFactory, opts ...Option) *Set {
	return NewSet(
		NewEducation(resolver, factory, opts...),
		NewEmotion(resolver, factory, opts...),
	)
}

func newHandler(kind types.Specialist, p promptTemplate, f fallbackTable, resolver Resolver, factory GeneratorFactory, opts []Option) *handler {
	h := &handler{
		kind:     kind,
		resolver: resolver,
		factory:  factory,
		prompt:   p,
		fallback: f,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *handler) Kind() types.Specialist { return h.kind }

// Generate resolves the configuration, calls the generator under a timeout
// and falls back to the rule table on any failure.
func (h *handler) Generate(ctx context.Context, text string, tc TurnContext) Candidate {
	cfg := h.resolver.ResolveAgentConfig(h.kind, tc.UserID)
	cand := Candidate{
		Specialist: h.kind,
		Model:      cfg.Model,
		Version:    cfg.Version,
		Experiment: cfg.Experiment,
		Variant:    cfg.Variant,
	}

	out, err := h.generate(ctx, text, tc, cfg)
	if err == nil {
		cand.Text = out
		return cand
	}

	h.log.Warn().
		Err(err).
		Str("specialist", h.kind.String()).
		Str("model", cfg.Model).
		Msg("generation failed, using fallback reply")

	cand.Text = h.fallback.reply(text, tc.Emotion)
	cand.Fallback = true
	cand.Err = err
	return cand
}

// generate runs the generator in its own goroutine so one that ignores ctx
// still returns within the timeout.
func (h *handler) generate(ctx context.Context, text string, tc TurnContext, cfg registry.AgentConfig) (out string, err error) {
	gen, err := h.generatorFor(cfg)
	if err != nil {
		return "", err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = registry.DefaultGenerationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)

	system, prompt := h.prompt.render(text, tc)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("generator panic: %v", p)}
			}
		}()
		o, err := gen.Generate(ctx, GenerateRequest{
			System:      system,
			Prompt:      prompt,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		done <- outcome{out: o, err: err}
	}()

	select {
	case o := <-done:
		out, err = o.out, o.err
	case <-ctx.Done():
		return "", fmt.Errorf("generation: %w", ctx.Err())
	}
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyOutput
	}
	return out, nil
}

// generatorFor returns the cached generator, rebuilding it when the resolved
// provider or model differs from the cached one.
func (h *handler) generatorFor(cfg registry.AgentConfig) (Generator, error) {
	key := cfg.Provider + "/" + cfg.Model

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.generator != nil && h.cachedModel == key {
		return h.generator, nil
	}
	if h.factory == nil {
		return nil, errors.New("no generator factory configured")
	}

	gen, err := h.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("build generator for %s: %w", cfg.Model, err)
	}
	if h.generator != nil {
		h.log.Info().
			Str("specialist", h.kind.String()).
			Str("from", h.cachedModel).
			Str("to", key).
			Msg("model changed, generator rebuilt")
	}
	h.generator = gen
	h.cachedModel = key
	return gen, nil
}

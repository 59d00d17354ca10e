// Package safety decides whether a candidate response may reach the user.
//
// Review applies keyword, pattern and length rules in that order and stops at
// the first match. When the rules pass and a SemanticChecker is configured,
// its answer is authoritative. If the checker errors, times out or returns
// something unusable, the gate keeps the rule verdict and flags the result as
// degraded. It never approves text the rules caught and never blocks only
// because the checker was unavailable.
//
// Review has no side effects. Substituting the safe message and recording the
// violation are the caller's job.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/edubuddy/pkg/types"
)

// DefaultSemanticTimeout bounds one semantic check.
const DefaultSemanticTimeout = 5 * time.Second

// Source identifies which check produced a verdict.
type Source string

const (
	SourceRules    Source = "rules"
	SourceSemantic Source = "semantic"
)

// Result is the outcome of one review.
type Result struct {
	Verdict  types.Verdict
	Reason   string
	Source   Source
	Degraded bool
	// CheckErr is the semantic check failure behind a degraded result.
	CheckErr error
}

// Approved reports whether the candidate may be shown.
func (r Result) Approved() bool {
	return r.Verdict == types.VerdictApproved
}

// SemanticVerdict is a semantic checker's classification.
type SemanticVerdict struct {
	Safe   bool
	Reason string
}

// SemanticChecker classifies text beyond the rule-based checks.
type SemanticChecker interface {
	Classify(ctx context.Context, text string) (SemanticVerdict, error)
}

// Gate reviews candidate responses.
type Gate struct {
	mu    sync.RWMutex
	rules *compiledRules
	raw   Rules

	checker SemanticChecker
	timeout time.Duration
	log     zerolog.Logger
}

// Option is a functional option for configuring Gate.
type Option func(*Gate)

// WithSemanticChecker enables the secondary check.
func WithSemanticChecker(c SemanticChecker) Option {
	return func(g *Gate) {
		g.checker = c
	}
}

// WithSemanticTimeout bounds each semantic check.
func WithSemanticTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets the gate logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gate) {
		g.log = logger
	}
}

// NewGate compiles rules and builds a Gate.
func NewGate(rules Rules, opts ...Option) (*Gate, error) {
	compiled, err := compile(rules)
	if err != nil {
		return nil, err
	}
	g := &Gate{
		rules:   compiled,
		raw:     rules,
		timeout: DefaultSemanticTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// UpdateRules swaps the rule set. On a compile error the old rules stay.
func (g *Gate) UpdateRules(rules Rules) error {
	compiled, err := compile(rules)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.rules = compiled
	g.raw = rules
	g.mu.Unlock()

	g.log.Info().
		Int("keywords", len(compiled.keywords)).
		Int("patterns", len(compiled.patterns)).
		Int("max_length", compiled.maxLength).
		Msg("safety rules updated")
	return nil
}

// Rules returns the rule set currently in force.
func (g *Gate) Rules() Rules {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.raw
}

// Review evaluates text.
func (g *Gate) Review(ctx context.Context, text string) Result {
	g.mu.RLock()
	rules := g.rules
	g.mu.RUnlock()

	if reason := rules.check(text); reason != "" {
		return Result{Verdict: types.VerdictRejected, Reason: reason, Source: SourceRules}
	}

	ruleResult := Result{Verdict: types.VerdictApproved, Source: SourceRules}
	if g.checker == nil {
		return ruleResult
	}

	verdict, err := g.classify(ctx, text)
	if err != nil {
		g.log.Warn().Err(err).Msg("semantic safety check unavailable, using rule verdict")
		ruleResult.Degraded = true
		ruleResult.CheckErr = err
		return ruleResult
	}

	if verdict.Safe {
		return Result{Verdict: types.VerdictApproved, Source: SourceSemantic}
	}
	reason := verdict.Reason
	if reason == "" {
		reason = "semantic"
	}
	return Result{Verdict: types.VerdictRejected, Reason: reason, Source: SourceSemantic}
}

// classify runs the checker under the gate timeout. The checker runs in its
// own goroutine so one that ignores ctx still cannot stall the turn.
func (g *Gate) classify(ctx context.Context, text string) (SemanticVerdict, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type outcome struct {
		verdict SemanticVerdict
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("semantic checker panic: %v", p)}
			}
		}()
		v, err := g.checker.Classify(ctx, text)
		done <- outcome{verdict: v, err: err}
	}()

	select {
	case o := <-done:
		return o.verdict, o.err
	case <-ctx.Done():
		return SemanticVerdict{}, fmt.Errorf("semantic check: %w", ctx.Err())
	}
}

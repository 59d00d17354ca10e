// Package router selects the specialist that answers a turn.
//
// Each specialist owns a fixed set of trigger keywords. A turn is scored by
// counting the keywords it contains and the strictly highest score wins; ties,
// empty input and zero scores go to the configured default. Routing is a pure
// function of the text and the tables, so it never fails at request time.
// Every configuration problem is reported by New.
package router

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/edubuddy/pkg/types"
)

// ErrUnknownSpecialist is returned by New when a keyword table or the default
// names a specialist that does not exist.
var ErrUnknownSpecialist = errors.New("unknown specialist")

// Config holds the routing tables keyed by specialist name.
type Config struct {
	Default  string              `mapstructure:"default" yaml:"default"`
	Keywords map[string][]string `mapstructure:"keywords" yaml:"keywords"`
}

// Decision is the outcome of routing one input.
type Decision struct {
	Specialist  types.Specialist
	Scores      map[types.Specialist]int
	Matched     map[types.Specialist][]string
	UsedDefault bool
	Duration    time.Duration
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64
	DefaultHits   int64
	Distribution  map[types.Specialist]int64
}

// IntentRouter scores input against per-specialist keyword tables.
type IntentRouter struct {
	order    []types.Specialist
	keywords map[types.Specialist][]string
	fallback types.Specialist
	log      zerolog.Logger

	// Statistics (thread-safe)
	stats Stats
	mu    sync.Mutex
}

// Option is a functional option for configuring IntentRouter.
type Option func(*IntentRouter)

// WithLogger sets the logger used for routing decisions.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *IntentRouter) {
		r.log = logger
	}
}

// New builds a router from cfg. Unknown specialist names are rejected here so
// Route can never encounter them.
func New(cfg Config, opts ...Option) (*IntentRouter, error) {
	fallback := types.Specialist(strings.TrimSpace(cfg.Default))
	if !fallback.IsValid() {
		return nil, fmt.Errorf("default specialist %q: %w", cfg.Default, ErrUnknownSpecialist)
	}

	r := &IntentRouter{
		keywords: make(map[types.Specialist][]string, len(cfg.Keywords)),
		fallback: fallback,
		log:      zerolog.Nop(),
		stats: Stats{
			Distribution: make(map[types.Specialist]int64),
		},
	}

	for name, words := range cfg.Keywords {
		sp := types.Specialist(strings.ToLower(strings.TrimSpace(name)))
		if !sp.IsValid() {
			return nil, fmt.Errorf("keyword table %q: %w", name, ErrUnknownSpecialist)
		}
		lowered := make([]string, 0, len(words))
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				lowered = append(lowered, w)
			}
		}
		r.keywords[sp] = lowered
	}

	// Score in declaration order so decisions do not depend on map iteration.
	for _, sp := range types.AllSpecialists() {
		if _, ok := r.keywords[sp]; ok {
			r.order = append(r.order, sp)
		}
	}

	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Default returns the specialist used for ties and unmatched input.
func (r *IntentRouter) Default() types.Specialist {
	return r.fallback
}

// Route selects exactly one specialist for text.
func (r *IntentRouter) Route(text string) Decision {
	start := time.Now()
	d := Decision{
		Scores:  make(map[types.Specialist]int, len(r.order)),
		Matched: make(map[types.Specialist][]string, len(r.order)),
	}

	lower := strings.ToLower(text)
	best, bestScore, tied := r.fallback, 0, false

	if strings.TrimSpace(lower) != "" {
		for _, sp := range r.order {
			score := 0
			for _, kw := range r.keywords[sp] {
				if strings.Contains(lower, kw) {
					score++
					d.Matched[sp] = append(d.Matched[sp], kw)
				}
			}
			d.Scores[sp] = score

			switch {
			case score > bestScore:
				best, bestScore, tied = sp, score, false
			case score == bestScore && score > 0:
				tied = true
			}
		}
	}

	if bestScore == 0 || tied {
		d.Specialist = r.fallback
		d.UsedDefault = true
	} else {
		d.Specialist = best
	}
	d.Duration = time.Since(start)

	r.mu.Lock()
	r.stats.TotalRequests++
	if d.UsedDefault {
		r.stats.DefaultHits++
	}
	r.stats.Distribution[d.Specialist]++
	r.mu.Unlock()

	r.log.Debug().
		Str("specialist", d.Specialist.String()).
		Bool("used_default", d.UsedDefault).
		Interface("scores", d.Scores).
		Msg("routed turn")

	return d
}

// Stats returns a copy of the current routing statistics.
func (r *IntentRouter) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	distCopy := make(map[types.Specialist]int64, len(r.stats.Distribution))
	for k, v := range r.stats.Distribution {
		distCopy[k] = v
	}
	return Stats{
		TotalRequests: r.stats.TotalRequests,
		DefaultHits:   r.stats.DefaultHits,
		Distribution:  distCopy,
	}
}

// ResetStats resets all routing statistics.
func (r *IntentRouter) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.TotalRequests = 0
	r.stats.DefaultHits = 0
	r.stats.Distribution = make(map[types.Specialist]int64)
}

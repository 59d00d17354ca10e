package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// trafficTolerance is how far the variant shares may drift from 100.
const trafficTolerance = 1.0

// Variant is one configuration alternative inside an experiment.
type Variant struct {
	Name         string   `json:"name" yaml:"name"`
	Model        string   `json:"model" yaml:"model"`
	Temperature  *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	TrafficShare float64  `json:"traffic_share" yaml:"traffic_share"`
}

// Experiment splits traffic between variants. The split is validated once
// at start and never re-checked.
type Experiment struct {
	Name      string     `json:"name"`
	Variants  []Variant  `json:"variants"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	Active    bool       `json:"active"`
}

// StartExperiment validates variants and stores name as an active
// experiment, replacing any earlier experiment with the same name. On any
// validation or persistence error the previous state is untouched.
func (r *Registry) StartExperiment(ctx context.Context, name string, variants []Variant) (Experiment, error) {
	name = strings.TrimSpace(name)
	if err := validateExperiment(name, variants); err != nil {
		return Experiment{}, err
	}

	exp := Experiment{
		Name:      name,
		Variants:  copyVariants(variants),
		StartedAt: r.now().UTC(),
		Active:    true,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.persistExperiment(ctx, exp); err != nil {
		return Experiment{}, err
	}
	r.experiments[name] = exp

	r.log.Info().Str("experiment", name).Int("variants", len(variants)).Msg("experiment started")
	return copyExperiment(exp), nil
}

func validateExperiment(name string, variants []Variant) error {
	if name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("name %q: %w", name, ErrInvalidExperiment)
	}
	if len(variants) == 0 {
		return fmt.Errorf("%s has no variants: %w", name, ErrInvalidExperiment)
	}

	seen := make(map[string]bool, len(variants))
	total := 0.0
	for _, v := range variants {
		switch {
		case strings.TrimSpace(v.Name) == "":
			return fmt.Errorf("%s: unnamed variant: %w", name, ErrInvalidExperiment)
		case seen[v.Name]:
			return fmt.Errorf("%s: duplicate variant %q: %w", name, v.Name, ErrInvalidExperiment)
		case strings.TrimSpace(v.Model) == "":
			return fmt.Errorf("%s: variant %q has no model: %w", name, v.Name, ErrInvalidExperiment)
		case v.TrafficShare < 0 || math.IsNaN(v.TrafficShare):
			return fmt.Errorf("%s: variant %q share %v: %w", name, v.Name, v.TrafficShare, ErrInvalidTrafficSplit)
		}
		seen[v.Name] = true
		total += v.TrafficShare
	}
	if math.Abs(total-100) > trafficTolerance {
		return fmt.Errorf("%s: shares sum to %v: %w", name, total, ErrInvalidTrafficSplit)
	}
	return nil
}

// StopExperiment marks name inactive. Its definition is kept.
func (r *Registry) StopExperiment(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp, ok := r.experiments[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrExperimentNotFound)
	}
	return r.stopLocked(ctx, exp)
}

func (r *Registry) stopLocked(ctx context.Context, exp Experiment) error {
	if !exp.Active {
		return nil
	}
	next := copyExperiment(exp)
	next.Active = false
	stopped := r.now().UTC()
	next.StoppedAt = &stopped

	if err := r.persistExperiment(ctx, next); err != nil {
		return err
	}
	r.experiments[next.Name] = next

	r.log.Info().Str("experiment", next.Name).Msg("experiment stopped")
	return nil
}

// ExpireExperiments stops every active experiment started more than maxAge
// before now and returns the names it stopped.
func (r *Registry) ExpireExperiments(ctx context.Context, now time.Time, maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var stopped []string
	for _, exp := range r.sortedLocked() {
		if !exp.Active || now.Sub(exp.StartedAt) <= maxAge {
			continue
		}
		if err := r.stopLocked(ctx, exp); err != nil {
			return stopped, err
		}
		stopped = append(stopped, exp.Name)
	}
	return stopped, nil
}

// SelectVariant deterministically assigns userID to one of the experiment's
// variants. It returns false when the experiment is unknown or inactive.
func (r *Registry) SelectVariant(name, userID string) (Variant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exp, ok := r.experiments[name]
	if !ok || !exp.Active {
		return Variant{}, false
	}
	return selectVariant(exp, userID)
}

// Bucket maps a user to a traffic position in [0, 100) for an experiment.
func Bucket(experiment, userID string) int {
	return int(xxhash.Sum64String(experiment+":"+userID) % 100)
}

// selectVariant walks variants in declaration order with half-open
// cumulative ranges. Bucket mass not covered by the shares goes to the last
// variant.
func selectVariant(exp Experiment, userID string) (Variant, bool) {
	if len(exp.Variants) == 0 {
		return Variant{}, false
	}

	pos := float64(Bucket(exp.Name, userID))
	cumulative := 0.0
	for _, v := range exp.Variants {
		cumulative += v.TrafficShare
		if pos < cumulative {
			return copyVariant(v), true
		}
	}
	return copyVariant(exp.Variants[len(exp.Variants)-1]), true
}

// Experiment returns the named experiment.
func (r *Registry) Experiment(name string) (Experiment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exp, ok := r.experiments[name]
	if !ok {
		return Experiment{}, false
	}
	return copyExperiment(exp), true
}

// Experiments returns every experiment ordered by start time.
func (r *Registry) Experiments() []Experiment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sorted := r.sortedLocked()
	for i := range sorted {
		sorted[i] = copyExperiment(sorted[i])
	}
	return sorted
}

// sortedLocked returns experiments ordered by start time, then name.
func (r *Registry) sortedLocked() []Experiment {
	out := make([]Experiment, 0, len(r.experiments))
	for _, exp := range r.experiments {
		out = append(out, exp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func copyExperiment(exp Experiment) Experiment {
	exp.Variants = copyVariants(exp.Variants)
	if exp.StoppedAt != nil {
		t := *exp.StoppedAt
		exp.StoppedAt = &t
	}
	return exp
}

func copyVariants(vs []Variant) []Variant {
	out := make([]Variant, len(vs))
	for i, v := range vs {
		out[i] = copyVariant(v)
	}
	return out
}

func copyVariant(v Variant) Variant {
	if v.Temperature != nil {
		t := *v.Temperature
		v.Temperature = &t
	}
	return v
}

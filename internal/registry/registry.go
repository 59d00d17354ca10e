// Package registry owns model versions and traffic-split experiments, and
// resolves the generation configuration each specialist uses per request.
//
// All state lives behind one RWMutex. Mutations build a new copy of the
// affected collection, persist it through the record store and only then
// publish it, so a failed write leaves the registry exactly as it was and
// readers never see a half-applied transition.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/edubuddy/internal/store"
	"github.com/normanking/edubuddy/pkg/types"
)

var (
	ErrModelNotFound       = errors.New("model not found")
	ErrVersionNotFound     = errors.New("version not found")
	ErrRollbackOutOfRange  = errors.New("rollback out of range")
	ErrExperimentNotFound  = errors.New("experiment not found")
	ErrInvalidTrafficSplit = errors.New("traffic shares must sum to 100 (±1)")
	ErrInvalidExperiment   = errors.New("invalid experiment")
	ErrInvalidModelName    = errors.New("invalid model name")
)

// ModelVersion is one registered artifact of a logical model.
type ModelVersion struct {
	ID        string             `json:"id"`
	Model     string             `json:"model"`
	Artifact  string             `json:"artifact"`
	CreatedAt time.Time          `json:"created_at"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Active    bool               `json:"active"`
}

// Registry holds model versions, experiments and specialist base configs.
type Registry struct {
	mu          sync.RWMutex
	versions    map[string][]ModelVersion
	experiments map[string]Experiment
	base        map[types.Specialist]BaseConfig

	store store.RecordStore
	log   zerolog.Logger
	now   func() time.Time
}

// Option is a functional option for configuring Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.log = logger
	}
}

// WithBaseConfigs sets the static per-specialist configuration.
func WithBaseConfigs(base map[types.Specialist]BaseConfig) Option {
	return func(r *Registry) {
		r.base = copyBase(base)
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a Registry. A nil store keeps state in memory only.
func New(st store.RecordStore, opts ...Option) *Registry {
	r := &Registry{
		versions:    make(map[string][]ModelVersion),
		experiments: make(map[string]Experiment),
		base:        DefaultBaseConfigs(),
		store:       st,
		log:         zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load restores versions and experiments from the record store, replacing
// any in-memory state.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	versions := make(map[string][]ModelVersion)
	keys, err := r.store.Keys(ctx, store.PrefixVersions)
	if err != nil {
		return fmt.Errorf("list model versions: %w", err)
	}
	for _, key := range keys {
		records, err := r.store.Read(ctx, key, 0)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		model := strings.TrimPrefix(key, store.PrefixVersions)
		list := make([]ModelVersion, 0, len(records))
		for _, rec := range records {
			var v ModelVersion
			if err := json.Unmarshal(rec, &v); err != nil {
				return fmt.Errorf("decode version in %s: %w", key, err)
			}
			list = append(list, v)
		}
		versions[model] = normalizeActive(list)
	}

	experiments := make(map[string]Experiment)
	keys, err = r.store.Keys(ctx, store.PrefixExperiments)
	if err != nil {
		return fmt.Errorf("list experiments: %w", err)
	}
	for _, key := range keys {
		records, err := r.store.Read(ctx, key, 1)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		if len(records) == 0 {
			continue
		}
		var exp Experiment
		if err := json.Unmarshal(records[0], &exp); err != nil {
			return fmt.Errorf("decode experiment in %s: %w", key, err)
		}
		experiments[exp.Name] = exp
	}

	r.mu.Lock()
	r.versions = versions
	r.experiments = experiments
	r.mu.Unlock()

	r.log.Info().
		Int("models", len(versions)).
		Int("experiments", len(experiments)).
		Msg("registry loaded")
	return nil
}

// normalizeActive keeps only the last version flagged active.
func normalizeActive(list []ModelVersion) []ModelVersion {
	last := -1
	for i := range list {
		if list[i].Active {
			last = i
		}
	}
	for i := range list {
		list[i].Active = i == last
	}
	return list
}

func (r *Registry) persistVersions(ctx context.Context, model string, list []ModelVersion) error {
	if r.store == nil {
		return nil
	}
	records := make([][]byte, 0, len(list))
	for _, v := range list {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode version %s: %w", v.ID, err)
		}
		records = append(records, data)
	}
	if err := r.store.Overwrite(ctx, store.VersionsKey(model), records); err != nil {
		return fmt.Errorf("persist versions for %s: %w", model, err)
	}
	return nil
}

func (r *Registry) persistExperiment(ctx context.Context, exp Experiment) error {
	if r.store == nil {
		return nil
	}
	data, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("encode experiment %s: %w", exp.Name, err)
	}
	if err := r.store.Overwrite(ctx, store.ExperimentKey(exp.Name), [][]byte{data}); err != nil {
		return fmt.Errorf("persist experiment %s: %w", exp.Name, err)
	}
	return nil
}

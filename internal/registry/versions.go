package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/normanking/edubuddy/pkg/types"
)

// Register appends a new, inactive version of model.
func (r *Registry) Register(ctx context.Context, model, artifact string, metrics map[string]float64) (ModelVersion, error) {
	model = strings.TrimSpace(model)
	if model == "" || strings.Contains(model, "/") {
		return ModelVersion{}, fmt.Errorf("%q: %w", model, ErrInvalidModelName)
	}

	v := ModelVersion{
		ID:        types.NewID(),
		Model:     model,
		Artifact:  artifact,
		CreatedAt: r.now().UTC(),
		Metrics:   copyMetrics(metrics),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.versions[model]
	next := make([]ModelVersion, len(current), len(current)+1)
	copy(next, current)
	next = append(next, v)

	if err := r.persistVersions(ctx, model, next); err != nil {
		return ModelVersion{}, err
	}
	r.versions[model] = next

	r.log.Info().Str("model", model).Str("version", v.ID).Str("artifact", artifact).Msg("model version registered")
	return copyVersion(v), nil
}

// Activate marks versionID as the only active version of model.
func (r *Registry) Activate(ctx context.Context, model, versionID string) (ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.versions[model]
	if !ok {
		return ModelVersion{}, fmt.Errorf("%s: %w", model, ErrModelNotFound)
	}
	idx := -1
	for i, v := range current {
		if v.ID == versionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ModelVersion{}, fmt.Errorf("%s@%s: %w", model, versionID, ErrVersionNotFound)
	}
	return r.activateIndex(ctx, model, current, idx)
}

// Rollback activates the version steps positions before the current one.
// The current version is the active one, or the newest when none is active.
// It fails when the model has no more than steps versions or when the current
// version is already the oldest.
func (r *Registry) Rollback(ctx context.Context, model string, steps int) (ModelVersion, error) {
	if steps < 1 {
		return ModelVersion{}, fmt.Errorf("steps %d: %w", steps, ErrRollbackOutOfRange)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.versions[model]
	if !ok {
		return ModelVersion{}, fmt.Errorf("%s: %w", model, ErrModelNotFound)
	}
	if len(current) <= steps {
		return ModelVersion{}, fmt.Errorf("%s has %d versions, cannot roll back %d: %w",
			model, len(current), steps, ErrRollbackOutOfRange)
	}

	cur := len(current) - 1
	for i, v := range current {
		if v.Active {
			cur = i
			break
		}
	}
	if cur == 0 {
		return ModelVersion{}, fmt.Errorf("%s is at its oldest version: %w", model, ErrRollbackOutOfRange)
	}

	target := max(0, cur-steps)
	v, err := r.activateIndex(ctx, model, current, target)
	if err != nil {
		return ModelVersion{}, err
	}
	r.log.Warn().Str("model", model).Int("from", cur).Int("to", target).Msg("model rolled back")
	return v, nil
}

// activateIndex must be called with the write lock held.
func (r *Registry) activateIndex(ctx context.Context, model string, current []ModelVersion, idx int) (ModelVersion, error) {
	next := make([]ModelVersion, len(current))
	copy(next, current)
	for i := range next {
		next[i].Active = i == idx
	}

	if err := r.persistVersions(ctx, model, next); err != nil {
		return ModelVersion{}, err
	}
	r.versions[model] = next

	r.log.Info().Str("model", model).Str("version", next[idx].ID).Msg("model version activated")
	return copyVersion(next[idx]), nil
}

// Versions returns model's versions in registration order.
func (r *Registry) Versions(model string) ([]ModelVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	current, ok := r.versions[model]
	if !ok {
		return nil, fmt.Errorf("%s: %w", model, ErrModelNotFound)
	}
	out := make([]ModelVersion, len(current))
	for i, v := range current {
		out[i] = copyVersion(v)
	}
	return out, nil
}

// ActiveVersion returns model's active version, if any.
func (r *Registry) ActiveVersion(model string) (ModelVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked(model)
}

func (r *Registry) activeLocked(model string) (ModelVersion, bool) {
	for _, v := range r.versions[model] {
		if v.Active {
			return copyVersion(v), true
		}
	}
	return ModelVersion{}, false
}

// Models lists logical model names with at least one version.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.versions))
	for name := range r.versions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func copyVersion(v ModelVersion) ModelVersion {
	v.Metrics = copyMetrics(v.Metrics)
	return v
}

func copyMetrics(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/edubuddy/internal/store"
	"github.com/normanking/edubuddy/pkg/types"
)

var errDiskFull = errors.New("disk full")

// flakyStore fails every write while failWrites is set.
type flakyStore struct {
	*store.MemoryStore
	failWrites atomic.Bool
}

func (f *flakyStore) Overwrite(ctx context.Context, key string, records [][]byte) error {
	if f.failWrites.Load() {
		return errDiskFull
	}
	return f.MemoryStore.Overwrite(ctx, key, records)
}

func newFlaky() *flakyStore {
	return &flakyStore{MemoryStore: store.NewMemoryStore()}
}

func registerN(t *testing.T, r *Registry, model string, n int) []ModelVersion {
	t.Helper()
	out := make([]ModelVersion, 0, n)
	for i := 0; i < n; i++ {
		v, err := r.Register(context.Background(), model, fmt.Sprintf("%s-v%d", model, i+1), map[string]float64{"accuracy": 0.8})
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func activeCount(t *testing.T, r *Registry, model string) int {
	t.Helper()
	versions, err := r.Versions(model)
	require.NoError(t, err)
	n := 0
	for _, v := range versions {
		if v.Active {
			n++
		}
	}
	return n
}

// ═══════════════════════════════════════════════════════════════════════════════
// VERSION TESTS
// ═══════════════════════════════════════════════════════════════════════════════

func TestRegister(t *testing.T) {
	r := New(nil)
	ctx := context.Background()

	v, err := r.Register(ctx, "edu-model", "qwen:1.8b", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)
	assert.False(t, v.Active, "new versions start inactive")

	_, ok := r.ActiveVersion("edu-model")
	assert.False(t, ok)

	_, err = r.Register(ctx, "", "x", nil)
	assert.ErrorIs(t, err, ErrInvalidModelName)
	_, err = r.Register(ctx, "a/b", "x", nil)
	assert.ErrorIs(t, err, ErrInvalidModelName)
}

func TestActivate(t *testing.T) {
	r := New(nil)
	ctx := context.Background()
	vs := registerN(t, r, "edu-model", 3)

	_, err := r.Activate(ctx, "edu-model", vs[1].ID)
	require.NoError(t, err)
	_, err = r.Activate(ctx, "edu-model", vs[2].ID)
	require.NoError(t, err)

	active, ok := r.ActiveVersion("edu-model")
	require.True(t, ok)
	assert.Equal(t, vs[2].ID, active.ID)
	assert.Equal(t, 1, activeCount(t, r, "edu-model"))

	t.Run("unknown version leaves state", func(t *testing.T) {
		_, err := r.Activate(ctx, "edu-model", "missing")
		assert.ErrorIs(t, err, ErrVersionNotFound)

		active, _ := r.ActiveVersion("edu-model")
		assert.Equal(t, vs[2].ID, active.ID)
	})

	t.Run("unknown model", func(t *testing.T) {
		_, err := r.Activate(ctx, "nope", vs[0].ID)
		assert.ErrorIs(t, err, ErrModelNotFound)
	})
}

func TestRollback(t *testing.T) {
	ctx := context.Background()

	t.Run("steps back from active", func(t *testing.T) {
		r := New(nil)
		vs := registerN(t, r, "m", 3)
		_, err := r.Activate(ctx, "m", vs[2].ID)
		require.NoError(t, err)

		v, err := r.Rollback(ctx, "m", 1)
		require.NoError(t, err)
		assert.Equal(t, vs[1].ID, v.ID)

		active, _ := r.ActiveVersion("m")
		assert.Equal(t, vs[1].ID, active.ID)
		assert.Equal(t, 1, activeCount(t, r, "m"))
	})

	t.Run("newest is current when none active", func(t *testing.T) {
		r := New(nil)
		vs := registerN(t, r, "m", 3)

		v, err := r.Rollback(ctx, "m", 1)
		require.NoError(t, err)
		assert.Equal(t, vs[1].ID, v.ID)
	})

	t.Run("clamps to oldest", func(t *testing.T) {
		r := New(nil)
		vs := registerN(t, r, "m", 4)
		_, err := r.Activate(ctx, "m", vs[1].ID)
		require.NoError(t, err)

		v, err := r.Rollback(ctx, "m", 3)
		require.NoError(t, err)
		assert.Equal(t, vs[0].ID, v.ID)
	})

	tests := []struct {
		name     string
		versions int
		activate int
		steps    int
		err      error
	}{
		{"too few versions", 2, 1, 2, ErrRollbackOutOfRange},
		{"single version", 1, 0, 1, ErrRollbackOutOfRange},
		{"already oldest", 3, 0, 1, ErrRollbackOutOfRange},
		{"zero steps", 3, 2, 0, ErrRollbackOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil)
			vs := registerN(t, r, "m", tt.versions)
			_, err := r.Activate(ctx, "m", vs[tt.activate].ID)
			require.NoError(t, err)

			_, err = r.Rollback(ctx, "m", tt.steps)
			assert.ErrorIs(t, err, tt.err)

			active, _ := r.ActiveVersion("m")
			assert.Equal(t, vs[tt.activate].ID, active.ID, "failed rollback must not change state")
		})
	}

	t.Run("unknown model", func(t *testing.T) {
		_, err := New(nil).Rollback(ctx, "m", 1)
		assert.ErrorIs(t, err, ErrModelNotFound)
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXPERIMENT TESTS
// ═══════════════════════════════════════════════════════════════════════════════

func abVariants(a, b float64) []Variant {
	return []Variant{
		{Name: "control", Model: "qwen:0.5b", TrafficShare: a},
		{Name: "treatment", Model: "qwen:1.8b", TrafficShare: b},
	}
}

func TestStartExperiment_Validation(t *testing.T) {
	tests := []struct {
		name     string
		exp      string
		variants []Variant
		err      error
	}{
		{"valid", "education_ab", abVariants(50, 50), nil},
		{"within tolerance", "education_ab", abVariants(50, 49.5), nil},
		{"sum 130", "education_ab", abVariants(80, 50), ErrInvalidTrafficSplit},
		{"sum 98", "education_ab", abVariants(49, 49), ErrInvalidTrafficSplit},
		{"negative share", "education_ab", abVariants(120, -20), ErrInvalidTrafficSplit},
		{"no variants", "education_ab", nil, ErrInvalidExperiment},
		{"empty name", " ", abVariants(50, 50), ErrInvalidExperiment},
		{"duplicate variant", "education_ab", []Variant{
			{Name: "a", Model: "m", TrafficShare: 50},
			{Name: "a", Model: "m", TrafficShare: 50},
		}, ErrInvalidExperiment},
		{"missing model", "education_ab", []Variant{{Name: "a", TrafficShare: 100}}, ErrInvalidExperiment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil).StartExperiment(context.Background(), tt.exp, tt.variants)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestStartExperiment_InvalidRestartKeepsPrior(t *testing.T) {
	r := New(store.NewMemoryStore())
	ctx := context.Background()

	before, err := r.StartExperiment(ctx, "education_ab", abVariants(50, 50))
	require.NoError(t, err)

	_, err = r.StartExperiment(ctx, "education_ab", abVariants(80, 50))
	require.ErrorIs(t, err, ErrInvalidTrafficSplit)

	after, ok := r.Experiment("education_ab")
	require.True(t, ok)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("experiment changed after rejected restart (-before +after):\n%s", diff)
	}
}

func TestSelectVariant(t *testing.T) {
	r := New(nil)
	ctx := context.Background()
	_, err := r.StartExperiment(ctx, "education_ab", abVariants(50, 50))
	require.NoError(t, err)

	t.Run("deterministic", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			user := fmt.Sprintf("user-%d", i)
			first, ok := r.SelectVariant("education_ab", user)
			require.True(t, ok)
			for j := 0; j < 5; j++ {
				again, _ := r.SelectVariant("education_ab", user)
				assert.Equal(t, first.Name, again.Name)
			}
		}
	})

	t.Run("roughly follows shares", func(t *testing.T) {
		counts := map[string]int{}
		for i := 0; i < 2000; i++ {
			v, _ := r.SelectVariant("education_ab", fmt.Sprintf("user-%d", i))
			counts[v.Name]++
		}
		assert.InDelta(t, 1000, counts["control"], 150)
		assert.InDelta(t, 1000, counts["treatment"], 150)
	})

	t.Run("unknown experiment", func(t *testing.T) {
		_, ok := r.SelectVariant("missing", "user-1")
		assert.False(t, ok)
	})

	t.Run("stopped experiment", func(t *testing.T) {
		require.NoError(t, r.StopExperiment(ctx, "education_ab"))
		_, ok := r.SelectVariant("education_ab", "user-1")
		assert.False(t, ok)

		exp, ok := r.Experiment("education_ab")
		require.True(t, ok, "stop keeps the definition")
		assert.False(t, exp.Active)
		assert.NotNil(t, exp.StoppedAt)
	})

	t.Run("stop unknown", func(t *testing.T) {
		assert.ErrorIs(t, r.StopExperiment(ctx, "missing"), ErrExperimentNotFound)
	})
}

func TestSelectVariant_ResidualGoesToLast(t *testing.T) {
	r := New(nil)
	_, err := r.StartExperiment(context.Background(), "emotion_residual", []Variant{
		{Name: "main", Model: "a", TrafficShare: 99},
		{Name: "empty", Model: "b", TrafficShare: 0},
	})
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		user := fmt.Sprintf("u%d", i)
		v, ok := r.SelectVariant("emotion_residual", user)
		require.True(t, ok)
		if Bucket("emotion_residual", user) == 99 {
			assert.Equal(t, "empty", v.Name, "bucket 99 is residual mass")
		} else {
			assert.Equal(t, "main", v.Name)
		}
	}
}

func TestBucketRange(t *testing.T) {
	for i := 0; i < 500; i++ {
		b := Bucket("exp", fmt.Sprintf("user-%d", i))
		if b < 0 || b >= 100 {
			t.Fatalf("Bucket() = %d, want [0,100)", b)
		}
	}
}

func TestExpireExperiments(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	r := New(nil, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, err := r.StartExperiment(ctx, "old_education", abVariants(50, 50))
	require.NoError(t, err)
	clock = now.Add(47 * time.Hour)
	_, err = r.StartExperiment(ctx, "new_education", abVariants(50, 50))
	require.NoError(t, err)

	stopped, err := r.ExpireExperiments(ctx, now.Add(48*time.Hour+time.Minute), 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"old_education"}, stopped)

	old, _ := r.Experiment("old_education")
	assert.False(t, old.Active)
	fresh, _ := r.Experiment("new_education")
	assert.True(t, fresh.Active)

	stopped, err = r.ExpireExperiments(ctx, now.Add(1000*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, stopped, "zero max age disables expiry")
}

// ═══════════════════════════════════════════════════════════════════════════════
// RESOLVER TESTS
// ═══════════════════════════════════════════════════════════════════════════════

func TestResolveAgentConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("base config", func(t *testing.T) {
		cfg := New(nil).ResolveAgentConfig(types.SpecialistEducation, "u1")
		assert.Equal(t, "qwen:0.5b", cfg.Model)
		assert.Equal(t, 0.7, cfg.Temperature)
		assert.Empty(t, cfg.Version)
		assert.Empty(t, cfg.Experiment)
	})

	t.Run("active version replaces model", func(t *testing.T) {
		r := New(nil)
		vs := registerN(t, r, "edu-model", 2)
		_, err := r.Activate(ctx, "edu-model", vs[0].ID)
		require.NoError(t, err)

		cfg := r.ResolveAgentConfig(types.SpecialistEducation, "u1")
		assert.Equal(t, "edu-model-v1", cfg.Model)
		assert.Equal(t, vs[0].ID, cfg.Version)

		emotion := r.ResolveAgentConfig(types.SpecialistEmotion, "u1")
		assert.Equal(t, "qwen:0.5b", emotion.Model, "other specialists unaffected")

		_, err = r.Rollback(ctx, "edu-model", 1)
		assert.ErrorIs(t, err, ErrRollbackOutOfRange)
	})

	t.Run("experiment overrides for its specialist", func(t *testing.T) {
		r := New(nil)
		temp := 0.2
		_, err := r.StartExperiment(ctx, "education_model_test", []Variant{
			{Name: "only", Model: "qwen:7b", Temperature: &temp, MaxTokens: 1024, TrafficShare: 100},
		})
		require.NoError(t, err)

		cfg := r.ResolveAgentConfig(types.SpecialistEducation, "u1")
		assert.Equal(t, "qwen:7b", cfg.Model)
		assert.Equal(t, 0.2, cfg.Temperature)
		assert.Equal(t, 1024, cfg.MaxTokens)
		assert.Equal(t, "education_model_test", cfg.Experiment)
		assert.Equal(t, "only", cfg.Variant)

		emotion := r.ResolveAgentConfig(types.SpecialistEmotion, "u1")
		assert.Empty(t, emotion.Experiment)

		anonymous := r.ResolveAgentConfig(types.SpecialistEducation, "")
		assert.Equal(t, "qwen:0.5b", anonymous.Model, "no user means no experiment")

		require.NoError(t, r.StopExperiment(ctx, "education_model_test"))
		cfg = r.ResolveAgentConfig(types.SpecialistEducation, "u1")
		assert.Equal(t, "qwen:0.5b", cfg.Model)
		assert.Equal(t, 0.7, cfg.Temperature)
	})

	t.Run("earliest experiment wins", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		r := New(nil, WithClock(func() time.Time { return clock }))
		_, err := r.StartExperiment(ctx, "emotion_b", []Variant{{Name: "b", Model: "model-b", TrafficShare: 100}})
		require.NoError(t, err)
		clock = clock.Add(time.Hour)
		_, err = r.StartExperiment(ctx, "emotion_a", []Variant{{Name: "a", Model: "model-a", TrafficShare: 100}})
		require.NoError(t, err)

		cfg := r.ResolveAgentConfig(types.SpecialistEmotion, "u1")
		assert.Equal(t, "model-b", cfg.Model)
	})

	t.Run("base configs hot swap", func(t *testing.T) {
		r := New(nil)
		r.SetBaseConfigs(map[types.Specialist]BaseConfig{
			types.SpecialistEducation: {Model: "llama3.2", Temperature: 0.1},
		})
		cfg := r.ResolveAgentConfig(types.SpecialistEducation, "u1")
		assert.Equal(t, "llama3.2", cfg.Model)
		assert.Equal(t, DefaultGenerationTimeout, cfg.Timeout)
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE TESTS
// ═══════════════════════════════════════════════════════════════════════════════

func TestPersistenceFailureLeavesStateUntouched(t *testing.T) {
	st := newFlaky()
	r := New(st)
	ctx := context.Background()
	vs := registerN(t, r, "edu-model", 2)
	_, err := r.Activate(ctx, "edu-model", vs[0].ID)
	require.NoError(t, err)
	_, err = r.StartExperiment(ctx, "education_ab", abVariants(50, 50))
	require.NoError(t, err)

	st.failWrites.Store(true)

	_, err = r.Register(ctx, "edu-model", "x", nil)
	assert.ErrorIs(t, err, errDiskFull)
	_, err = r.Activate(ctx, "edu-model", vs[1].ID)
	assert.ErrorIs(t, err, errDiskFull)
	_, err = r.StartExperiment(ctx, "emotion_ab", abVariants(50, 50))
	assert.ErrorIs(t, err, errDiskFull)
	assert.ErrorIs(t, r.StopExperiment(ctx, "education_ab"), errDiskFull)

	versions, err := r.Versions("edu-model")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	active, _ := r.ActiveVersion("edu-model")
	assert.Equal(t, vs[0].ID, active.ID)
	_, ok := r.Experiment("emotion_ab")
	assert.False(t, ok)
	exp, _ := r.Experiment("education_ab")
	assert.True(t, exp.Active)
}

func TestLoad(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	r := New(st)
	vs := registerN(t, r, "edu-model", 3)
	_, err := r.Activate(ctx, "edu-model", vs[1].ID)
	require.NoError(t, err)
	_, err = r.StartExperiment(ctx, "education_ab", abVariants(30, 70))
	require.NoError(t, err)
	_, err = r.StartExperiment(ctx, "emotion_ab", abVariants(50, 50))
	require.NoError(t, err)
	require.NoError(t, r.StopExperiment(ctx, "emotion_ab"))

	restored := New(st)
	require.NoError(t, restored.Load(ctx))

	assert.Equal(t, []string{"edu-model"}, restored.Models())
	active, ok := restored.ActiveVersion("edu-model")
	require.True(t, ok)
	assert.Equal(t, vs[1].ID, active.ID)

	want := r.Experiments()
	got := restored.Experiments()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("experiments differ after reload (-want +got):\n%s", diff)
	}

	for i := 0; i < 20; i++ {
		user := fmt.Sprintf("u%d", i)
		a, _ := r.SelectVariant("education_ab", user)
		b, _ := restored.SelectVariant("education_ab", user)
		assert.Equal(t, a.Name, b.Name, "assignment must survive restart")
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONCURRENCY TESTS
// ═══════════════════════════════════════════════════════════════════════════════

func TestConcurrentActivateAndResolve(t *testing.T) {
	r := New(store.NewMemoryStore())
	ctx := context.Background()
	vs := registerN(t, r, "edu-model", 5)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := r.Activate(ctx, "edu-model", vs[(w+i)%len(vs)].ID)
				assert.NoError(t, err)
			}
		}(w)
	}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				cfg := r.ResolveAgentConfig(types.SpecialistEducation, "u1")
				assert.NotEmpty(t, cfg.Model)

				versions, err := r.Versions("edu-model")
				assert.NoError(t, err)
				n := 0
				for _, v := range versions {
					if v.Active {
						n++
					}
				}
				assert.LessOrEqual(t, n, 1, "never more than one active version")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, activeCount(t, r, "edu-model"))
}

package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/edubuddy/internal/store"
	"github.com/normanking/edubuddy/pkg/types"
)

var base = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func turn(user string, i int) types.Turn {
	return types.Turn{
		ID:            fmt.Sprintf("%s-%d", user, i),
		UserID:        user,
		Input:         fmt.Sprintf("问题 %d", i),
		Specialist:    types.SpecialistEducation,
		Candidate:     fmt.Sprintf("回答 %d", i),
		FinalResponse: fmt.Sprintf("回答 %d", i),
		Verdict:       types.VerdictApproved,
		CreatedAt:     base.Add(time.Duration(i) * time.Second),
	}
}

type failingStore struct {
	*store.MemoryStore
	fail bool
}

func (f *failingStore) Overwrite(ctx context.Context, key string, records [][]byte) error {
	if f.fail {
		return errors.New("write failed")
	}
	return f.MemoryStore.Overwrite(ctx, key, records)
}

func TestHistory_MissingUser(t *testing.T) {
	s := New(store.NewMemoryStore(), DefaultConfig(), zerolog.Nop())

	got, err := s.History(context.Background(), "nobody", 10)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestAppend_OrderAndLimit(t *testing.T) {
	s := New(store.NewMemoryStore(), DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, s.Append(ctx, "u1", turn("u1", i)))
	}

	got, err := s.History(ctx, "u1", 5)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, tr := range got {
		assert.Equal(t, fmt.Sprintf("u1-%d", i+3), tr.ID)
	}

	all, err := s.History(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 8)
}

func TestAppend_RetentionCap(t *testing.T) {
	s := New(store.NewMemoryStore(), Config{MaxTurns: 10, TrimTo: 4}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 37; i++ {
		require.NoError(t, s.Append(ctx, "u1", turn("u1", i)))
		got, err := s.History(ctx, "u1", 0)
		require.NoError(t, err)
		require.LessOrEqual(t, len(got), 10, "history exceeded cap after %d appends", i+1)
		assert.Equal(t, fmt.Sprintf("u1-%d", i), got[len(got)-1].ID, "newest turn is last")
	}

	// Append 11 trims to the newest 4, then grows again.
	s2 := New(store.NewMemoryStore(), Config{MaxTurns: 10, TrimTo: 4}, zerolog.Nop())
	for i := 0; i < 11; i++ {
		require.NoError(t, s2.Append(ctx, "u1", turn("u1", i)))
	}
	got, err := s2.History(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "u1-7", got[0].ID)
}

func TestConfig_Normalize(t *testing.T) {
	tests := []struct {
		in   Config
		want Config
	}{
		{Config{}, Config{MaxTurns: 100, TrimTo: 50}},
		{Config{MaxTurns: 20}, Config{MaxTurns: 20, TrimTo: 20}},
		{Config{MaxTurns: 20, TrimTo: 30}, Config{MaxTurns: 20, TrimTo: 20}},
		{Config{MaxTurns: 200, TrimTo: 80}, Config{MaxTurns: 200, TrimTo: 80}},
	}
	for _, tt := range tests {
		if got := tt.in.normalize(); got != tt.want {
			t.Errorf("normalize(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestAppend_Durable(t *testing.T) {
	records := store.NewMemoryStore()
	ctx := context.Background()

	s := New(records, DefaultConfig(), zerolog.Nop())
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, "u1", turn("u1", i)))
	}

	restarted := New(records, DefaultConfig(), zerolog.Nop())
	got, err := restarted.History(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	want := turn("u1", 2)
	assert.Equal(t, want.ID, got[2].ID)
	assert.Equal(t, want.FinalResponse, got[2].FinalResponse)
	assert.True(t, want.CreatedAt.Equal(got[2].CreatedAt))
}

func TestAppend_WriteFailureLeavesHistory(t *testing.T) {
	records := &failingStore{MemoryStore: store.NewMemoryStore()}
	s := New(records, DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "u1", turn("u1", 0)))
	records.fail = true
	assert.Error(t, s.Append(ctx, "u1", turn("u1", 1)))

	got, err := s.History(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestAppend_ConcurrentSameUser(t *testing.T) {
	s := New(store.NewMemoryStore(), Config{MaxTurns: 1000, TrimTo: 500}, zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				assert.NoError(t, s.Append(ctx, "shared", turn("shared", g*100+i)))
			}
		}(g)
	}
	wg.Wait()

	got, err := s.History(ctx, "shared", 0)
	require.NoError(t, err)
	require.Len(t, got, 200)

	// Each writer's own turns keep their submission order.
	last := map[int]int{}
	for _, tr := range got {
		var n int
		_, err := fmt.Sscanf(tr.ID, "shared-%d", &n)
		require.NoError(t, err)
		g, i := n/100, n%100
		if prev, ok := last[g]; ok {
			assert.Greater(t, i, prev)
		}
		last[g] = i
	}

	persisted, err := New(s.records, s.cfg, zerolog.Nop()).History(ctx, "shared", 0)
	require.NoError(t, err)
	assert.Len(t, persisted, 200, "persisted snapshot matches memory")
}

func TestAppend_ConcurrentUsersIsolated(t *testing.T) {
	s := New(store.NewMemoryStore(), DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		wg.Add(1)
		go func(u int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", u)
			for i := 0; i < 15; i++ {
				assert.NoError(t, s.Append(ctx, user, turn(user, i)))
			}
		}(u)
	}
	wg.Wait()

	for u := 0; u < 8; u++ {
		user := fmt.Sprintf("user-%d", u)
		got, err := s.History(ctx, user, 0)
		require.NoError(t, err)
		require.Len(t, got, 15)
		for _, tr := range got {
			assert.Equal(t, user, tr.UserID)
		}
	}
}

func TestResetUsersSearch(t *testing.T) {
	s := New(store.NewMemoryStore(), DefaultConfig(), zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "u1", turn("u1", 1)))
	require.NoError(t, s.Append(ctx, "u2", turn("u2", 2)))
	require.NoError(t, s.Append(ctx, "u2", turn("u2", 12)))

	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)

	matches, err := s.Search(ctx, "问题 1", 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "u2-12", matches[0].Turn.ID, "newest first")
	assert.Equal(t, "u1-1", matches[1].Turn.ID)

	limited, err := s.Search(ctx, "回答", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	empty, err := s.Search(ctx, "  ", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, s.Reset(ctx, "u2"))
	got, err := s.History(ctx, "u2", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	users, err = s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)
}

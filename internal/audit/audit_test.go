package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/normanking/edubuddy/internal/store"
	"github.com/normanking/edubuddy/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func violation(id, reason string) types.SafetyViolation {
	return types.SafetyViolation{
		ID:                id,
		UserID:            "u1",
		Input:             "input",
		RejectedCandidate: "raw candidate",
		Reason:            reason,
		Specialist:        types.SpecialistEducation,
		CreatedAt:         time.Now().UTC(),
	}
}

func TestViolationLog(t *testing.T) {
	ctx := context.Background()
	log := NewViolationLog(store.NewMemoryStore())

	for i, r := range []string{"keyword: 暴力", "pattern: phone", "too long"} {
		require.NoError(t, log.RecordViolation(ctx, violation(string(rune('a'+i)), r)))
	}
	require.NoError(t, log.RecordInteraction(ctx, types.Turn{ID: "t"}))

	all, err := log.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "raw candidate", all[0].RejectedCandidate)

	last, err := log.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "pattern: phone", last[0].Reason)
	assert.Equal(t, "too long", last[1].Reason)
}

type fakeStreams struct {
	mu   sync.Mutex
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStreams) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

func TestRedisSink(t *testing.T) {
	fake := &fakeStreams{}
	sink := newRedisSink(fake, nil, RedisConfig{MaxLen: 10})
	ctx := context.Background()

	require.NoError(t, sink.RecordViolation(ctx, violation("v1", "keyword: 死")))
	require.NoError(t, sink.RecordInteraction(ctx, types.Turn{ID: "t1", Verdict: types.VerdictApproved}))

	require.Len(t, fake.args, 2)
	assert.Equal(t, "edubuddy:violations", fake.args[0].Stream)
	assert.Equal(t, "edubuddy:interactions", fake.args[1].Stream)
	assert.Equal(t, int64(10), fake.args[0].MaxLen)
	assert.True(t, fake.args[0].Approx)

	values := fake.args[0].Values.(map[string]interface{})
	assert.Equal(t, "safety_violation", values["type"])
	var got types.SafetyViolation
	require.NoError(t, json.Unmarshal([]byte(values["payload"].(string)), &got))
	assert.Equal(t, "keyword: 死", got.Reason)

	fake.err = errors.New("connection reset")
	assert.Error(t, sink.RecordViolation(ctx, violation("v2", "x")))
	assert.NoError(t, sink.Close())
}

type recordingSink struct {
	mu           sync.Mutex
	violations   []types.SafetyViolation
	interactions []types.Turn
	block        chan struct{}
	err          error
}

func (r *recordingSink) RecordViolation(_ context.Context, v types.SafetyViolation) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, v)
	return r.err
}

func (r *recordingSink) RecordInteraction(_ context.Context, t types.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interactions = append(r.interactions, t)
	return r.err
}

func TestAsyncSink_DrainsOnClose(t *testing.T) {
	rec := &recordingSink{}
	s := NewAsyncSink(rec, 16, zerolog.Nop())

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordInteraction(context.Background(), types.Turn{ID: string(rune('a' + i))}))
	}
	require.NoError(t, s.RecordViolation(context.Background(), violation("v", "r")))
	require.NoError(t, s.Close())

	assert.Len(t, rec.interactions, 5)
	assert.Len(t, rec.violations, 1)

	// Records after close are dropped, not panicking on a closed channel.
	require.NoError(t, s.RecordInteraction(context.Background(), types.Turn{ID: "late"}))
	assert.Len(t, rec.interactions, 5)
	require.NoError(t, s.Close())
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	rec := &recordingSink{block: make(chan struct{})}
	s := NewAsyncSink(rec, 1, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.RecordViolation(context.Background(), violation("v", "r"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RecordViolation blocked on a full queue")
	}

	close(rec.block)
	require.NoError(t, s.Close())
	assert.Less(t, len(rec.violations), 10)
	assert.GreaterOrEqual(t, len(rec.violations), 1)
}

func TestMulti(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("down")}
	m := Multi{ok, bad, NewLogSink(zerolog.Nop())}

	err := m.RecordViolation(context.Background(), violation("v", "r"))
	assert.ErrorContains(t, err, "down")
	assert.Len(t, ok.violations, 1)
	assert.Len(t, bad.violations, 1)

	assert.Error(t, m.RecordInteraction(context.Background(), types.Turn{ID: "t"}))
	assert.Len(t, ok.interactions, 1)
}

package safety

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/edubuddy/pkg/types"
)

type stubChecker struct {
	verdict SemanticVerdict
	err     error
	calls   int
}

func (s *stubChecker) Classify(ctx context.Context, text string) (SemanticVerdict, error) {
	s.calls++
	return s.verdict, s.err
}

// hangingChecker ignores ctx until release is closed.
type hangingChecker struct {
	release chan struct{}
}

func (h *hangingChecker) Classify(ctx context.Context, text string) (SemanticVerdict, error) {
	<-h.release
	return SemanticVerdict{Safe: false, Reason: "late"}, nil
}

func newGate(t *testing.T, opts ...Option) *Gate {
	t.Helper()
	g, err := NewGate(DefaultRules(), opts...)
	require.NoError(t, err)
	return g
}

// ============================================================================
// Rule Tests
// ============================================================================

func TestReview_Rules(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		text    string
		verdict types.Verdict
		reason  string
	}{
		{"clean", "数学是一门研究数量的学科。", types.VerdictApproved, ""},
		{"keyword", "你们不要打架", types.VerdictRejected, "keyword: 打架"},
		{"keyword case sensitive as authored", "PASSWORD 是英文", types.VerdictApproved, ""},
		{"phone", "打给我 13812345678 吧", types.VerdictRejected, "pattern: phone"},
		{"email", "写信到 kid@example.com 吧", types.VerdictRejected, "pattern: email"},
		{"short number ok", "答案是 1234567", types.VerdictApproved, ""},
		{"keyword before pattern", "我的密码是 13812345678", types.VerdictRejected, "keyword: 密码"},
		{"too long", strings.Repeat("好", DefaultMaxLength+1), types.VerdictRejected, "too long"},
		{"at limit", strings.Repeat("好", DefaultMaxLength), types.VerdictApproved, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := g.Review(ctx, tt.text)
			assert.Equal(t, tt.verdict, got.Verdict)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Equal(t, SourceRules, got.Source)
		})
	}
}

func TestReview_NationalIDPattern(t *testing.T) {
	// Only the national ID rule, so the 11-digit phone rule cannot claim it.
	g, err := NewGate(Rules{Patterns: []PatternRule{DefaultRules().Patterns[1]}})
	require.NoError(t, err)

	for _, id := range []string{"11010519491231002X", "110105194912310021", "11010519491231002x"} {
		got := g.Review(context.Background(), "号码 "+id)
		assert.Equal(t, "pattern: national_id", got.Reason, id)
	}
}

func TestReview_EveryDefaultKeywordRejects(t *testing.T) {
	g := newGate(t, WithSemanticChecker(&stubChecker{verdict: SemanticVerdict{Safe: true}}))

	for _, kw := range DefaultRules().Keywords {
		text := "这里提到了" + kw + "。"
		got := g.Review(context.Background(), text)
		require.Equal(t, types.VerdictRejected, got.Verdict, kw)
		require.True(t, strings.HasPrefix(got.Reason, "keyword: "), got.Reason)
		assert.Contains(t, text, strings.TrimPrefix(got.Reason, "keyword: "))
	}
}

func TestUpdateRules(t *testing.T) {
	g := newGate(t)
	ctx := context.Background()

	require.Equal(t, types.VerdictApproved, g.Review(ctx, "我们来玩捉迷藏").Verdict)

	require.NoError(t, g.UpdateRules(Rules{Keywords: []string{"捉迷藏"}, MaxLength: 10}))
	got := g.Review(ctx, "我们来玩捉迷藏")
	assert.Equal(t, "keyword: 捉迷藏", got.Reason)
	assert.Equal(t, 10, g.Rules().MaxLength)

	err := g.UpdateRules(Rules{Patterns: []PatternRule{{Category: "broken", Expr: "(["}}})
	assert.Error(t, err)
	assert.Equal(t, "keyword: 捉迷藏", g.Review(ctx, "我们来玩捉迷藏").Reason, "bad update keeps old rules")

	_, err = NewGate(Rules{Patterns: []PatternRule{{Expr: `\d+`}}})
	assert.Error(t, err, "pattern without category")
}

// ============================================================================
// Semantic Check Tests
// ============================================================================

func TestReview_SemanticAuthoritative(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects", func(t *testing.T) {
		g := newGate(t, WithSemanticChecker(&stubChecker{verdict: SemanticVerdict{Safe: false, Reason: "bullying"}}))
		got := g.Review(ctx, "你真笨")
		assert.Equal(t, types.VerdictRejected, got.Verdict)
		assert.Equal(t, "bullying", got.Reason)
		assert.Equal(t, SourceSemantic, got.Source)
	})

	t.Run("approves", func(t *testing.T) {
		g := newGate(t, WithSemanticChecker(&stubChecker{verdict: SemanticVerdict{Safe: true}}))
		got := g.Review(ctx, "你真棒")
		assert.True(t, got.Approved())
		assert.Equal(t, SourceSemantic, got.Source)
		assert.False(t, got.Degraded)
	})

	t.Run("skipped when rules reject", func(t *testing.T) {
		checker := &stubChecker{verdict: SemanticVerdict{Safe: true}}
		g := newGate(t, WithSemanticChecker(checker))
		got := g.Review(ctx, "毒品")
		assert.Equal(t, types.VerdictRejected, got.Verdict)
		assert.Equal(t, 0, checker.calls)
	})
}

func TestReview_SemanticFailureFallsBackToRules(t *testing.T) {
	ctx := context.Background()
	checker := &stubChecker{err: errors.New("connection refused")}
	g := newGate(t, WithSemanticChecker(checker))
	plain := newGate(t)

	for _, text := range []string{"你好", "枪", "kid@example.com", strings.Repeat("a", 1001)} {
		got := g.Review(ctx, text)
		want := plain.Review(ctx, text)
		assert.Equal(t, want.Verdict, got.Verdict, text)
		assert.Equal(t, want.Reason, got.Reason, text)
	}

	got := g.Review(ctx, "你好")
	assert.True(t, got.Degraded)
	assert.Error(t, got.CheckErr)
}

func TestReview_SemanticTimeout(t *testing.T) {
	checker := &hangingChecker{release: make(chan struct{})}
	t.Cleanup(func() { close(checker.release) })

	g := newGate(t, WithSemanticChecker(checker), WithSemanticTimeout(30*time.Millisecond))

	start := time.Now()
	got := g.Review(context.Background(), "你好")
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, got.Approved())
	assert.True(t, got.Degraded)
	assert.ErrorIs(t, got.CheckErr, context.DeadlineExceeded)
}

type panickingChecker struct{}

func (panickingChecker) Classify(context.Context, string) (SemanticVerdict, error) {
	panic("boom")
}

func TestReview_SemanticPanic(t *testing.T) {
	g := newGate(t, WithSemanticChecker(panickingChecker{}))
	got := g.Review(context.Background(), "你好")
	assert.True(t, got.Approved())
	assert.True(t, got.Degraded)
}

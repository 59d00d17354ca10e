package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/normanking/edubuddy/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publish(t *testing.T, b *bus.Bus, typ bus.EventType, fn func(*bus.Event)) {
	t.Helper()
	ev := bus.NewEvent(typ)
	if fn != nil {
		fn(&ev)
	}
	require.NoError(t, b.Publish(ev))
}

func TestCollector_AggregatesTurns(t *testing.T) {
	b := bus.New()
	defer b.Close()

	c := NewCollector(b)
	c.Start()
	defer c.Stop()

	publish(t, b, bus.EventTurnCompleted, func(e *bus.Event) {
		e.Specialist, e.Verdict, e.DurationMs = "education", "approved", 200
	})
	publish(t, b, bus.EventTurnCompleted, func(e *bus.Event) {
		e.Specialist, e.Verdict, e.DurationMs = "emotion", "rejected", 400
	})
	publish(t, b, bus.EventSafetyRejected, func(e *bus.Event) { e.Reason = "keyword: 暴力" })
	publish(t, b, bus.EventFallbackUsed, nil)

	require.Eventually(t, func() bool {
		s := c.SessionStats()
		return s.TurnCount == 2 && s.FallbackCount == 1 && len(s.RejectionReasons) == 1
	}, time.Second, 10*time.Millisecond)

	s := c.SessionStats()
	assert.Equal(t, 1, s.ApprovedCount)
	assert.Equal(t, 1, s.RejectedCount)
	assert.Equal(t, int64(600), s.TotalLatencyMs)
	assert.Equal(t, map[string]int{"education": 1, "emotion": 1}, s.BySpecialist)
	assert.Equal(t, []ReasonCount{{Reason: "keyword: 暴力", Count: 1}}, s.TopReasons(5))
}

func TestCollector_StatsAreCopies(t *testing.T) {
	c := NewCollector(nil)
	c.Start()
	c.handleEvent(bus.Event{Type: bus.EventTurnCompleted, Specialist: "education"})

	s := c.SessionStats()
	s.BySpecialist["education"] = 99
	assert.Equal(t, 1, c.SessionStats().BySpecialist["education"])
}

func TestTopReasons_Order(t *testing.T) {
	s := SessionStats{RejectionReasons: map[string]int{
		"too long":       1,
		"pattern: phone": 3,
		"keyword: 死":     3,
	}}
	got := s.TopReasons(2)
	require.Len(t, got, 2)
	assert.Equal(t, "keyword: 死", got[0].Reason)
	assert.Equal(t, "pattern: phone", got[1].Reason)
}

func TestDashboard_Render(t *testing.T) {
	c := NewCollector(nil)
	c.handleEvent(bus.Event{Type: bus.EventTurnCompleted, Specialist: "education", Verdict: "approved", DurationMs: 1000, Timestamp: time.Now()})

	d := NewDashboard(c)
	d.SetWidth(100)
	out := d.Render()
	assert.Contains(t, out, "1 turns")
	assert.Contains(t, out, "education=1")

	compact := d.RenderCompact()
	assert.True(t, strings.HasPrefix(compact, "[Turns] 1"))
	assert.Contains(t, compact, "●○○○○")
}

package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/normanking/edubuddy/internal/bus"
)

// Collector subscribes to the event bus and aggregates per-session turn
// statistics for the CLI dashboard and the stats endpoint.
type Collector struct {
	bus          *bus.Bus
	session      SessionStats
	recentEvents []bus.Event
	maxEvents    int
	subs         []bus.SubscriptionID
	stopped      bool
	mu           sync.RWMutex
}

// SessionStats holds aggregated turn metrics since the collector started.
type SessionStats struct {
	StartTime        time.Time
	TurnCount        int
	ApprovedCount    int
	RejectedCount    int
	FallbackCount    int
	DegradedCount    int
	TotalLatencyMs   int64
	BySpecialist     map[string]int
	RejectionReasons map[string]int
	LastEvent        string
	LastEventTime    time.Time
}

// NewCollector creates a collector for b. A nil bus yields a collector that
// never observes anything.
func NewCollector(b *bus.Bus) *Collector {
	return &Collector{
		bus: b,
		session: SessionStats{
			StartTime:        time.Now(),
			BySpecialist:     make(map[string]int),
			RejectionReasons: make(map[string]int),
		},
		maxEvents: 50,
	}
}

// Start begins listening to the bus.
func (c *Collector) Start() {
	if c.bus == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	for _, typ := range []bus.EventType{
		bus.EventTurnCompleted,
		bus.EventSafetyRejected,
		bus.EventSafetyDegraded,
		bus.EventFallbackUsed,
		bus.EventModelActivated,
		bus.EventModelRolledBack,
		bus.EventExperimentStarted,
		bus.EventExperimentStopped,
	} {
		if id := c.bus.Subscribe(typ, c.handleEvent); id != "" {
			c.subs = append(c.subs, id)
		}
	}
}

// Stop unsubscribes from the bus.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	for _, id := range c.subs {
		_ = c.bus.Unsubscribe(id)
	}
	c.subs = nil
}

// SessionStats returns a copy of the current stats.
func (c *Collector) SessionStats() SessionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.session
	stats.BySpecialist = make(map[string]int, len(c.session.BySpecialist))
	for k, v := range c.session.BySpecialist {
		stats.BySpecialist[k] = v
	}
	stats.RejectionReasons = make(map[string]int, len(c.session.RejectionReasons))
	for k, v := range c.session.RejectionReasons {
		stats.RejectionReasons[k] = v
	}
	return stats
}

// RecentEvents returns up to n of the most recent events, oldest first.
func (c *Collector) RecentEvents(n int) []bus.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n > len(c.recentEvents) || n <= 0 {
		n = len(c.recentEvents)
	}
	events := make([]bus.Event, n)
	copy(events, c.recentEvents[len(c.recentEvents)-n:])
	return events
}

func (c *Collector) handleEvent(event bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recentEvents = append(c.recentEvents, event)
	if len(c.recentEvents) > c.maxEvents {
		c.recentEvents = c.recentEvents[1:]
	}
	c.session.LastEvent = string(event.Type)
	c.session.LastEventTime = event.Timestamp

	switch event.Type {
	case bus.EventTurnCompleted:
		c.session.TurnCount++
		c.session.TotalLatencyMs += event.DurationMs
		if event.Specialist != "" {
			c.session.BySpecialist[event.Specialist]++
		}
		if event.Verdict == "rejected" {
			c.session.RejectedCount++
		} else {
			c.session.ApprovedCount++
		}
	case bus.EventSafetyRejected:
		c.session.RejectionReasons[event.Reason]++
	case bus.EventSafetyDegraded:
		c.session.DegradedCount++
	case bus.EventFallbackUsed:
		c.session.FallbackCount++
	}
}

// ReasonCount pairs a rejection reason with its frequency.
type ReasonCount struct {
	Reason string
	Count  int
}

// TopReasons returns rejection reasons sorted by frequency, then name.
func (s SessionStats) TopReasons(n int) []ReasonCount {
	out := make([]ReasonCount, 0, len(s.RejectionReasons))
	for r, c := range s.RejectionReasons {
		out = append(out, ReasonCount{Reason: r, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Package bus distributes pipeline events to in-process subscribers and to
// WebSocket observers such as a parent dashboard.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies an event.
type EventType string

const (
	// Turn events
	EventTurnCompleted  EventType = "turn_completed"
	EventSafetyRejected EventType = "safety_rejected"
	EventSafetyDegraded EventType = "safety_degraded"
	EventFallbackUsed   EventType = "fallback_used"

	// Registry events
	EventModelRegistered   EventType = "model_registered"
	EventModelActivated    EventType = "model_activated"
	EventModelRolledBack   EventType = "model_rolled_back"
	EventExperimentStarted EventType = "experiment_started"
	EventExperimentStopped EventType = "experiment_stopped"

	// System events
	EventConfigReloaded EventType = "config_reloaded"
)

// AllEventTypes returns every event type the service publishes.
func AllEventTypes() []EventType {
	return []EventType{
		EventTurnCompleted,
		EventSafetyRejected,
		EventSafetyDegraded,
		EventFallbackUsed,
		EventModelRegistered,
		EventModelActivated,
		EventModelRolledBack,
		EventExperimentStarted,
		EventExperimentStopped,
		EventConfigReloaded,
	}
}

// Event is one occurrence on the bus. Rejected candidate text is never
// carried on events; observers only see the reason.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// Turn context
	TurnID     string `json:"turn_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	Specialist string `json:"specialist,omitempty"`
	Verdict    string `json:"verdict,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Fallback   bool   `json:"fallback,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	// Registry context
	Model      string `json:"model,omitempty"`
	Version    string `json:"version,omitempty"`
	Experiment string `json:"experiment,omitempty"`
	Variant    string `json:"variant,omitempty"`

	Details string `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewEvent creates an event of the given type stamped with an ID and time.
func NewEvent(eventType EventType) Event {
	return Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Type:      eventType,
	}
}

// Package types defines shared types used across all edubuddy modules.
package types

import (
	"time"

	"github.com/google/uuid"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SPECIALISTS
// ═══════════════════════════════════════════════════════════════════════════════

// Specialist identifies a response generator bound to one intent category.
// The set is closed: routing, configuration and handler lookup all key on it.
type Specialist string

const (
	// SpecialistEducation answers study and knowledge questions.
	SpecialistEducation Specialist = "education"
	// SpecialistEmotion provides emotional companionship.
	SpecialistEmotion Specialist = "emotion"
)

// AllSpecialists returns every valid specialist in declaration order.
func AllSpecialists() []Specialist {
	return []Specialist{
		SpecialistEducation,
		SpecialistEmotion,
	}
}

// String returns the string representation of a Specialist.
func (s Specialist) String() string {
	return string(s)
}

// IsValid checks if a Specialist is a known specialist.
func (s Specialist) IsValid() bool {
	for _, valid := range AllSpecialists() {
		if s == valid {
			return true
		}
	}
	return false
}

// ═══════════════════════════════════════════════════════════════════════════════
// SAFETY
// ═══════════════════════════════════════════════════════════════════════════════

// Verdict is the Safety Gate decision for a candidate response.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TURNS
// ═══════════════════════════════════════════════════════════════════════════════

// Turn is one user input and its final returned response, plus routing and
// safety metadata. A Turn is immutable once created.
type Turn struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Input         string     `json:"input"`
	Specialist    Specialist `json:"specialist"`
	Candidate     string     `json:"candidate"`
	FinalResponse string     `json:"final_response"`
	Verdict       Verdict    `json:"verdict"`
	Reason        string     `json:"reason,omitempty"`

	// Generation provenance
	Model      string `json:"model,omitempty"`
	Version    string `json:"version,omitempty"`
	Experiment string `json:"experiment,omitempty"`
	Variant    string `json:"variant,omitempty"`
	Fallback   bool   `json:"fallback,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SafetyViolation records a candidate the Safety Gate rejected, with the true
// original text preserved for audit.
type SafetyViolation struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	Input             string     `json:"input"`
	RejectedCandidate string     `json:"rejected_candidate"`
	Reason            string     `json:"reason"`
	Specialist        Specialist `json:"specialist"`
	CreatedAt         time.Time  `json:"created_at"`
}

// NewID returns a fresh random identifier for turns and violations.
func NewID() string {
	return uuid.New().String()
}

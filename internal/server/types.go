// Package server exposes the turn pipeline, its read-only queries and the
// registry administration over HTTP.
package server

import (
	"time"

	"github.com/normanking/edubuddy/internal/pipeline"
	"github.com/normanking/edubuddy/internal/registry"
	"github.com/normanking/edubuddy/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SERVER CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds HTTP server configuration.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// MetricsPath serves Prometheus exposition when non-empty.
	MetricsPath string
	// Version is reported by /health.
	Version string
}

// DefaultConfig returns the default listener settings.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MetricsPath:     "/metrics",
		Version:         "dev",
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// API TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// ChatRequest is the body of POST /api/v1/chat.
type ChatRequest struct {
	UserID  string `json:"user_id"`
	Text    string `json:"text"`
	Grade   string `json:"grade,omitempty"`
	Emotion string `json:"emotion,omitempty"`
}

// ChatResponse is returned by POST /api/v1/chat.
type ChatResponse struct {
	TurnID       string           `json:"turn_id,omitempty"`
	Response     string           `json:"response"`
	Specialist   types.Specialist `json:"specialist"`
	SafetyStatus types.Verdict    `json:"safety_status"`
	Fallback     bool             `json:"fallback"`
	Persisted    bool             `json:"persisted"`
	DurationMs   int64            `json:"duration_ms"`
}

func chatResponse(r pipeline.TurnResult) ChatResponse {
	return ChatResponse{
		TurnID:       r.TurnID,
		Response:     r.Response,
		Specialist:   r.Specialist,
		SafetyStatus: r.SafetyStatus,
		Fallback:     r.Fallback,
		Persisted:    r.Persisted,
		DurationMs:   r.Duration.Milliseconds(),
	}
}

// TurnView is the public form of a stored turn. The specialist's candidate
// is omitted: a rejected candidate never leaves the audit trail.
type TurnView struct {
	ID           string           `json:"id"`
	Input        string           `json:"input"`
	Response     string           `json:"response"`
	Specialist   types.Specialist `json:"specialist"`
	SafetyStatus types.Verdict    `json:"safety_status"`
	Fallback     bool             `json:"fallback,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

func turnView(t types.Turn) TurnView {
	return TurnView{
		ID:           t.ID,
		Input:        t.Input,
		Response:     t.FinalResponse,
		Specialist:   t.Specialist,
		SafetyStatus: t.Verdict,
		Fallback:     t.Fallback,
		CreatedAt:    t.CreatedAt,
	}
}

// HistoryResponse is returned by GET /api/v1/users/{id}/history.
type HistoryResponse struct {
	UserID string     `json:"user_id"`
	Turns  []TurnView `json:"turns"`
}

// MatchView is one search hit.
type MatchView struct {
	UserID string   `json:"user_id"`
	Turn   TurnView `json:"turn"`
}

// SearchResponse is returned by GET /api/v1/search.
type SearchResponse struct {
	Query   string      `json:"query"`
	Matches []MatchView `json:"matches"`
}

// ViolationsResponse is returned by GET /api/v1/safety/violations (admin only).
type ViolationsResponse struct {
	Violations []types.SafetyViolation `json:"violations"`
}

// StatsResponse is returned by GET /api/v1/stats.
type StatsResponse struct {
	Turns            int64            `json:"turns"`
	Approved         int64            `json:"approved"`
	Rejected         int64            `json:"rejected"`
	Fallbacks        int64            `json:"fallbacks"`
	Degraded         int64            `json:"degraded"`
	PersistFailures  int64            `json:"persist_failures"`
	Failures         int64            `json:"failures"`
	BySpecialist     map[string]int64 `json:"by_specialist"`
	RejectionReasons map[string]int64 `json:"rejection_reasons"`
	RoutedDefault    int64            `json:"routed_default"`
	Models           []string         `json:"models"`
	ActiveExperiment []string         `json:"active_experiments"`
}

// RegisterVersionRequest is the body of POST /api/v1/admin/models/{model}/versions.
type RegisterVersionRequest struct {
	Artifact string             `json:"artifact"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// ActivateRequest is the body of POST /api/v1/admin/models/{model}/activate.
type ActivateRequest struct {
	VersionID string `json:"version_id"`
}

// RollbackRequest is the body of POST /api/v1/admin/models/{model}/rollback.
type RollbackRequest struct {
	Steps int `json:"steps"`
}

// StartExperimentRequest is the body of POST /api/v1/admin/experiments.
type StartExperimentRequest struct {
	Name     string             `json:"name"`
	Variants []registry.Variant `json:"variants"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	StartedAt time.Time `json:"started_at"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// API ERROR TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// APIError represents a structured API error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

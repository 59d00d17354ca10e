// Package audit records safety violations and turn interactions. Sinks are
// best effort from the pipeline's point of view: a failing sink never fails
// a turn.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/normanking/edubuddy/internal/store"
	"github.com/normanking/edubuddy/pkg/types"
	"github.com/rs/zerolog"
)

// Sink receives audit records.
type Sink interface {
	RecordViolation(ctx context.Context, v types.SafetyViolation) error
	RecordInteraction(ctx context.Context, t types.Turn) error
}

// ViolationLog is the durable, queryable violation record kept in the
// record store. Interactions are not stored.
type ViolationLog struct {
	records store.RecordStore
}

// NewViolationLog creates a log over records.
func NewViolationLog(records store.RecordStore) *ViolationLog {
	return &ViolationLog{records: records}
}

// RecordViolation appends v.
func (l *ViolationLog) RecordViolation(ctx context.Context, v types.SafetyViolation) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal violation: %w", err)
	}
	if err := l.records.Append(ctx, store.KeyViolations, data); err != nil {
		return fmt.Errorf("append violation: %w", err)
	}
	return nil
}

// RecordInteraction is a no-op.
func (l *ViolationLog) RecordInteraction(context.Context, types.Turn) error {
	return nil
}

// Recent returns up to limit of the most recent violations, oldest first.
// limit <= 0 returns all.
func (l *ViolationLog) Recent(ctx context.Context, limit int) ([]types.SafetyViolation, error) {
	raw, err := l.records.Read(ctx, store.KeyViolations, limit)
	if err != nil {
		return nil, fmt.Errorf("read violations: %w", err)
	}
	out := make([]types.SafetyViolation, 0, len(raw))
	for _, r := range raw {
		var v types.SafetyViolation
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("decode violation: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// LogSink writes audit records to a zerolog logger. Rejected candidate text
// is not logged.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

// RecordViolation logs v at warn level.
func (s *LogSink) RecordViolation(_ context.Context, v types.SafetyViolation) error {
	s.log.Warn().
		Str("violation_id", v.ID).
		Str("user_id", v.UserID).
		Str("specialist", v.Specialist.String()).
		Str("reason", v.Reason).
		Msg("safety violation")
	return nil
}

// RecordInteraction logs t at info level.
func (s *LogSink) RecordInteraction(_ context.Context, t types.Turn) error {
	s.log.Info().
		Str("turn_id", t.ID).
		Str("user_id", t.UserID).
		Str("specialist", t.Specialist.String()).
		Str("verdict", string(t.Verdict)).
		Str("model", t.Model).
		Str("experiment", t.Experiment).
		Str("variant", t.Variant).
		Bool("fallback", t.Fallback).
		Msg("interaction")
	return nil
}

// Multi fans records out to every sink and joins their errors.
type Multi []Sink

// RecordViolation implements Sink.
func (m Multi) RecordViolation(ctx context.Context, v types.SafetyViolation) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordViolation(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordInteraction implements Sink.
func (m Multi) RecordInteraction(ctx context.Context, t types.Turn) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordInteraction(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

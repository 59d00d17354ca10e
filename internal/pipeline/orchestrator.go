// Package pipeline runs one conversational turn end to end: routing,
// specialist generation, safety review and persistence. It also exposes the
// read-only queries and the registry administration facade.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/normanking/edubuddy/internal/audit"
	"github.com/normanking/edubuddy/internal/bus"
	"github.com/normanking/edubuddy/internal/conversation"
	"github.com/normanking/edubuddy/internal/logging"
	"github.com/normanking/edubuddy/internal/metrics"
	"github.com/normanking/edubuddy/internal/router"
	"github.com/normanking/edubuddy/internal/safety"
	"github.com/normanking/edubuddy/internal/specialist"
	"github.com/normanking/edubuddy/pkg/types"
	"github.com/rs/zerolog"
)

// FailureMessage is returned when a turn fails unexpectedly.
const FailureMessage = "抱歉，我现在遇到了一点问题，请稍后再试。"

// AnonymousUser is used when a turn arrives without a user identifier.
const AnonymousUser = "anonymous"

const (
	// historyContextTurns is how many past turns feed the prompt.
	historyContextTurns = 5

	writeTimeout = 5 * time.Second
)

// ErrNotConfigured is returned by New when a required dependency is nil.
var ErrNotConfigured = errors.New("pipeline dependency not configured")

// RequestContext is caller-supplied context for one turn.
type RequestContext struct {
	Grade   string `json:"grade,omitempty"`
	Emotion string `json:"emotion,omitempty"`
}

// TurnResult is the outcome of HandleTurn.
type TurnResult struct {
	TurnID       string           `json:"turn_id"`
	Response     string           `json:"response"`
	Specialist   types.Specialist `json:"specialist"`
	SafetyStatus types.Verdict    `json:"safety_status"`
	Fallback     bool             `json:"fallback"`
	// Persisted is false when the conversation append failed. The response
	// is still returned.
	Persisted bool          `json:"persisted"`
	Duration  time.Duration `json:"duration_ns"`

	// Reason is the safety rejection reason. Not sent to end users.
	Reason string `json:"-"`
	// Failed is set when the turn hit an unexpected error or panic.
	Failed bool `json:"-"`
}

// Stats aggregates turn outcomes since start.
type Stats struct {
	Turns            int64
	Approved         int64
	Rejected         int64
	Fallbacks        int64
	Degraded         int64
	PersistFailures  int64
	Failures         int64
	BySpecialist     map[types.Specialist]int64
	RejectionReasons map[string]int64
	Router           router.Stats
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Router        *router.IntentRouter
	Specialists   *specialist.Set
	Gate          *safety.Gate
	Conversations *conversation.Store
	Violations    *audit.ViolationLog

	// Optional
	Audit       audit.Sink
	Bus         *bus.Bus
	SafeMessage string
}

// Orchestrator is the single orchestration entry point.
type Orchestrator struct {
	router        *router.IntentRouter
	specialists   *specialist.Set
	gate          *safety.Gate
	conversations *conversation.Store
	violations    *audit.ViolationLog
	audit         audit.Sink
	bus           *bus.Bus
	log           zerolog.Logger

	msgMu       sync.RWMutex
	safeMessage string

	statsMu sync.Mutex
	stats   Stats
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Router == nil:
		return nil, fmt.Errorf("%w: router", ErrNotConfigured)
	case deps.Specialists == nil:
		return nil, fmt.Errorf("%w: specialists", ErrNotConfigured)
	case deps.Gate == nil:
		return nil, fmt.Errorf("%w: safety gate", ErrNotConfigured)
	case deps.Conversations == nil:
		return nil, fmt.Errorf("%w: conversation store", ErrNotConfigured)
	case deps.Violations == nil:
		return nil, fmt.Errorf("%w: violation log", ErrNotConfigured)
	}

	msg := deps.SafeMessage
	if msg == "" {
		msg = safety.DefaultSafeMessage
	}

	o := &Orchestrator{
		router:        deps.Router,
		specialists:   deps.Specialists,
		gate:          deps.Gate,
		conversations: deps.Conversations,
		violations:    deps.Violations,
		audit:         deps.Audit,
		bus:           deps.Bus,
		log:           zerolog.Nop(),
		safeMessage:   msg,
		stats: Stats{
			BySpecialist:     make(map[types.Specialist]int64),
			RejectionReasons: make(map[string]int64),
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// SetSafeMessage replaces the substitution text for rejected candidates.
func (o *Orchestrator) SetSafeMessage(msg string) {
	if strings.TrimSpace(msg) == "" {
		return
	}
	o.msgMu.Lock()
	o.safeMessage = msg
	o.msgMu.Unlock()
}

func (o *Orchestrator) currentSafeMessage() string {
	o.msgMu.RLock()
	defer o.msgMu.RUnlock()
	return o.safeMessage
}

// HandleTurn runs Router, Specialist, Gate and Store-append in that order.
// It always returns a non-empty response.
func (o *Orchestrator) HandleTurn(ctx context.Context, userID, text string, rc RequestContext) (result TurnResult) {
	start := time.Now()
	if strings.TrimSpace(userID) == "" {
		userID = AnonymousUser
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.IncPanic()
			o.log.Error().
				Str("user_id", userID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("turn panicked")
			result = o.failure(result.Specialist, start)
		}
	}()

	decision := o.router.Route(text)
	result.Specialist = decision.Specialist

	handler, err := o.specialists.Get(decision.Specialist)
	if err != nil {
		o.log.Error().Err(err).Str("user_id", userID).Msg("no handler for routed specialist")
		return o.failure(decision.Specialist, start)
	}

	history, err := o.conversations.History(ctx, userID, historyContextTurns)
	if err != nil {
		o.log.Warn().Err(err).Str("user_id", userID).Msg("history unavailable, continuing without context")
		history = nil
	}

	cand := handler.Generate(ctx, text, specialist.TurnContext{
		UserID:  userID,
		Grade:   rc.Grade,
		Emotion: rc.Emotion,
		History: history,
	})
	if strings.TrimSpace(cand.Text) == "" {
		o.log.Error().Str("specialist", decision.Specialist.String()).Msg("specialist returned empty candidate")
		return o.failure(decision.Specialist, start)
	}
	if cand.Fallback {
		metrics.IncFallback(decision.Specialist.String())
		o.publish(bus.EventFallbackUsed, func(e *bus.Event) {
			e.UserID = userID
			e.Specialist = decision.Specialist.String()
			e.Model = cand.Model
			if cand.Err != nil {
				e.Error = cand.Err.Error()
			}
		})
	}

	review := o.gate.Review(ctx, cand.Text)
	if review.Degraded {
		metrics.IncSafetyDegraded()
		o.publish(bus.EventSafetyDegraded, func(e *bus.Event) {
			e.UserID = userID
			e.Specialist = decision.Specialist.String()
			if review.CheckErr != nil {
				e.Error = review.CheckErr.Error()
			}
		})
	}

	now := time.Now().UTC()
	final := cand.Text
	if !review.Approved() {
		final = o.currentSafeMessage()
		o.recordViolation(ctx, types.SafetyViolation{
			ID:                types.NewID(),
			UserID:            userID,
			Input:             text,
			RejectedCandidate: cand.Text,
			Reason:            review.Reason,
			Specialist:        decision.Specialist,
			CreatedAt:         now,
		}, review.Source)
	}

	turn := types.Turn{
		ID:            types.NewID(),
		UserID:        userID,
		Input:         text,
		Specialist:    decision.Specialist,
		Candidate:     cand.Text,
		FinalResponse: final,
		Verdict:       review.Verdict,
		Reason:        review.Reason,
		Model:         cand.Model,
		Version:       cand.Version,
		Experiment:    cand.Experiment,
		Variant:       cand.Variant,
		Fallback:      cand.Fallback,
		CreatedAt:     now,
	}

	persisted := true
	writeCtx, cancel := logging.DetachContextWithTimeout(ctx, writeTimeout)
	if err := o.conversations.Append(writeCtx, userID, turn); err != nil {
		persisted = false
		metrics.IncPersistFailure("conversation")
		o.log.Error().Err(err).Str("user_id", userID).Str("turn_id", turn.ID).Msg("conversation append failed, returning response anyway")
	}
	if o.audit != nil {
		if err := o.audit.RecordInteraction(writeCtx, turn); err != nil {
			o.log.Warn().Err(err).Str("turn_id", turn.ID).Msg("audit interaction failed")
		}
	}
	cancel()

	result = TurnResult{
		TurnID:       turn.ID,
		Response:     final,
		Specialist:   decision.Specialist,
		SafetyStatus: review.Verdict,
		Fallback:     cand.Fallback,
		Persisted:    persisted,
		Duration:     time.Since(start),
		Reason:       review.Reason,
	}
	o.complete(result, review.Degraded, turn)
	return result
}

func (o *Orchestrator) recordViolation(ctx context.Context, v types.SafetyViolation, source safety.Source) {
	metrics.IncSafetyRejection(string(source))

	writeCtx, cancel := logging.DetachContextWithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := o.violations.RecordViolation(writeCtx, v); err != nil {
		metrics.IncPersistFailure("violations")
		o.log.Error().Err(err).Str("violation_id", v.ID).Msg("violation record failed")
	}
	if o.audit != nil {
		if err := o.audit.RecordViolation(writeCtx, v); err != nil {
			o.log.Warn().Err(err).Str("violation_id", v.ID).Msg("audit violation failed")
		}
	}

	o.publish(bus.EventSafetyRejected, func(e *bus.Event) {
		e.UserID = v.UserID
		e.Specialist = v.Specialist.String()
		e.Reason = v.Reason
		e.Details = string(source)
	})
}

func (o *Orchestrator) complete(r TurnResult, degraded bool, turn types.Turn) {
	metrics.ObserveTurn(r.Specialist.String(), string(r.SafetyStatus), r.Duration)

	o.statsMu.Lock()
	o.stats.Turns++
	o.stats.BySpecialist[r.Specialist]++
	if r.SafetyStatus == types.VerdictApproved {
		o.stats.Approved++
	} else {
		o.stats.Rejected++
		o.stats.RejectionReasons[r.Reason]++
	}
	if r.Fallback {
		o.stats.Fallbacks++
	}
	if degraded {
		o.stats.Degraded++
	}
	if !r.Persisted {
		o.stats.PersistFailures++
	}
	o.statsMu.Unlock()

	o.publish(bus.EventTurnCompleted, func(e *bus.Event) {
		e.TurnID = r.TurnID
		e.UserID = turn.UserID
		e.Specialist = r.Specialist.String()
		e.Verdict = string(r.SafetyStatus)
		e.Reason = r.Reason
		e.Fallback = r.Fallback
		e.DurationMs = r.Duration.Milliseconds()
		e.Model = turn.Model
		e.Version = turn.Version
		e.Experiment = turn.Experiment
		e.Variant = turn.Variant
	})

	o.log.Debug().
		Str("turn_id", r.TurnID).
		Str("specialist", r.Specialist.String()).
		Str("verdict", string(r.SafetyStatus)).
		Bool("fallback", r.Fallback).
		Dur("duration", r.Duration).
		Msg("turn completed")
}

func (o *Orchestrator) failure(sp types.Specialist, start time.Time) TurnResult {
	o.statsMu.Lock()
	o.stats.Failures++
	o.statsMu.Unlock()

	return TurnResult{
		Response:     FailureMessage,
		Specialist:   sp,
		SafetyStatus: types.VerdictApproved,
		Duration:     time.Since(start),
		Failed:       true,
	}
}

func (o *Orchestrator) publish(t bus.EventType, fill func(*bus.Event)) {
	if o.bus == nil {
		return
	}
	ev := bus.NewEvent(t)
	fill(&ev)
	if err := o.bus.Publish(ev); err != nil && !errors.Is(err, bus.ErrClosed) {
		o.log.Debug().Err(err).Str("event_type", string(t)).Msg("publish failed")
	}
}

// ConversationHistory returns up to limit of the user's most recent turns in
// chronological order.
func (o *Orchestrator) ConversationHistory(ctx context.Context, userID string, limit int) ([]types.Turn, error) {
	return o.conversations.History(ctx, userID, limit)
}

// SafetyViolations returns up to limit of the most recent violations in
// chronological order.
func (o *Orchestrator) SafetyViolations(ctx context.Context, limit int) ([]types.SafetyViolation, error) {
	return o.violations.Recent(ctx, limit)
}

// SearchConversations finds turns containing keyword across users.
func (o *Orchestrator) SearchConversations(ctx context.Context, keyword string, limit int) ([]conversation.Match, error) {
	return o.conversations.Search(ctx, keyword, limit)
}

// Stats returns a copy of the turn statistics.
func (o *Orchestrator) Stats() Stats {
	o.statsMu.Lock()
	s := o.stats
	s.BySpecialist = make(map[types.Specialist]int64, len(o.stats.BySpecialist))
	for k, v := range o.stats.BySpecialist {
		s.BySpecialist[k] = v
	}
	s.RejectionReasons = make(map[string]int64, len(o.stats.RejectionReasons))
	for k, v := range o.stats.RejectionReasons {
		s.RejectionReasons[k] = v
	}
	o.statsMu.Unlock()

	s.Router = o.router.Stats()
	return s
}

// Summary describes everything persisted, across process restarts.
type Summary struct {
	Users        int                      `json:"users"`
	Turns        int                      `json:"turns"`
	Rejected     int                      `json:"rejected"`
	Fallbacks    int                      `json:"fallbacks"`
	Violations   int                      `json:"violations"`
	BySpecialist map[types.Specialist]int `json:"by_specialist"`
	LastTurnAt   time.Time                `json:"last_turn_at,omitempty"`
}

// Summary scans the stored histories and the violation log.
func (o *Orchestrator) Summary(ctx context.Context) (Summary, error) {
	s := Summary{BySpecialist: make(map[types.Specialist]int)}

	users, err := o.conversations.Users(ctx)
	if err != nil {
		return s, err
	}
	s.Users = len(users)
	for _, u := range users {
		turns, err := o.conversations.History(ctx, u, 0)
		if err != nil {
			return s, err
		}
		for _, t := range turns {
			s.Turns++
			s.BySpecialist[t.Specialist]++
			if t.Verdict == types.VerdictRejected {
				s.Rejected++
			}
			if t.Fallback {
				s.Fallbacks++
			}
			if t.CreatedAt.After(s.LastTurnAt) {
				s.LastTurnAt = t.CreatedAt
			}
		}
	}

	violations, err := o.violations.Recent(ctx, 0)
	if err != nil {
		return s, err
	}
	s.Violations = len(violations)
	return s, nil
}

// Package conversation keeps a bounded, durable history of turns per user.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/edubuddy/internal/store"
	"github.com/normanking/edubuddy/pkg/types"
)

// Retention defaults.
const (
	DefaultMaxTurns = 100
	DefaultTrimTo   = 50
)

// Config bounds each user's history. Once a log grows past MaxTurns it is
// cut back to the newest TrimTo turns.
type Config struct {
	MaxTurns int `mapstructure:"max_turns" yaml:"max_turns"`
	TrimTo   int `mapstructure:"trim_to" yaml:"trim_to"`
}

// DefaultConfig returns the default retention window.
func DefaultConfig() Config {
	return Config{MaxTurns: DefaultMaxTurns, TrimTo: DefaultTrimTo}
}

func (c Config) normalize() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.TrimTo <= 0 || c.TrimTo > c.MaxTurns {
		c.TrimTo = min(DefaultTrimTo, c.MaxTurns)
	}
	return c
}

// Store serializes appends per user and writes the user's full updated log
// through the record store before an append returns.
type Store struct {
	records store.RecordStore
	cfg     Config
	log     zerolog.Logger

	mu    sync.Mutex // guards users and locks
	users map[string][]types.Turn
	locks map[string]*sync.Mutex
}

// New creates a Store over records.
func New(records store.RecordStore, cfg Config, logger zerolog.Logger) *Store {
	return &Store{
		records: records,
		cfg:     cfg.normalize(),
		log:     logger,
		users:   make(map[string][]types.Turn),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Config returns the effective retention window.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// load returns the user's cached log, reading it from the record store on
// first use. The caller holds the user lock.
func (s *Store) load(ctx context.Context, userID string) ([]types.Turn, error) {
	s.mu.Lock()
	turns, ok := s.users[userID]
	s.mu.Unlock()
	if ok {
		return turns, nil
	}

	records, err := s.records.Read(ctx, store.ConversationKey(userID), 0)
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", userID, err)
	}
	turns = make([]types.Turn, 0, len(records))
	for _, rec := range records {
		var t types.Turn
		if err := json.Unmarshal(rec, &t); err != nil {
			return nil, fmt.Errorf("decode turn for %s: %w", userID, err)
		}
		turns = append(turns, t)
	}

	s.mu.Lock()
	s.users[userID] = turns
	s.mu.Unlock()
	return turns, nil
}

// Append adds turn to the user's log, trims it if it exceeded the cap and
// durably writes the full log. On a write error the log is unchanged.
func (s *Store) Append(ctx context.Context, userID string, turn types.Turn) error {
	if userID == "" {
		return fmt.Errorf("append turn: empty user id")
	}

	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	current, err := s.load(ctx, userID)
	if err != nil {
		return err
	}

	next := make([]types.Turn, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, turn)
	if len(next) > s.cfg.MaxTurns {
		next = append([]types.Turn(nil), next[len(next)-s.cfg.TrimTo:]...)
	}

	if err := s.persist(ctx, userID, next); err != nil {
		return err
	}

	s.mu.Lock()
	s.users[userID] = next
	s.mu.Unlock()
	return nil
}

func (s *Store) persist(ctx context.Context, userID string, turns []types.Turn) error {
	records := make([][]byte, 0, len(turns))
	for _, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode turn %s: %w", t.ID, err)
		}
		records = append(records, data)
	}
	if err := s.records.Overwrite(ctx, store.ConversationKey(userID), records); err != nil {
		return fmt.Errorf("persist history for %s: %w", userID, err)
	}
	return nil
}

// History returns the user's most recent limit turns, oldest first. A
// limit <= 0 returns the whole log. Unknown users have an empty history.
func (s *Store) History(ctx context.Context, userID string, limit int) ([]types.Turn, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	turns, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]types.Turn{}, turns...), nil
}

// Reset deletes the user's history.
func (s *Store) Reset(ctx context.Context, userID string) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := s.records.Delete(ctx, store.ConversationKey(userID)); err != nil {
		return fmt.Errorf("reset history for %s: %w", userID, err)
	}
	s.mu.Lock()
	s.users[userID] = []types.Turn{}
	s.mu.Unlock()

	s.log.Info().Str("user_id", userID).Msg("conversation history reset")
	return nil
}

// Users lists every user with stored history.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	keys, err := s.records.Keys(ctx, store.PrefixConversations)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[strings.TrimPrefix(k, store.PrefixConversations)] = true
	}

	// Include users whose history is cached but not yet listed by the backend.
	s.mu.Lock()
	for u, turns := range s.users {
		if len(turns) > 0 {
			seen[u] = true
		}
	}
	s.mu.Unlock()

	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}

// Match is one search hit.
type Match struct {
	UserID string     `json:"user_id"`
	Turn   types.Turn `json:"turn"`
}

// Search returns turns whose input or final response contains keyword,
// newest first, across all users.
func (s *Store) Search(ctx context.Context, keyword string, limit int) ([]Match, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, nil
	}

	users, err := s.Users(ctx)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, u := range users {
		turns, err := s.History(ctx, u, 0)
		if err != nil {
			return nil, err
		}
		for _, t := range turns {
			if strings.Contains(t.Input, keyword) || strings.Contains(t.FinalResponse, keyword) {
				matches = append(matches, Match{UserID: u, Turn: t})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Turn.CreatedAt.After(matches[j].Turn.CreatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

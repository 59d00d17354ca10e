// Package store provides the durable key/record store behind conversation
// history, the safety violation log and the model registry.
//
// A key names one ordered record set (for example "conversations/u1").
// Records are opaque bytes; callers encode them as JSON. Every call is
// crash-consistent on its own: Overwrite replaces a key's records atomically.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Well-known key prefixes.
const (
	PrefixConversations = "conversations/"
	PrefixVersions      = "registry/versions/"
	PrefixExperiments   = "registry/experiments/"

	KeyViolations = "safety/violations"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store closed")
	// ErrInvalidRecord is returned when a backend cannot hold a record.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrEmptyKey is returned for operations on an empty key.
	ErrEmptyKey = errors.New("empty key")
)

// RecordStore is an ordered, keyed record log.
type RecordStore interface {
	// Append adds one record to the end of key's record set.
	Append(ctx context.Context, key string, record []byte) error
	// Read returns the most recent limit records in chronological order.
	// A limit <= 0 returns every record. A missing key yields no records.
	Read(ctx context.Context, key string, limit int) ([][]byte, error)
	// Overwrite atomically replaces every record stored under key.
	Overwrite(ctx context.Context, key string, records [][]byte) error
	// Keys lists the keys that start with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Delete removes every record stored under key.
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Driver is one of "sqlite", "file" or "memory".
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Path is the database file (sqlite) or JSON state file (file).
	Path string `mapstructure:"path" yaml:"path"`
}

// Open returns the backend named by cfg.Driver.
func Open(cfg Config) (RecordStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		return NewSQLiteStore(cfg.Path)
	case "file":
		return NewFileStore(cfg.Path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// ConversationKey returns the record set key for a user's conversation log.
func ConversationKey(userID string) string {
	return PrefixConversations + userID
}

// VersionsKey returns the record set key for a logical model's versions.
func VersionsKey(model string) string {
	return PrefixVersions + model
}

// ExperimentKey returns the record set key for an experiment definition.
func ExperimentKey(name string) string {
	return PrefixExperiments + name
}

func tail(records [][]byte, limit int) [][]byte {
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([][]byte, len(records))
	for i, r := range records {
		out[i] = append([]byte(nil), r...)
	}
	return out
}

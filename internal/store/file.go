package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps the whole store state in one JSON document and rewrites it
// on every mutation. The write goes to a temporary file that is renamed over
// the previous state, so a crash leaves either the old or the new document.
// Records must be valid JSON and are stored compacted, so Read returns the
// same bytes before and after a reopen.
type FileStore struct {
	path string

	mu     sync.Mutex
	state  map[string][]json.RawMessage
	closed bool
}

// NewFileStore loads path if it exists.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store: %w", ErrEmptyKey)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	s := &FileStore{path: path, state: make(map[string][]json.RawMessage)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.state); err != nil {
			return nil, fmt.Errorf("decode state file: %w", err)
		}
	}
	for key, records := range s.state {
		for i, r := range records {
			c, err := compactRecord(r)
			if err != nil {
				return nil, fmt.Errorf("decode state file %s: %w", key, err)
			}
			records[i] = c
		}
	}
	return s, nil
}

func compactRecord(record []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, record); err != nil {
		return nil, ErrInvalidRecord
	}
	return buf.Bytes(), nil
}

// Append implements RecordStore.
func (s *FileStore) Append(_ context.Context, key string, record []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	c, err := compactRecord(record)
	if err != nil {
		return err
	}
	return s.mutate(func(next map[string][]json.RawMessage) {
		records := append([]json.RawMessage(nil), next[key]...)
		next[key] = append(records, c)
	})
}

// Read implements RecordStore.
func (s *FileStore) Read(_ context.Context, key string, limit int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	raw := s.state[key]
	records := make([][]byte, len(raw))
	for i, r := range raw {
		records[i] = r
	}
	return tail(records, limit), nil
}

// Overwrite implements RecordStore.
func (s *FileStore) Overwrite(_ context.Context, key string, records [][]byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	replacement := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		c, err := compactRecord(r)
		if err != nil {
			return err
		}
		replacement = append(replacement, c)
	}
	return s.mutate(func(next map[string][]json.RawMessage) {
		if len(replacement) == 0 {
			delete(next, key)
			return
		}
		next[key] = replacement
	})
}

// Keys implements RecordStore.
func (s *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var keys []string
	for k := range s.state {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements RecordStore.
func (s *FileStore) Delete(_ context.Context, key string) error {
	return s.mutate(func(next map[string][]json.RawMessage) {
		delete(next, key)
	})
}

// Close implements RecordStore.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// mutate applies fn to a shallow copy of the state, writes the copy to disk
// and only then makes it current.
func (s *FileStore) mutate(fn func(map[string][]json.RawMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	next := make(map[string][]json.RawMessage, len(s.state)+1)
	for k, v := range s.state {
		next[k] = v
	}
	fn(next)

	if err := s.write(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *FileStore) write(state map[string][]json.RawMessage) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

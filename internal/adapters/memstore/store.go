// Package memstore is a process-local DocumentStore and TradeLog. State is lost
// on exit; it backs STORE_BACKEND=memory and the unit tests.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"reversalBot/internal/ports"
)

// Store keeps JSON documents and log lines in memory.
type Store struct {
	mu    sync.RWMutex
	docs  map[string][]byte
	lines []string
}

// New creates an empty store.
func New() *Store {
	return &Store{docs: make(map[string][]byte)}
}

// ReadJSON decodes the document stored under key into dst.
func (s *Store) ReadJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	s.mu.RLock()
	data, ok := s.docs[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode document %s: %w: %w", key, ports.ErrQueryFailed, err)
	}
	return true, nil
}

// WriteJSON replaces the document stored under key.
func (s *Store) WriteJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode document %s: %w: %w", key, ports.ErrUpdateFailed, err)
	}
	s.mu.Lock()
	s.docs[key] = data
	s.mu.Unlock()
	return nil
}

// AppendLine appends one line to the trade log.
func (s *Store) AppendLine(ctx context.Context, line string) error {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
	return nil
}

// Lines returns a copy of the trade log.
func (s *Store) Lines(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out, nil
}

// Package history persists the browser UI's chat list. The gateway
// never interprets the blob beyond requiring a JSON array; it is opaque
// read/write glue for an external collaborator.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the stored chat list, or an empty array when nothing has
// been saved yet.
func (s *Store) Load() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return json.RawMessage("[]"), nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}
	if !json.Valid(b) {
		return json.RawMessage("[]"), nil
	}
	return json.RawMessage(b), nil
}

// Save replaces the stored chat list wholesale.
func (s *Store) Save(blob json.RawMessage) error {
	var probe []json.RawMessage
	if err := json.Unmarshal(blob, &probe); err != nil {
		return fmt.Errorf("history must be a JSON array: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("mkdir history dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

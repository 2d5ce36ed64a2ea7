// Package credstore persists the signed-in identity between client runs.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"lessons/internal/domain"
)

const credentialsFile = "credentials.json"

// Record is the persisted form of a sign-in.
type Record struct {
	IDToken      string    `json:"id_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	SavedAt      time.Time `json:"saved_at"`
}

// FileStore keeps a Record in a JSON file readable only by the current user.
type FileStore struct {
	path string
}

// NewFileStore creates dir if needed and returns a store for dir/credentials.json.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating credentials dir: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, credentialsFile)}, nil
}

// Path returns the file the store writes.
func (s *FileStore) Path() string { return s.path }

// Save writes rec, replacing any previous record.
func (s *FileStore) Save(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing credentials: %w", err)
	}
	return nil
}

// Load returns the stored record, or domain.ErrNotFound when none exists.
func (s *FileStore) Load() (Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, domain.ErrNotFound
		}
		return Record{}, fmt.Errorf("reading credentials: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding credentials: %w", err)
	}
	return rec, nil
}

// Delete removes the stored record. Deleting a missing record is not an error.
func (s *FileStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing credentials: %w", err)
	}
	return nil
}

// Memory is an in-process store, used when nothing should touch disk.
type Memory struct {
	mu  sync.Mutex
	rec *Record
}

func (m *Memory) Save(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = &rec
	return nil
}

func (m *Memory) Load() (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return Record{}, domain.ErrNotFound
	}
	return *m.rec, nil
}

func (m *Memory) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = nil
	return nil
}

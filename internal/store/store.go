// Package store persists the escrow state between restarts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"salesescrow/internal/escrow"
)

var (
	_ escrow.Store = (*MemoryStore)(nil)
	_ escrow.Store = (*FileStore)(nil)
)

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu    sync.RWMutex
	state *escrow.Escrow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) (*escrow.Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, e *escrow.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = e.Clone()
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// FileStore keeps the escrow as a JSON document on disk. Writes go to a
// temporary file first and are renamed into place.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("state path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileStore{path: path}, nil
}

func (f *FileStore) Load(_ context.Context) (*escrow.Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(blob) == 0 {
		return nil, nil
	}
	return decode(blob)
}

func (f *FileStore) Save(_ context.Context, e *escrow.Escrow) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(f.path))
	return err
}

func decode(blob []byte) (*escrow.Escrow, error) {
	var e escrow.Escrow
	if err := json.Unmarshal(blob, &e); err != nil {
		return nil, fmt.Errorf("decode escrow: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("stored escrow: %w", err)
	}
	return &e, nil
}

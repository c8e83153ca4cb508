package beancore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/exp/mmap"
)

// PassivationStore holds the serialized conversational state of stateful
// sessions evicted from memory.
//
// Implementations must be safe for concurrent use. Load returns an error
// matching ErrSessionNotFound for unknown identities.
type PassivationStore interface {
	Save(ctx context.Context, id Identity, state []byte) error
	Load(ctx context.Context, id Identity) ([]byte, error)
	Remove(ctx context.Context, id Identity) error
}

// MemoryStore is a PassivationStore kept in process memory. It is mostly
// useful for tests and for bounding the number of live instances rather
// than their memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Identity][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[Identity][]byte)}
}

func (s *MemoryStore) Save(_ context.Context, id Identity, state []byte) error {
	buf := make([]byte, len(state))
	copy(buf, state)
	s.mu.Lock()
	s.data[id] = buf
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id Identity) ([]byte, error) {
	s.mu.RLock()
	buf, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func (s *MemoryStore) Remove(_ context.Context, id Identity) error {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// FileStore keeps one file per passivated session under a directory.
//
// Files are written to a temporary name and renamed into place so a crash
// never leaves a torn state file. Reads memory-map the file and copy the
// state out, which keeps large session states off the read syscall path.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create passivation dir: %w", err)
	}
	return &FileStore{dir: abs}, nil
}

// path derives a file name that is safe for any home or key content.
func (s *FileStore) path(id Identity) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(id.Home))+"-"+hex.EncodeToString([]byte(id.Key))+".ses")
}

func (s *FileStore) Save(_ context.Context, id Identity, state []byte) error {
	tmp, err := os.CreateTemp(s.dir, "ses-*.tmp")
	if err != nil {
		return fmt.Errorf("passivate %s: %w", id, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(state); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("passivate %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("passivate %s: %w", id, err)
	}
	if err := os.Rename(name, s.path(id)); err != nil {
		os.Remove(name)
		return fmt.Errorf("passivate %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) Load(_ context.Context, id Identity) ([]byte, error) {
	r, err := mmap.Open(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	defer r.Close()

	buf := make([]byte, r.Len())
	if _, err := r.ReadAt(buf, 0); err != nil && len(buf) > 0 {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	return buf, nil
}

func (s *FileStore) Remove(_ context.Context, id Identity) error {
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

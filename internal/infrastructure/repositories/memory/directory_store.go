package memory

import (
	"context"
	"sync"

	"voicebox/internal/core/domain"
	"voicebox/internal/core/ports"
)

// DirectoryStore is an in-process key-value directory. It is shared by
// every node in the same process, which is enough for tests and for a
// single-host demo.
type DirectoryStore struct {
	mu      sync.RWMutex
	entries map[string]string
}

var (
	_ ports.ConditionalDirectoryStore = (*DirectoryStore)(nil)
	_ ports.HealthChecker             = (*DirectoryStore)(nil)
)

func NewDirectoryStore() *DirectoryStore {
	return &DirectoryStore{
		entries: make(map[string]string),
	}
}

func (s *DirectoryStore) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	return nil
}

func (s *DirectoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.entries[key]
	if !ok {
		return "", domain.ErrKeyNotFound
	}
	return value, nil
}

// PutIfAbsent stores value only when key has no value yet.
func (s *DirectoryStore) PutIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; exists {
		return false, nil
	}
	s.entries[key] = value
	return true, nil
}

func (s *DirectoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *DirectoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory. It backs tests and the
// "memory" driver.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte

	// FailSave, when set, is returned by every Save.
	FailSave error
}

// NewMemoryStore returns an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Save(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSave != nil {
		return s.FailSave
	}
	s.data[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Set writes a record directly, bypassing FailSave. Tests use it to seed
// corrupt data.
func (s *MemoryStore) Set(key string, data []byte) {
	s.mu.Lock()
	s.data[key] = append([]byte(nil), data...)
	s.mu.Unlock()
}

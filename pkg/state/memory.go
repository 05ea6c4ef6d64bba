package state

import (
	"context"
	"sync"
)

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: State{Bookmarks: map[string]Bookmark{}}}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (Bookmark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.Bookmarks[key]
	return b, ok, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, b Bookmark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Bookmarks[key] = b
	return nil
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(_ context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone(), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

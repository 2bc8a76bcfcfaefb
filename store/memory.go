package store

import (
	"context"
	"sync"

	"github.com/KanavDutta/costgate/core"
)

// MemoryStore provides thread-safe in-memory storage for capacity snapshots.
// It shares state between executors of the same process, mostly in tests.
type MemoryStore struct {
	snapshots sync.Map // map[string]core.Capacity
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Get retrieves a copy of the snapshot stored for identity
func (s *MemoryStore) Get(ctx context.Context, identity string) (*core.Capacity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, ok := s.snapshots.Load(identity)
	if !ok {
		return nil, nil
	}
	capacity := val.(core.Capacity)
	return &capacity, nil
}

// Set stores a copy of capacity for identity
func (s *MemoryStore) Set(ctx context.Context, identity string, capacity *core.Capacity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if capacity == nil {
		s.snapshots.Delete(identity)
		return nil
	}
	s.snapshots.Store(identity, *capacity)
	return nil
}

// Delete removes the snapshot for identity
func (s *MemoryStore) Delete(_ context.Context, identity string) error {
	s.snapshots.Delete(identity)
	return nil
}

// Clear removes all snapshots
func (s *MemoryStore) Clear(_ context.Context) error {
	s.snapshots.Range(func(key, _ any) bool {
		s.snapshots.Delete(key)
		return true
	})
	return nil
}

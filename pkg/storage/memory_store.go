package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps the snapshot in memory. It is used by tests and by
// ephemeral runs that do not need durability.
type MemoryStore struct {
	mu     sync.Mutex
	data   []byte
	writes int
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Name implements SnapshotStore.
func (s *MemoryStore) Name() string { return "memory" }

// Write replaces the held snapshot with a copy of data.
func (s *MemoryStore) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.data = append([]byte(nil), data...)
	s.writes++
	return nil
}

// Read returns a copy of the held snapshot, or ErrNoSnapshot.
func (s *MemoryStore) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.data == nil {
		return nil, ErrNoSnapshot
	}
	return append([]byte(nil), s.data...), nil
}

// Writes returns how many snapshots have been written.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Close marks the store closed. Later reads and writes fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ SnapshotStore = (*MemoryStore)(nil)

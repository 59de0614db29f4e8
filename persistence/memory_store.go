package persistence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStateStore is an in-memory implementation of StateStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStateStore struct {
	snapshots map[string]*Snapshot
	mu        sync.RWMutex
	closed    bool
}

// NewMemoryStateStore creates a new in-memory state store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		snapshots: make(map[string]*Snapshot),
	}
}

// Close closes the store
func (s *MemoryStateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryStateStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// LoadConfig retrieves a snapshot by task ID
func (s *MemoryStateStore) LoadConfig(ctx context.Context, taskID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	snap, ok := s.snapshots[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSnapshot(snap), nil
}

// UpsertConfig stores a snapshot unless a newer version is already present
func (s *MemoryStateStore) UpsertConfig(ctx context.Context, snap *Snapshot) error {
	if err := validSnapshot(snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if cur, ok := s.snapshots[snap.TaskID]; ok && cur.Version > snap.Version {
		return nil
	}
	stored := cloneSnapshot(snap)
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}
	s.snapshots[snap.TaskID] = stored
	return nil
}

// DeleteConfig removes a snapshot
func (s *MemoryStateStore) DeleteConfig(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	delete(s.snapshots, taskID)
	return nil
}

// ListConfigs returns snapshots ordered by task id
func (s *MemoryStateStore) ListConfigs(ctx context.Context, state string) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	result := make([]*Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		if state == "" || snap.State == state {
			result = append(result, cloneSnapshot(snap))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TaskID < result[j].TaskID })
	return result, nil
}

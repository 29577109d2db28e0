package marketplace

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"taskmarket-backend/core/marketplace"
)

// MemoryStore keeps marketplace state in process memory. The single RWMutex
// makes each Apply atomic across the config, task, bid, and dispute maps.
type MemoryStore struct {
	mu       sync.RWMutex
	config   *marketplace.Config
	tasks    map[uint64]marketplace.Task
	bids     map[uint64][]marketplace.Bid
	disputes map[uint64]marketplace.Dispute
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[uint64]marketplace.Task),
		bids:     make(map[uint64][]marketplace.Bid),
		disputes: make(map[uint64]marketplace.Dispute),
	}
}

// GetConfig returns the marketplace configuration.
func (s *MemoryStore) GetConfig(ctx context.Context) (marketplace.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config == nil {
		return marketplace.Config{}, marketplace.ErrNotInitialized
	}
	return *s.config, nil
}

// HasConfig reports whether the marketplace has been initialized.
func (s *MemoryStore) HasConfig(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config != nil, nil
}

// GetTask returns a task by id.
func (s *MemoryStore) GetTask(ctx context.Context, id uint64) (marketplace.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return marketplace.Task{}, marketplace.ErrTaskNotFound
	}
	return task, nil
}

// GetBids returns a copy of the bid list for a task, oldest first.
func (s *MemoryStore) GetBids(ctx context.Context, taskID uint64) ([]marketplace.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bids := s.bids[taskID]
	out := make([]marketplace.Bid, len(bids))
	copy(out, bids)
	return out, nil
}

// GetDispute returns the dispute for a task.
func (s *MemoryStore) GetDispute(ctx context.Context, taskID uint64) (marketplace.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[taskID]
	if !ok {
		return marketplace.Dispute{}, marketplace.ErrDisputeNotFound
	}
	return d, nil
}

// HasDispute reports whether a dispute exists for a task.
func (s *MemoryStore) HasDispute(ctx context.Context, taskID uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.disputes[taskID]
	return ok, nil
}

// Apply commits every record in the change set under one lock.
func (s *MemoryStore) Apply(ctx context.Context, cs marketplace.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs.Config != nil {
		cfg := *cs.Config
		s.config = &cfg
	}
	if cs.Task != nil {
		s.tasks[cs.Task.ID] = *cs.Task
	}
	if cs.Bids != nil {
		bids := make([]marketplace.Bid, len(cs.Bids.Bids))
		copy(bids, cs.Bids.Bids)
		s.bids[cs.Bids.TaskID] = bids
	}
	if cs.Dispute != nil {
		s.disputes[cs.Dispute.TaskID] = *cs.Dispute
	}
	return nil
}

// ListTasks returns all tasks, optionally filtered by status.
func (s *MemoryStore) ListTasks(ctx context.Context, status marketplace.TaskStatus) ([]marketplace.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]marketplace.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b marketplace.Task) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}

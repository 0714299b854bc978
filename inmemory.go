package batchpool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements the Store interface using in-memory storage.
// It uses a single mutex for thread-safety and is suitable for testing
// and for single-process deployments that do not need durability.
type MemoryStore struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	items    map[string]*Item    // itemID -> item
	jobItems map[string][]string // jobID -> item IDs in sequence order
	closed   bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*Job),
		items:    make(map[string]*Item),
		jobItems: make(map[string][]string),
	}
}

// Close closes the store and prevents further operations.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// CreateJob persists a job and its items.
func (s *MemoryStore) CreateJob(ctx context.Context, job *Job, items []*Item) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateNewJob(job, items); err != nil {
		return err
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job already exists: %s", ErrPersistence, job.ID)
	}
	for _, item := range items {
		if _, exists := s.items[item.ID]; exists {
			return fmt.Errorf("%w: item already exists: %s", ErrPersistence, item.ID)
		}
	}

	stored := cloneJob(job)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.jobs[stored.ID] = stored

	ids := make([]string, 0, len(items))
	for _, item := range items {
		s.items[item.ID] = cloneItem(item)
		ids = append(ids, item.ID)
	}
	s.jobItems[job.ID] = ids
	return nil
}

// GetJob reads a job and its items.
func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, []*Item, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, nil, err
	}
	job, exists := s.jobs[jobID]
	if !exists {
		return nil, nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return cloneJob(job), s.itemsLocked(jobID, nil), nil
}

// LoadJob reads a job record.
func (s *MemoryStore) LoadJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}

	result := make([]*Job, 0)
	for _, job := range s.jobs {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, job.Status) {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		result = append(result, cloneJob(job))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ListItems returns a job's items in sequence order.
func (s *MemoryStore) ListItems(ctx context.Context, jobID string, statuses ...ItemStatus) ([]*Item, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	if _, exists := s.jobs[jobID]; !exists {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return s.itemsLocked(jobID, statuses), nil
}

// UpdateJob applies a partial update.
func (s *MemoryStore) UpdateJob(ctx context.Context, jobID string, update JobUpdate) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.jobLocked(jobID)
	if err != nil {
		return nil, err
	}
	applyJobUpdate(job, update, time.Now())
	return cloneJob(job), nil
}

// TransitionJob moves a job between statuses with compare-and-set semantics.
func (s *MemoryStore) TransitionJob(ctx context.Context, jobID string, from []JobStatus, to JobStatus, update JobUpdate) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.jobLocked(jobID)
	if err != nil {
		return nil, err
	}
	if !containsStatus(from, job.Status) {
		return nil, fmt.Errorf("%w: job %s is %s, cannot move to %s", ErrInvalidState, jobID, job.Status, to)
	}
	update.Status = &to
	applyJobUpdate(job, update, time.Now())
	return cloneJob(job), nil
}

// IncrementProgress atomically adds to the job counters.
func (s *MemoryStore) IncrementProgress(ctx context.Context, jobID string, delta ProgressDelta) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.jobLocked(jobID)
	if err != nil {
		return nil, err
	}
	if err := applyProgressDelta(job, delta, time.Now()); err != nil {
		return nil, err
	}
	return cloneJob(job), nil
}

// ClaimItem moves a pending item to processing.
func (s *MemoryStore) ClaimItem(ctx context.Context, itemID string) (*Item, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, err := s.itemLocked(itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != ItemStatusPending {
		return nil, fmt.Errorf("%w: item %s is %s, not pending", ErrInvalidState, itemID, item.Status)
	}
	item.Status = ItemStatusProcessing
	return cloneItem(item), nil
}

// UpdateItem applies a partial update to an item.
func (s *MemoryStore) UpdateItem(ctx context.Context, itemID string, update ItemUpdate) (*Item, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, err := s.itemLocked(itemID)
	if err != nil {
		return nil, err
	}
	updated := cloneItem(item)
	if err := applyItemUpdate(updated, update); err != nil {
		return nil, err
	}
	s.items[itemID] = updated
	return cloneItem(updated), nil
}

// ResetProcessingItems returns processing items to pending.
func (s *MemoryStore) ResetProcessingItems(ctx context.Context, jobID string) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.jobLocked(jobID); err != nil {
		return 0, err
	}
	reset := 0
	for _, id := range s.jobItems[jobID] {
		if item := s.items[id]; item.Status == ItemStatusProcessing {
			item.Status = ItemStatusPending
			reset++
		}
	}
	return reset, nil
}

// AcquireLease takes or renews the execution lease.
func (s *MemoryStore) AcquireLease(ctx context.Context, jobID string, owner string, ttl time.Duration) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, fmt.Errorf("%w: lease owner is required", ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.jobLocked(jobID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !leaseAvailable(job, owner, now) {
		return nil, fmt.Errorf("%w: job %s locked by %s", ErrLeaseHeld, jobID, job.LockedBy)
	}
	job.LockedBy = owner
	job.LockedUntil = timePtr(now.Add(ttl))
	return cloneJob(job), nil
}

// ReleaseLease drops the lease held by owner.
func (s *MemoryStore) ReleaseLease(ctx context.Context, jobID string, owner string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.jobLocked(jobID)
	if err != nil {
		return err
	}
	if job.LockedBy == owner {
		job.LockedBy = ""
		job.LockedUntil = nil
	}
	return nil
}

// CountItems returns per-status item counts.
func (s *MemoryStore) CountItems(ctx context.Context, jobID string) (ItemCounts, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return ItemCounts{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return ItemCounts{}, err
	}
	if _, exists := s.jobs[jobID]; !exists {
		return ItemCounts{}, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	var counts ItemCounts
	for _, id := range s.jobItems[jobID] {
		countItem(&counts, s.items[id].Status)
	}
	return counts, nil
}

// DeleteJob removes a job and its items.
func (s *MemoryStore) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.jobLocked(jobID); err != nil {
		return err
	}
	for _, id := range s.jobItems[jobID] {
		delete(s.items, id)
	}
	delete(s.jobItems, jobID)
	delete(s.jobs, jobID)
	return nil
}

// Helper functions

func (s *MemoryStore) itemsLocked(jobID string, statuses []ItemStatus) []*Item {
	ids := s.jobItems[jobID]
	result := make([]*Item, 0, len(ids))
	for _, id := range ids {
		item := s.items[id]
		if !containsItemStatus(statuses, item.Status) {
			continue
		}
		result = append(result, cloneItem(item))
	}
	return result
}

func (s *MemoryStore) jobLocked(jobID string) (*Job, error) {
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return job, nil
}

func (s *MemoryStore) itemLocked(itemID string) (*Item, error) {
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	item, exists := s.items[itemID]
	if !exists {
		return nil, fmt.Errorf("%w: item %s", ErrNotFound, itemID)
	}
	return item, nil
}

func (s *MemoryStore) ensureOpenLocked() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func countItem(counts *ItemCounts, status ItemStatus) {
	switch status {
	case ItemStatusPending:
		counts.Pending++
	case ItemStatusProcessing:
		counts.Processing++
	case ItemStatusCompleted:
		counts.Completed++
	case ItemStatusFailed:
		counts.Failed++
	}
}

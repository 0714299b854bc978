package batchpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store represents the interface for job storage backends.
// Implementations must be thread-safe and support concurrent operations.
type Store interface {
	// CreateJob persists a job and all of its items atomically.
	// Either everything is written or nothing is.
	CreateJob(ctx context.Context, job *Job, items []*Item) error

	// GetJob reads a job and its items ordered by sequence number.
	GetJob(ctx context.Context, jobID string) (*Job, []*Item, error)

	// LoadJob reads only the job record.
	LoadJob(ctx context.Context, jobID string) (*Job, error)

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// ListItems returns a job's items ordered by sequence number.
	// statuses: only items in one of these statuses. Empty means all items.
	ListItems(ctx context.Context, jobID string, statuses ...ItemStatus) ([]*Item, error)

	// UpdateJob applies a partial update to a job.
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) (*Job, error)

	// TransitionJob applies update and moves the job to status `to`, but only
	// if its current status is one of `from`. Returns ErrInvalidState otherwise.
	TransitionJob(ctx context.Context, jobID string, from []JobStatus, to JobStatus, update JobUpdate) (*Job, error)

	// IncrementProgress atomically adds delta to the job's counters.
	// Concurrent callers never lose an increment.
	IncrementProgress(ctx context.Context, jobID string, delta ProgressDelta) (*Job, error)

	// ClaimItem atomically moves a pending item to processing.
	// Returns ErrInvalidState if the item is not pending.
	ClaimItem(ctx context.Context, itemID string) (*Item, error)

	// UpdateItem applies a partial update to one item.
	// Settled items (completed or failed) are immutable.
	UpdateItem(ctx context.Context, itemID string, update ItemUpdate) (*Item, error)

	// ResetProcessingItems returns every processing item of the job to pending.
	// This is called when a job is recovered after a process restart.
	ResetProcessingItems(ctx context.Context, jobID string) (int, error)

	// AcquireLease takes or renews the job's execution lease for owner.
	// Returns ErrLeaseHeld if another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, jobID string, owner string, ttl time.Duration) (*Job, error)

	// ReleaseLease drops the lease if owner holds it.
	ReleaseLease(ctx context.Context, jobID string, owner string) error

	// CountItems returns item counts per status.
	CountItems(ctx context.Context, jobID string) (ItemCounts, error)

	// DeleteJob removes a job and its items.
	DeleteJob(ctx context.Context, jobID string) error

	// Close closes the backend connection
	Close() error
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Statuses []JobStatus // Empty means all statuses
	Type     string      // Empty means all types
	Limit    int         // Zero means no limit
}

// JobUpdate is a partial update to a job. Nil fields are left unchanged.
type JobUpdate struct {
	Status        *JobStatus
	StartedAt     *time.Time // Only written if the job has not started before
	CompletedAt   *time.Time
	EstimatedCost *float64
	ActualCost    *float64
	Config        *ExecConfig
	AppendLog     []string // Lines appended to the error log
}

// ProgressDelta is an atomic counter increment.
type ProgressDelta struct {
	Processed int
	Failed    int
	Cost      float64
	LogLine   string // Appended to the error log when non-empty
}

// ItemUpdate is a partial update to an item. Nil fields are left unchanged.
type ItemUpdate struct {
	Status      *ItemStatus
	Output      json.RawMessage
	Error       *string
	Attempts    *int
	Duration    *time.Duration
	ProcessedAt *time.Time
}

func statusPtr(s JobStatus) *JobStatus { return &s }
func itemStatusPtr(s ItemStatus) *ItemStatus { return &s }
func timePtr(t time.Time) *time.Time { return &t }
func stringPtr(s string) *string { return &s }
func intPtr(i int) *int { return &i }
func durationPtr(d time.Duration) *time.Duration { return &d }

func containsStatus(statuses []JobStatus, s JobStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func containsItemStatus(statuses []ItemStatus, s ItemStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func validateNewJob(job *Job, items []*Item) error {
	if job == nil {
		return fmt.Errorf("%w: job is nil", ErrValidation)
	}
	if job.ID == "" {
		return fmt.Errorf("%w: job ID is required", ErrValidation)
	}
	if job.Status != JobStatusPending {
		return fmt.Errorf("%w: job %s must have status %s", ErrValidation, job.ID, JobStatusPending)
	}
	if job.TotalItems != len(items) {
		return fmt.Errorf("%w: job %s total_items %d does not match %d items", ErrValidation, job.ID, job.TotalItems, len(items))
	}
	seen := make(map[string]bool, len(items))
	for idx, item := range items {
		if item == nil {
			return fmt.Errorf("%w: item at index %d is nil", ErrValidation, idx)
		}
		if item.ID == "" {
			return fmt.Errorf("%w: item at index %d is missing ID", ErrValidation, idx)
		}
		if seen[item.ID] {
			return fmt.Errorf("%w: duplicate item ID %s", ErrValidation, item.ID)
		}
		seen[item.ID] = true
		if item.JobID != job.ID {
			return fmt.Errorf("%w: item %s belongs to job %s", ErrValidation, item.ID, item.JobID)
		}
		if item.Sequence != idx+1 {
			return fmt.Errorf("%w: item %s has sequence %d, expected %d", ErrValidation, item.ID, item.Sequence, idx+1)
		}
	}
	return nil
}

// applyJobUpdate mutates job in place. Used by the key-value backends.
func applyJobUpdate(job *Job, update JobUpdate, now time.Time) {
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.StartedAt != nil && job.StartedAt == nil {
		job.StartedAt = copyTimePtr(update.StartedAt)
	}
	if update.CompletedAt != nil {
		job.CompletedAt = copyTimePtr(update.CompletedAt)
	}
	if update.EstimatedCost != nil {
		v := *update.EstimatedCost
		job.EstimatedCost = &v
	}
	if update.ActualCost != nil {
		job.ActualCost = *update.ActualCost
	}
	if update.Config != nil {
		job.Config = *update.Config
	}
	if len(update.AppendLog) > 0 {
		job.ErrorLog = append(job.ErrorLog, update.AppendLog...)
	}
	job.UpdatedAt = now
}

func applyProgressDelta(job *Job, delta ProgressDelta, now time.Time) error {
	if delta.Processed < 0 || delta.Failed < 0 {
		return fmt.Errorf("%w: negative progress delta", ErrValidation)
	}
	if job.ProcessedItems+delta.Processed+job.FailedItems+delta.Failed > job.TotalItems {
		return fmt.Errorf("%w: progress for job %s would exceed %d items", ErrInvalidState, job.ID, job.TotalItems)
	}
	job.ProcessedItems += delta.Processed
	job.FailedItems += delta.Failed
	job.ActualCost += delta.Cost
	if delta.LogLine != "" {
		job.ErrorLog = append(job.ErrorLog, delta.LogLine)
	}
	job.UpdatedAt = now
	return nil
}

func applyItemUpdate(item *Item, update ItemUpdate) error {
	if item.Status.IsSettled() {
		return fmt.Errorf("%w: item %s is already %s", ErrInvalidState, item.ID, item.Status)
	}
	if update.Status != nil {
		item.Status = *update.Status
	}
	if update.Output != nil {
		item.Output = copyBytes(update.Output)
	}
	if update.Error != nil {
		item.Error = *update.Error
	}
	if update.Attempts != nil {
		item.Attempts = *update.Attempts
	}
	if update.Duration != nil {
		item.Duration = *update.Duration
	}
	if update.ProcessedAt != nil {
		item.ProcessedAt = copyTimePtr(update.ProcessedAt)
	}
	return nil
}

func leaseAvailable(job *Job, owner string, now time.Time) bool {
	if job.LockedBy == "" || job.LockedBy == owner {
		return true
	}
	return job.LockedUntil == nil || !job.LockedUntil.After(now)
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.ErrorLog = copyStringSlice(job.ErrorLog)
	clone.StartedAt = copyTimePtr(job.StartedAt)
	clone.CompletedAt = copyTimePtr(job.CompletedAt)
	clone.LockedUntil = copyTimePtr(job.LockedUntil)
	if job.EstimatedCost != nil {
		v := *job.EstimatedCost
		clone.EstimatedCost = &v
	}
	return &clone
}

func cloneItem(item *Item) *Item {
	if item == nil {
		return nil
	}
	clone := *item
	clone.Input = copyBytes(item.Input)
	clone.Output = copyBytes(item.Output)
	clone.ProcessedAt = copyTimePtr(item.ProcessedAt)
	return &clone
}

func copyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func copyStringSlice(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	val := *t
	return &val
}

// wrapStoreErr tags backend failures with ErrPersistence while letting
// domain errors and context errors through untouched.
func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrLeaseHeld),
		errors.Is(err, ErrStoreClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

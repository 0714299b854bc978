// Package batchpool provides a batch job execution engine with support for
// multiple storage backends (in-memory, BadgerDB, SQLite, PostgreSQL).
//
// The library supports:
//   - Durable jobs made of ordered work items that survive process restarts
//   - Bounded concurrency with items claimed in sequence order
//   - Per-item retry with linear backoff
//   - Cooperative pause, resume and cancellation
//   - Stop-on-error semantics
//   - Atomic progress counters and pluggable progress observers
//   - Lease-based protection against two processes running one job
//   - Periodic recovery of abandoned jobs and cleanup of expired ones
//
// Example usage:
//
//	store, _ := batchpool.NewBadgerStore("./batch-data", logger)
//	ctrl := batchpool.NewController(store, processor, batchpool.LoadConfig(), logger)
//	defer ctrl.Close()
//
//	job, _, _ := ctrl.CreateJob(ctx, batchpool.JobSpec{
//	    Name:   "regenerate articles",
//	    Type:   "generation",
//	    Inputs: []json.RawMessage{[]byte(`{"topic": "tides"}`)},
//	})
//	ctrl.Start(ctx, job.ID)
//	summary, _ := ctrl.Wait(ctx, job.ID)
package batchpool

import (
	"encoding/json"
	"time"
)

// JobStatus represents the status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job was created (or resumed for a later pass) and is not executing.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the scheduler is draining the job's items.
	JobStatusRunning JobStatus = "running"
	// JobStatusPaused indicates new item claims are halted until resume.
	JobStatusPaused JobStatus = "paused"
	// JobStatusCompleted indicates the queue drained without a stop condition.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates a stop-on-error abort, all attempted items failing,
	// or an unrecoverable store failure.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates an operator cancelled the job.
	// Consumers that only know the original status set read it as failed (see Legacy).
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Legacy maps the status onto the original five-state enum, where
// cancellation was recorded as failed.
func (s JobStatus) Legacy() JobStatus {
	if s == JobStatusCancelled {
		return JobStatusFailed
	}
	return s
}

// ItemStatus represents the status of a single work item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
)

// IsSettled reports whether the item reached an immutable terminal state.
func (s ItemStatus) IsSettled() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed
}

// ExecConfig controls how a job's items are executed.
type ExecConfig struct {
	Concurrency       int           `json:"concurrency"`       // Worker count, must be positive
	RetryAttempts     int           `json:"retryAttempts"`     // Additional attempts after the first
	RetryDelay        time.Duration `json:"retryDelay"`        // Base backoff unit, scaled by attempt index
	DelayBetweenItems time.Duration `json:"delayBetweenItems"` // Pause a worker takes before its next claim
	StopOnError       bool          `json:"stopOnError"`       // Abort the job on first permanently failed item
}

// Job is a named batch of work items processed under one execution config.
type Job struct {
	ID             string     // Unique job identifier
	Name           string     // Human readable name
	Type           string     // Free-form category, also keys the cost table
	Status         JobStatus  // Current job status
	TotalItems     int        // Number of items persisted with the job
	ProcessedItems int        // Items that completed successfully
	FailedItems    int        // Items that failed permanently
	Config         ExecConfig // Execution config stored with the job
	EstimatedCost  *float64   // Estimate computed at creation (nil if unknown)
	ActualCost     float64    // Sum of costs reported by the processor
	ErrorLog       []string   // Ordered, durable failure trail
	CreatedAt      time.Time  // When the job was created
	StartedAt      *time.Time // When the job first started running
	CompletedAt    *time.Time // When the job reached a terminal state
	UpdatedAt      time.Time  // Last write to the record
	LockedBy       string     // Owner of the execution lease ("" if free)
	LockedUntil    *time.Time // Lease expiry
}

// Item is one unit of work within a job.
type Item struct {
	ID          string          // Unique item identifier
	JobID       string          // Owning job
	Sequence    int             // 1-based claim order within the job
	Input       json.RawMessage // Opaque input payload
	Status      ItemStatus      // Current item status
	Output      json.RawMessage // Opaque output, present only on success
	Error       string          // Last error, present only on failure
	Attempts    int             // Processor invocations in the settling run
	Duration    time.Duration   // Wall time spent processing
	ProcessedAt *time.Time      // When the item settled
}

// ItemCounts holds per-status item counts for a job.
type ItemCounts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Total returns the number of items counted.
func (c ItemCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// ProgressSnapshot is the advisory view handed to progress observers.
// The job record in the store stays authoritative.
type ProgressSnapshot struct {
	JobID       string    `json:"jobId"`
	JobType     string    `json:"jobType"`
	Status      JobStatus `json:"status"`
	Total       int       `json:"total"`
	Processed   int       `json:"processed"`
	Failed      int       `json:"failed"`
	CurrentItem int       `json:"currentItem"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// RunSummary describes one scheduling pass over a job.
type RunSummary struct {
	JobID       string
	Claimed     int       // Items taken off the queue
	Succeeded   int       // Items settled as completed
	Failed      int       // Items settled as failed
	Interrupted int       // Items returned to pending because the run was cancelled
	Stopped     bool      // A stop-on-error condition fired
	Cancelled   bool      // The run context was cancelled
	FinalStatus JobStatus // Status written when the pass ended (empty if left unchanged)
	Err         error     // Store failure that aborted the pass, if any
}

package batchpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Observer receives advisory progress snapshots. Delivery is at most once
// and never retried; the store counters stay the system of record.
type Observer interface {
	OnProgress(ctx context.Context, snapshot ProgressSnapshot)
}

// ObserverFunc adapts a plain callback to Observer.
type ObserverFunc func(ctx context.Context, snapshot ProgressSnapshot)

// OnProgress calls f.
func (f ObserverFunc) OnProgress(ctx context.Context, snapshot ProgressSnapshot) {
	f(ctx, snapshot)
}

// Reporter rolls item outcomes into the job's counters and notifies observers.
type Reporter struct {
	store     Store
	metrics   *Metrics
	logger    *slog.Logger
	observers []Observer
}

// NewReporter creates a reporter. Observers are notified in order.
func NewReporter(store Store, metrics *Metrics, logger *slog.Logger, observers ...Observer) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{store: store, metrics: metrics, logger: logger, observers: observers}
}

// Settle adds one settled item to the job counters. A permanently failed item
// also appends "item #<sequence>: <error>" to the job's error log.
// Counters are incremented in the store, so a resumed job keeps counting from
// its previous totals.
func (r *Reporter) Settle(ctx context.Context, job *Job, item *Item, out Outcome) (*Job, error) {
	delta := ProgressDelta{Cost: out.Cost}
	outcome := string(ItemStatusCompleted)
	if out.Success {
		delta.Processed = 1
	} else {
		delta.Failed = 1
		delta.LogLine = fmt.Sprintf("item #%d: %s", item.Sequence, out.Error)
		outcome = string(ItemStatusFailed)
	}

	updated, err := r.store.IncrementProgress(ctx, job.ID, delta)
	if err != nil {
		return nil, err
	}
	r.metrics.itemSettled(job.Type, outcome, out.Duration)

	r.logger.Debug("item settled", "jobID", job.ID, "itemID", item.ID, "sequence", item.Sequence,
		"outcome", outcome, "processed", updated.ProcessedItems, "failed", updated.FailedItems)

	r.notify(ctx, Snapshot(updated, item.Sequence))
	return updated, nil
}

// Notify sends a snapshot of job to the observers, e.g. after a status change.
func (r *Reporter) Notify(ctx context.Context, job *Job) {
	if job == nil {
		return
	}
	r.notify(ctx, Snapshot(job, 0))
}

func (r *Reporter) notify(ctx context.Context, snapshot ProgressSnapshot) {
	for _, obs := range r.observers {
		r.deliver(ctx, obs, snapshot)
	}
}

func (r *Reporter) deliver(ctx context.Context, obs Observer, snapshot ProgressSnapshot) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("progress observer panicked", "jobID", snapshot.JobID, "panic", p)
		}
	}()
	obs.OnProgress(ctx, snapshot)
}

// Snapshot builds the observer view of job. currentItem is the sequence
// number of the item that triggered it (0 for status changes).
func Snapshot(job *Job, currentItem int) ProgressSnapshot {
	last := job.UpdatedAt
	if last.IsZero() {
		last = time.Now()
	}
	return ProgressSnapshot{
		JobID:       job.ID,
		JobType:     job.Type,
		Status:      job.Status,
		Total:       job.TotalItems,
		Processed:   job.ProcessedItems,
		Failed:      job.FailedItems,
		CurrentItem: currentItem,
		LastUpdated: last,
	}
}

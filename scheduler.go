package batchpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// PauseGate parks workers before they claim their next item.
// A nil *PauseGate is always open.
type PauseGate struct {
	mu     sync.Mutex
	closed chan struct{} // non-nil while paused, closed on resume
}

// NewPauseGate returns an open gate.
func NewPauseGate() *PauseGate {
	return &PauseGate{}
}

// Pause closes the gate. Workers already processing an item are unaffected.
func (g *PauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed == nil {
		g.closed = make(chan struct{})
	}
}

// Resume opens the gate and releases every parked worker.
func (g *PauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed != nil {
		close(g.closed)
		g.closed = nil
	}
}

// Paused reports whether the gate is closed.
func (g *PauseGate) Paused() bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed != nil
}

// Wait blocks while the gate is closed. It returns ctx.Err() if ctx is done first.
func (g *PauseGate) Wait(ctx context.Context) error {
	if g == nil {
		return ctx.Err()
	}
	for {
		g.mu.Lock()
		ch := g.closed
		g.mu.Unlock()
		if ch == nil {
			return ctx.Err()
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// itemQueue is a FIFO of pending items in sequence order.
type itemQueue struct {
	mu    sync.Mutex
	items []*Item
}

func (q *itemQueue) pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

func (q *itemQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// RunControl carries everything one scheduling pass needs besides the job.
type RunControl struct {
	Config    ExecConfig
	Processor Processor
	Tuning    Tuning
	Reporter  *Reporter  // Required
	Gate      *PauseGate // Nil means the pass cannot be paused
}

// Scheduler drains a job's pending items with bounded parallelism.
type Scheduler struct {
	store   Store
	retrier *Retrier
	metrics *Metrics
	logger  *slog.Logger
}

// NewScheduler creates a scheduler backed by store.
func NewScheduler(store Store, metrics *Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		retrier: NewRetrier(store, metrics, logger),
		metrics: metrics,
		logger:  logger,
	}
}

// Run processes every item of job that is currently pending and returns once
// all workers have exited. Items settled by an earlier pass are skipped, so
// re-running a partially processed job only touches what is left.
//
// Workers stop claiming when ctx is cancelled, when a stop-on-error condition
// fires or when a store write fails. An item already in flight finishes
// unless the processor itself observes ctx; if it does not settle, it is
// returned to pending. A stop-on-error condition also ends the pass while the
// gate is closed.
func (s *Scheduler) Run(ctx context.Context, job *Job, rc RunControl) RunSummary {
	summary := RunSummary{JobID: job.ID}

	if err := rc.Config.Validate(); err != nil {
		summary.Err = err
		return summary
	}
	if rc.Processor == nil {
		summary.Err = fmt.Errorf("%w: processor is required", ErrValidation)
		return summary
	}
	if rc.Reporter == nil {
		rc.Reporter = NewReporter(s.store, s.metrics, s.logger)
	}

	pending, err := s.store.ListItems(ctx, job.ID, ItemStatusPending)
	if err != nil {
		summary.Err = err
		summary.Cancelled = ctx.Err() != nil
		return summary
	}
	if len(pending) == 0 {
		s.logger.Debug("no pending items", "jobID", job.ID)
		return summary
	}

	queue := &itemQueue{items: pending}
	workers := min(rc.Config.Concurrency, len(pending))

	var (
		stop        atomic.Bool
		mu          sync.Mutex
		claimed     int
		succeeded   int
		failed      int
		interrupted int
	)
	count := func(counter *int) {
		mu.Lock()
		*counter++
		mu.Unlock()
	}

	s.logger.Debug("scheduling pass started", "jobID", job.ID, "pending", len(pending), "workers", workers)

	g, gctx := errgroup.WithContext(ctx)
	// waitCtx also ends when stop-on-error fires, releasing workers parked
	// at a closed gate or between items.
	waitCtx, stopWaiting := context.WithCancel(gctx)
	defer stopWaiting()

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			s.metrics.workerStarted(job.Type)
			defer s.metrics.workerStopped(job.Type)

			for {
				if stop.Load() || gctx.Err() != nil {
					return nil
				}
				if err := rc.Gate.Wait(waitCtx); err != nil {
					return nil
				}
				if stop.Load() {
					return nil
				}
				item := queue.pop()
				if item == nil {
					return nil
				}

				out := s.retrier.Run(gctx, job.Type, item, rc.Processor, rc.Tuning, RetryPolicyFor(rc.Config))
				if out.ClaimErr != nil {
					if errors.Is(out.ClaimErr, ErrInvalidState) {
						s.logger.Warn("item already claimed, skipping", "jobID", job.ID, "itemID", item.ID, "sequence", item.Sequence)
						continue
					}
					return fmt.Errorf("claim item %s: %w", item.ID, out.ClaimErr)
				}
				count(&claimed)

				if !out.Success && !out.Interrupted && rc.Config.StopOnError {
					stop.Store(true)
					stopWaiting()
				}

				if err := s.writeBack(ctx, job, out, rc.Reporter); err != nil {
					return err
				}

				switch {
				case out.Interrupted:
					count(&interrupted)
				case out.Success:
					count(&succeeded)
				default:
					count(&failed)
				}

				if queue.len() > 0 && !sleepContext(waitCtx, rc.Config.DelayBetweenItems) {
					return nil
				}
			}
		})
	}

	err = g.Wait()

	summary.Claimed = claimed
	summary.Succeeded = succeeded
	summary.Failed = failed
	summary.Interrupted = interrupted
	summary.Stopped = stop.Load()
	summary.Cancelled = ctx.Err() != nil
	summary.Err = err

	s.logger.Debug("scheduling pass finished", "jobID", job.ID, "claimed", claimed, "succeeded", succeeded,
		"failed", failed, "interrupted", interrupted, "stopped", summary.Stopped, "cancelled", summary.Cancelled)
	return summary
}

// writeBack persists an outcome. Writes are detached from ctx so that a
// cancellation does not drop the result of an item that already ran.
func (s *Scheduler) writeBack(ctx context.Context, job *Job, out Outcome, reporter *Reporter) error {
	wctx := context.WithoutCancel(ctx)
	item := out.Item

	if out.Interrupted {
		_, err := s.store.UpdateItem(wctx, item.ID, ItemUpdate{Status: itemStatusPtr(ItemStatusPending)})
		if err != nil {
			return s.lostUpdate(job, item, out, err)
		}
		s.metrics.itemSettled(job.Type, "interrupted", out.Duration)
		s.logger.Debug("item returned to pending", "jobID", job.ID, "itemID", item.ID, "sequence", item.Sequence)
		return nil
	}

	now := time.Now()
	update := ItemUpdate{
		Attempts:    intPtr(out.Attempts),
		Duration:    durationPtr(out.Duration),
		ProcessedAt: &now,
	}
	if out.Success {
		update.Status = itemStatusPtr(ItemStatusCompleted)
		update.Output = out.Output
		update.Error = stringPtr("")
	} else {
		update.Status = itemStatusPtr(ItemStatusFailed)
		update.Error = stringPtr(out.Error)
		s.logger.Warn("item failed", "jobID", job.ID, "itemID", item.ID, "sequence", item.Sequence,
			"attempts", out.Attempts, "error", out.Error)
	}

	settled, err := s.store.UpdateItem(wctx, item.ID, update)
	if err != nil {
		return s.lostUpdate(job, item, out, err)
	}
	if _, err := reporter.Settle(wctx, job, settled, out); err != nil {
		return s.lostUpdate(job, item, out, err)
	}
	return nil
}

func (s *Scheduler) lostUpdate(job *Job, item *Item, out Outcome, err error) error {
	s.metrics.lostUpdate(job.Type)
	s.logger.Error("lost update: item outcome not persisted", "jobID", job.ID, "itemID", item.ID,
		"sequence", item.Sequence, "success", out.Success, "error", err)
	return fmt.Errorf("persist outcome of item %s: %w", item.ID, err)
}

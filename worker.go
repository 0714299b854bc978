package batchpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Worker represents a background worker that keeps jobs moving across
// process restarts. It relaunches jobs left running by a process that died,
// once their lease has expired, and deletes finished jobs older than the
// configured TTL.
type Worker struct {
	controller *Controller
	interval   time.Duration
	logger     *slog.Logger
	stopCh     chan struct{}
	doneCh     chan struct{}
	stopOnce   sync.Once
	loops      sync.WaitGroup
}

// NewWorker creates a new worker.
// controller runs the recovered jobs and must have a default processor.
// interval is how often abandoned jobs are looked for (default: the lease TTL).
func NewWorker(controller *Controller, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = controller.config.LeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		controller: controller,
		interval:   interval,
		logger:     logger,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start starts the worker.
// It performs the following operations:
//   - Recovers jobs left running by a previous process (processing items go back to pending)
//   - Starts a background goroutine that repeats the recovery every interval
//   - Starts a background goroutine for periodic cleanup of expired jobs
//
// This method returns immediately after the initial recovery.
// If the initial recovery fails, an error is returned and nothing is started.
// Start must be called at most once.
func (w *Worker) Start(ctx context.Context) error {
	n, err := w.controller.Recover(ctx)
	if err != nil {
		close(w.doneCh)
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	if n > 0 {
		w.logger.Info("recovered jobs", "count", n)
	}

	w.loops.Add(2)
	go w.recoverLoop(ctx)
	go w.cleanupLoop(ctx)
	go func() {
		w.loops.Wait()
		close(w.doneCh)
	}()
	return nil
}

// Stop stops the worker and waits for its loops to exit.
// Runs that were already launched keep going; close the controller to stop them.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Worker) recoverLoop(ctx context.Context) {
	defer w.loops.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.controller.Recover(ctx)
			if err != nil {
				w.logger.Warn("failed to recover jobs", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Info("recovered jobs", "count", n)
			}
		}
	}
}

// cleanupLoop periodically deletes expired jobs
func (w *Worker) cleanupLoop(ctx context.Context) {
	defer w.loops.Done()

	ticker := time.NewTicker(w.controller.config.CleanupInterval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	w.cleanup(ctx)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *Worker) cleanup(ctx context.Context) {
	if _, err := w.controller.CleanupExpiredJobs(ctx, w.controller.config.JobTTL); err != nil {
		w.logger.Warn("failed to cleanup expired jobs", "error", err)
	}
}

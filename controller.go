package batchpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// JobSpec describes a job to create.
type JobSpec struct {
	ID            string            // Optional, a UUID is generated when empty
	Name          string            // Required
	Type          string            // Free-form category, also keys the cost table
	Inputs        []json.RawMessage // One item per element, in sequence order
	Config        *ExecConfig       // Nil uses the controller default
	EstimatedCost *float64          // Nil estimates from the cost table
}

// RunOption adjusts one execution pass.
type RunOption func(*runSettings)

type runSettings struct {
	config    ExecConfig
	processor Processor
	tuning    Tuning
	observers []Observer
}

// WithExecConfig overrides the job's stored execution config. The override is
// persisted so that a recovered run uses it too.
func WithExecConfig(cfg ExecConfig) RunOption {
	return func(s *runSettings) { s.config = cfg }
}

// WithProcessor overrides the controller's processor for this run.
func WithProcessor(p Processor) RunOption {
	return func(s *runSettings) { s.processor = p }
}

// WithTuning sets the tuning context handed to the processor.
func WithTuning(t Tuning) RunOption {
	return func(s *runSettings) { s.tuning = t }
}

// WithObserver adds progress observers for this run only.
func WithObserver(observers ...Observer) RunOption {
	return func(s *runSettings) { s.observers = append(s.observers, observers...) }
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithMetrics records engine metrics on m.
func WithMetrics(m *Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithObservers adds observers notified for every job.
func WithObservers(observers ...Observer) ControllerOption {
	return func(c *Controller) { c.observers = append(c.observers, observers...) }
}

// WithCostTable replaces DefaultCostTable for estimates made at creation.
func WithCostTable(t CostTable) ControllerOption {
	return func(c *Controller) { c.costs = t }
}

// WithOwnerID sets the identity written to the lease column.
func WithOwnerID(owner string) ControllerOption {
	return func(c *Controller) { c.owner = owner }
}

// run is one local execution pass of a job.
type run struct {
	jobID     string
	ctx       context.Context
	cancel    context.CancelFunc
	gate      *PauseGate
	reporter  *Reporter
	done      chan struct{}
	summary   RunSummary
	cancelled atomic.Bool

	// mu orders status writes against gate changes so the status watcher
	// never applies a stale read.
	mu sync.Mutex
}

func (r *run) active() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Controller exposes the job lifecycle: create, start, pause, resume, cancel.
// It enforces legal status transitions and owns the background runs of this
// process. It is safe for concurrent use.
type Controller struct {
	store     Store
	processor Processor
	config    *Config
	logger    *slog.Logger
	metrics   *Metrics
	costs     CostTable
	observers []Observer
	owner     string
	scheduler *Scheduler

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

// NewController creates a controller.
// processor is the default processor; it may be nil if every Start passes WithProcessor.
// config nil means defaults.
func NewController(store Store, processor Processor, config *Config, logger *slog.Logger, opts ...ControllerOption) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	c := &Controller{
		store:     store,
		processor: processor,
		config:    config.withDefaults(),
		logger:    logger,
		costs:     DefaultCostTable,
		ctx:       ctx,
		stop:      stop,
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.owner == "" {
		c.owner = defaultOwnerID()
	}
	c.scheduler = NewScheduler(store, c.metrics, logger)
	return c
}

func defaultOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "batchpool"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Owner returns the lease identity of this controller.
func (c *Controller) Owner() string {
	return c.owner
}

// CreateJob validates spec and persists a pending job with one item per input.
func (c *Controller) CreateJob(ctx context.Context, spec JobSpec) (*Job, []*Item, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, nil, fmt.Errorf("%w: job name is required", ErrValidation)
	}
	if len(spec.Inputs) == 0 {
		return nil, nil, fmt.Errorf("%w: job must have at least one item", ErrValidation)
	}
	cfg := c.config.Exec
	if spec.Config != nil {
		cfg = *spec.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	for idx, input := range spec.Inputs {
		if len(input) > 0 && !json.Valid(input) {
			return nil, nil, fmt.Errorf("%w: input of item %d is not valid JSON", ErrValidation, idx+1)
		}
	}

	estimate := spec.EstimatedCost
	if estimate == nil {
		v := c.costs.Estimate(spec.Type, len(spec.Inputs))
		estimate = &v
	}
	jobID := spec.ID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	now := time.Now()
	job := &Job{
		ID:            jobID,
		Name:          spec.Name,
		Type:          spec.Type,
		Status:        JobStatusPending,
		TotalItems:    len(spec.Inputs),
		Config:        cfg,
		EstimatedCost: estimate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	items := make([]*Item, len(spec.Inputs))
	for idx, input := range spec.Inputs {
		items[idx] = &Item{
			ID:       uuid.NewString(),
			JobID:    jobID,
			Sequence: idx + 1,
			Input:    copyBytes(input),
			Status:   ItemStatusPending,
		}
	}

	if err := c.store.CreateJob(ctx, job, items); err != nil {
		return nil, nil, fmt.Errorf("failed to create job: %w", err)
	}
	c.logger.Info("job created", "jobID", jobID, "type", spec.Type, "items", len(items), "estimatedCost", *estimate)

	return c.store.GetJob(ctx, jobID)
}

// GetJob returns the job and its items.
func (c *Controller) GetJob(ctx context.Context, jobID string) (*Job, []*Item, error) {
	return c.store.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching filter, newest first.
func (c *Controller) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	return c.store.ListJobs(ctx, filter)
}

// Progress returns the current progress snapshot read from the store.
func (c *Controller) Progress(ctx context.Context, jobID string) (ProgressSnapshot, error) {
	job, err := c.store.LoadJob(ctx, jobID)
	if err != nil {
		return ProgressSnapshot{}, err
	}
	return Snapshot(job, 0), nil
}

// Start moves a pending job to running and begins processing it in the
// background. Use Wait to block until the pass ends.
func (c *Controller) Start(ctx context.Context, jobID string, opts ...RunOption) error {
	job, err := c.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobStatusPending {
		return fmt.Errorf("%w: cannot start job %s from %s", ErrInvalidState, jobID, job.Status)
	}
	settings, err := c.settingsFor(job, opts)
	if err != nil {
		return err
	}

	r, err := c.reserve(jobID, settings)
	if err != nil {
		return err
	}
	if _, err := c.store.AcquireLease(ctx, jobID, c.owner, c.config.LeaseTTL); err != nil {
		c.drop(r, err)
		return err
	}

	now := time.Now()
	job, err = c.store.TransitionJob(ctx, jobID, []JobStatus{JobStatusPending}, JobStatusRunning, JobUpdate{
		StartedAt: &now,
		Config:    &settings.config,
	})
	if err != nil {
		c.releaseLease(jobID)
		c.drop(r, err)
		return err
	}

	c.logger.Info("job started", "jobID", jobID, "items", job.TotalItems, "concurrency", settings.config.Concurrency)
	c.launch(r, job, settings)
	return nil
}

// Pause stops new item claims of a running job. Items in flight complete.
func (c *Controller) Pause(ctx context.Context, jobID string) error {
	r := c.activeRun(jobID)
	if r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	job, err := c.store.TransitionJob(ctx, jobID, []JobStatus{JobStatusRunning}, JobStatusPaused, JobUpdate{})
	if err != nil {
		return err
	}
	if r != nil {
		r.gate.Pause()
		r.reporter.Notify(ctx, job)
	}
	c.logger.Info("job paused", "jobID", jobID, "local", r != nil)
	return nil
}

// Resume moves a paused job back to running and restarts processing right
// away. A run of this process parked on pause is released; if the job has no
// live run anywhere (the process restarted while paused), a new pass is
// launched here. If another live process holds the lease, only the status is
// changed and that process picks it up.
func (c *Controller) Resume(ctx context.Context, jobID string, opts ...RunOption) error {
	if r := c.activeRun(jobID); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		job, err := c.store.TransitionJob(ctx, jobID, []JobStatus{JobStatusPaused}, JobStatusRunning, JobUpdate{})
		if err != nil {
			return err
		}
		r.gate.Resume()
		r.reporter.Notify(ctx, job)
		c.logger.Info("job resumed", "jobID", jobID, "local", true)
		return nil
	}

	job, err := c.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobStatusPaused {
		return fmt.Errorf("%w: cannot resume job %s from %s", ErrInvalidState, jobID, job.Status)
	}
	settings, err := c.settingsFor(job, opts)
	if err != nil {
		return err
	}

	r, err := c.reserve(jobID, settings)
	if err != nil {
		return err
	}
	if _, err := c.store.AcquireLease(ctx, jobID, c.owner, c.config.LeaseTTL); err != nil {
		c.drop(r, err)
		if !errors.Is(err, ErrLeaseHeld) {
			return err
		}
		_, err = c.store.TransitionJob(ctx, jobID, []JobStatus{JobStatusPaused}, JobStatusRunning, JobUpdate{})
		if err == nil {
			c.logger.Info("job resumed", "jobID", jobID, "local", false)
		}
		return err
	}

	if n, err := c.store.ResetProcessingItems(ctx, jobID); err != nil {
		c.releaseLease(jobID)
		c.drop(r, err)
		return err
	} else if n > 0 {
		c.logger.Info("returned abandoned items to pending", "jobID", jobID, "items", n)
	}

	job, err = c.store.TransitionJob(ctx, jobID, []JobStatus{JobStatusPaused}, JobStatusRunning, JobUpdate{
		Config: &settings.config,
	})
	if err != nil {
		c.releaseLease(jobID)
		c.drop(r, err)
		return err
	}

	c.logger.Info("job resumed", "jobID", jobID, "local", true, "restarted", true)
	c.launch(r, job, settings)
	return nil
}

// Cancel moves a running or paused job to cancelled and stops its run.
// In-flight items are not preempted unless the processor observes ctx.
func (c *Controller) Cancel(ctx context.Context, jobID string) error {
	r := c.activeRun(jobID)
	if r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
	}

	now := time.Now()
	job, err := c.store.TransitionJob(ctx, jobID, []JobStatus{JobStatusRunning, JobStatusPaused}, JobStatusCancelled, JobUpdate{
		CompletedAt: &now,
		AppendLog:   []string{"cancelled by user"},
	})
	if err != nil {
		return err
	}

	if r != nil {
		r.cancelled.Store(true)
		r.cancel()
	} else {
		c.metrics.jobFinished(job.Type, JobStatusCancelled)
	}
	c.logger.Info("job cancelled", "jobID", jobID, "local", r != nil)
	return nil
}

// Wait blocks until the latest run of the job in this process ends and
// returns its summary. The returned error is the summary's Err.
// For a job without a local run it reports terminal jobs and fails otherwise.
func (c *Controller) Wait(ctx context.Context, jobID string) (RunSummary, error) {
	c.mu.Lock()
	r := c.runs[jobID]
	c.mu.Unlock()

	if r == nil {
		job, err := c.store.LoadJob(ctx, jobID)
		if err != nil {
			return RunSummary{}, err
		}
		if job.Status.IsTerminal() {
			return RunSummary{JobID: jobID, FinalStatus: job.Status}, nil
		}
		return RunSummary{}, fmt.Errorf("%w: job %s has no run in this process", ErrInvalidState, jobID)
	}

	select {
	case <-r.done:
		return r.summary, r.summary.Err
	case <-ctx.Done():
		return RunSummary{}, ctx.Err()
	}
}

// Recover relaunches jobs left running by a process that is gone: jobs in
// running status whose lease is free or expired get their processing items
// returned to pending and a new pass in this process. It returns the number
// of jobs relaunched.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	if c.processor == nil {
		return 0, fmt.Errorf("%w: recovery needs a default processor", ErrValidation)
	}
	jobs, err := c.store.ListJobs(ctx, JobFilter{Statuses: []JobStatus{JobStatusRunning}})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range jobs {
		if c.activeRun(job.ID) != nil {
			continue
		}
		settings, err := c.settingsFor(job, nil)
		if err != nil {
			c.logger.Warn("cannot recover job", "jobID", job.ID, "error", err)
			continue
		}
		r, err := c.reserve(job.ID, settings)
		if err != nil {
			continue
		}
		if _, err := c.store.AcquireLease(ctx, job.ID, c.owner, c.config.LeaseTTL); err != nil {
			c.drop(r, err)
			if errors.Is(err, ErrLeaseHeld) {
				c.logger.Debug("job owned by a live process", "jobID", job.ID)
				continue
			}
			return recovered, err
		}
		n, err := c.store.ResetProcessingItems(ctx, job.ID)
		if err != nil {
			c.releaseLease(job.ID)
			c.drop(r, err)
			return recovered, err
		}

		c.logger.Info("recovering job", "jobID", job.ID, "resetItems", n)
		c.launch(r, job, settings)
		recovered++
	}
	return recovered, nil
}

// DeleteJob removes a job that is not running or paused, with all its items.
func (c *Controller) DeleteJob(ctx context.Context, jobID string) error {
	if c.activeRun(jobID) != nil {
		return fmt.Errorf("%w: job %s is executing in this process", ErrInvalidState, jobID)
	}
	job, err := c.store.LoadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == JobStatusRunning || job.Status == JobStatusPaused {
		return fmt.Errorf("%w: cannot delete job %s while %s", ErrInvalidState, jobID, job.Status)
	}
	if err := c.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.runs, jobID)
	c.mu.Unlock()

	c.logger.Info("job deleted", "jobID", jobID, "status", job.Status)
	return nil
}

// CleanupExpiredJobs deletes finished jobs that completed more than ttl ago
// and returns how many were deleted.
func (c *Controller) CleanupExpiredJobs(ctx context.Context, ttl time.Duration) (int, error) {
	c.logger.Debug("CleanupExpiredJobs", "ttl", ttl)
	if ttl <= 0 {
		return 0, fmt.Errorf("%w: ttl must be > 0, got %v", ErrValidation, ttl)
	}
	jobs, err := c.store.ListJobs(ctx, JobFilter{
		Statuses: []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-ttl)
	deleted := 0
	for _, job := range jobs {
		if job.CompletedAt == nil || job.CompletedAt.After(cutoff) {
			continue
		}
		if err := c.store.DeleteJob(ctx, job.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return deleted, err
		}
		c.mu.Lock()
		delete(c.runs, job.ID)
		c.mu.Unlock()
		deleted++
	}
	if deleted > 0 {
		c.logger.Info("deleted expired jobs", "count", deleted, "ttl", ttl)
	}
	return deleted, nil
}

// Close stops every local run and waits for the workers to exit. Stopped jobs
// keep their status and lease-free state so Recover can pick them up later.
// The store is not closed.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stop()
	c.wg.Wait()
	return nil
}

func (c *Controller) settingsFor(job *Job, opts []RunOption) (runSettings, error) {
	settings := runSettings{config: job.Config, processor: c.processor}
	for _, opt := range opts {
		opt(&settings)
	}
	if err := settings.config.Validate(); err != nil {
		return runSettings{}, err
	}
	if settings.processor == nil {
		return runSettings{}, fmt.Errorf("%w: processor is required", ErrValidation)
	}
	return settings, nil
}

func (c *Controller) activeRun(jobID string) *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.runs[jobID]; r != nil && r.active() {
		return r
	}
	return nil
}

// reserve registers a new local run for jobID.
func (c *Controller) reserve(jobID string, settings runSettings) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: controller closed", ErrInvalidState)
	}
	if r := c.runs[jobID]; r != nil && r.active() {
		return nil, fmt.Errorf("%w: job %s already has a run in this process", ErrInvalidState, jobID)
	}
	observers := make([]Observer, 0, len(c.observers)+len(settings.observers))
	observers = append(observers, c.observers...)
	observers = append(observers, settings.observers...)

	ctx, cancel := context.WithCancel(c.ctx)
	r := &run{
		jobID:    jobID,
		ctx:      ctx,
		cancel:   cancel,
		gate:     NewPauseGate(),
		reporter: NewReporter(c.store, c.metrics, c.logger, observers...),
		done:     make(chan struct{}),
	}
	c.runs[jobID] = r
	return r, nil
}

// drop abandons a reserved run that never launched.
func (c *Controller) drop(r *run, err error) {
	c.mu.Lock()
	if c.runs[r.jobID] == r {
		delete(c.runs, r.jobID)
	}
	c.mu.Unlock()
	r.summary = RunSummary{JobID: r.jobID, Err: err}
	r.cancel()
	close(r.done)
}

func (c *Controller) launch(r *run, job *Job, settings runSettings) {
	c.wg.Add(1)
	go c.execute(r, job, settings)
}

func (c *Controller) execute(r *run, job *Job, settings runSettings) {
	defer c.wg.Done()
	defer close(r.done)
	defer r.cancel()

	watchCtx, stopWatch := context.WithCancel(r.ctx)
	var watchers sync.WaitGroup
	watchers.Add(2)
	go func() {
		defer watchers.Done()
		c.heartbeat(watchCtx, r)
	}()
	go func() {
		defer watchers.Done()
		c.watchStatus(watchCtx, r)
	}()

	r.reporter.Notify(r.ctx, job)

	summary := c.scheduler.Run(r.ctx, job, RunControl{
		Config:    settings.config,
		Processor: settings.processor,
		Tuning:    settings.tuning,
		Reporter:  r.reporter,
		Gate:      r.gate,
	})

	stopWatch()
	watchers.Wait()

	r.summary = c.finalize(r, job, summary)
	c.releaseLease(job.ID)
}

// finalize writes the terminal status of a pass that ran to its end.
// Cancelled passes are left as they are: an operator cancel already wrote
// the status, and a shutdown leaves the job running for Recover.
func (c *Controller) finalize(r *run, job *Job, summary RunSummary) RunSummary {
	ctx := context.WithoutCancel(r.ctx)
	now := time.Now()

	if summary.Cancelled || r.cancelled.Load() {
		current, err := c.store.LoadJob(ctx, job.ID)
		if err == nil && current.Status.IsTerminal() {
			summary.FinalStatus = current.Status
			c.metrics.jobFinished(current.Type, current.Status)
			r.reporter.Notify(ctx, current)
		}
		c.logger.Info("job run stopped", "jobID", job.ID, "claimed", summary.Claimed, "interrupted", summary.Interrupted)
		return summary
	}

	active := []JobStatus{JobStatusRunning, JobStatusPaused}

	if summary.Err != nil {
		final, err := c.store.TransitionJob(ctx, job.ID, active, JobStatusFailed, JobUpdate{
			CompletedAt: &now,
			AppendLog:   []string{fmt.Sprintf("execution aborted: %v", summary.Err)},
		})
		if err != nil {
			c.logger.Error("failed to mark aborted job", "jobID", job.ID, "error", err)
			return summary
		}
		summary.FinalStatus = final.Status
		c.metrics.jobFinished(final.Type, final.Status)
		r.reporter.Notify(ctx, final)
		c.logger.Error("job aborted", "jobID", job.ID, "error", summary.Err)
		return summary
	}

	current, err := c.store.LoadJob(ctx, job.ID)
	if err != nil {
		summary.Err = err
		return summary
	}

	status := JobStatusCompleted
	var logs []string
	switch {
	case summary.Stopped:
		status = JobStatusFailed
		logs = append(logs, "stopped: item failed with stop-on-error set")
	case current.ProcessedItems == 0 && current.FailedItems > 0:
		status = JobStatusFailed
	}

	final, err := c.store.TransitionJob(ctx, job.ID, active, status, JobUpdate{
		CompletedAt: &now,
		AppendLog:   logs,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			// Cancelled between the last item and here.
			if latest, loadErr := c.store.LoadJob(ctx, job.ID); loadErr == nil {
				summary.FinalStatus = latest.Status
			}
			return summary
		}
		c.logger.Error("failed to finalize job", "jobID", job.ID, "error", err)
		summary.Err = err
		return summary
	}

	summary.FinalStatus = final.Status
	c.metrics.jobFinished(final.Type, final.Status)
	r.reporter.Notify(ctx, final)
	c.logger.Info("job finished", "jobID", job.ID, "status", final.Status,
		"processed", final.ProcessedItems, "failed", final.FailedItems, "actualCost", final.ActualCost)
	return summary
}

// heartbeat renews the lease every LeaseTTL/3. Losing the lease to another
// owner stops the run.
func (c *Controller) heartbeat(ctx context.Context, r *run) {
	interval := c.config.LeaseTTL / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := c.store.AcquireLease(ctx, r.jobID, c.owner, c.config.LeaseTTL)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrLeaseHeld) {
				c.logger.Error("lease lost, stopping run", "jobID", r.jobID, "error", err)
				r.cancel()
				return
			}
			c.logger.Warn("failed to renew lease", "jobID", r.jobID, "error", err)
		}
	}
}

// watchStatus applies status changes written by other processes to the local run.
func (c *Controller) watchStatus(ctx context.Context, r *run) {
	ticker := time.NewTicker(c.config.StatusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stop := c.syncStatus(ctx, r); stop {
				return
			}
		}
	}
}

func (c *Controller) syncStatus(ctx context.Context, r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := c.store.LoadJob(ctx, r.jobID)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("failed to poll job status", "jobID", r.jobID, "error", err)
		}
		return false
	}
	switch {
	case job.Status == JobStatusPaused:
		if !r.gate.Paused() {
			c.logger.Info("job paused externally", "jobID", r.jobID)
		}
		r.gate.Pause()
	case job.Status == JobStatusRunning:
		r.gate.Resume()
	case job.Status.IsTerminal():
		c.logger.Info("job finished externally, stopping run", "jobID", r.jobID, "status", job.Status)
		r.cancelled.Store(true)
		r.cancel()
		return true
	}
	return false
}

func (c *Controller) releaseLease(jobID string) {
	if err := c.store.ReleaseLease(context.Background(), jobID, c.owner); err != nil {
		c.logger.Warn("failed to release lease", "jobID", jobID, "error", err)
	}
}

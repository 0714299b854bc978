package batchpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Tuning is the opaque configuration bundle (active prompt, weight
// selection) handed through to the processor untouched.
type Tuning map[string]any

// Result is what a processor reports for one attempt.
type Result struct {
	Success bool
	Output  json.RawMessage // Stored on the item when Success is true
	Error   string          // Failure message when Success is false
	Cost    float64         // Added to the job's actual cost, success or not
}

// Processor runs the domain logic for one item.
// It may be invoked several times for the same item and must be idempotent
// with respect to retries. A returned error is treated like a failed Result.
type Processor interface {
	Process(ctx context.Context, item *Item, tuning Tuning) (Result, error)
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, item *Item, tuning Tuning) (Result, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, item *Item, tuning Tuning) (Result, error) {
	return f(ctx, item, tuning)
}

// RetryPolicy bounds how often an item is retried.
// The wait after the n-th failed attempt (1-based) is Delay * n.
type RetryPolicy struct {
	Attempts int           // Additional attempts after the first
	Delay    time.Duration // Base backoff unit
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.Delay * time.Duration(attempt)
}

// RetryPolicyFor extracts the retry policy from an execution config.
func RetryPolicyFor(cfg ExecConfig) RetryPolicy {
	return RetryPolicy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay}
}

// Outcome is the settled result of running one item through the retrier.
type Outcome struct {
	Item        *Item // The item as claimed
	Success     bool
	Output      json.RawMessage
	Error       string
	Attempts    int
	Duration    time.Duration
	Cost        float64
	Interrupted bool  // The run was cancelled before the item settled
	ClaimErr    error // The item could not be claimed and was never processed
}

// Retrier claims an item and drives it through a processor with bounded
// retries. It never returns an error: every processor failure, including a
// panic, is folded into the Outcome.
type Retrier struct {
	store   Store
	metrics *Metrics
	logger  *slog.Logger
}

// NewRetrier creates a retrier writing claims to store.
func NewRetrier(store Store, metrics *Metrics, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{store: store, metrics: metrics, logger: logger}
}

// Run marks the item processing and calls the processor until it succeeds or
// the policy is exhausted. Writing the final outcome back is left to the caller.
func (r *Retrier) Run(ctx context.Context, jobType string, item *Item, processor Processor, tuning Tuning, policy RetryPolicy) Outcome {
	claimed, err := r.store.ClaimItem(context.WithoutCancel(ctx), item.ID)
	if err != nil {
		return Outcome{Item: item, ClaimErr: err}
	}

	out := Outcome{Item: claimed}
	start := time.Now()
	maxAttempts := policy.Attempts + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			out.Interrupted = true
			break
		}

		res, callErr := r.call(ctx, claimed, processor, tuning)
		out.Attempts = attempt
		out.Cost += res.Cost

		if callErr == nil && res.Success {
			r.metrics.attempt(jobType, true)
			out.Success = true
			out.Output = normalizeOutput(res.Output)
			out.Error = ""
			break
		}
		r.metrics.attempt(jobType, false)

		out.Error = failureMessage(res, callErr)
		if ctx.Err() != nil {
			// The failure is most likely the processor observing cancellation.
			out.Interrupted = true
			break
		}

		r.logger.Debug("item attempt failed", "jobID", claimed.JobID, "itemID", claimed.ID,
			"sequence", claimed.Sequence, "attempt", attempt, "error", out.Error)

		if attempt < maxAttempts && !sleepContext(ctx, policy.Backoff(attempt)) {
			out.Interrupted = true
			break
		}
	}

	out.Duration = time.Since(start)
	return out
}

// call invokes the processor, converting a panic into an error.
func (r *Retrier) call(ctx context.Context, item *Item, processor Processor, tuning Tuning) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("processor panicked", "jobID", item.JobID, "itemID", item.ID, "panic", p)
			res = Result{}
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return processor.Process(ctx, cloneItem(item), tuning)
}

func failureMessage(res Result, err error) string {
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		return "timeout: " + err.Error()
	case err != nil:
		return err.Error()
	case res.Error != "":
		return res.Error
	default:
		return "processor reported failure"
	}
}

// normalizeOutput keeps valid JSON as is and encodes anything else as a JSON string.
func normalizeOutput(out json.RawMessage) json.RawMessage {
	if len(out) == 0 {
		return nil
	}
	if json.Valid(out) {
		return copyBytes(out)
	}
	encoded, err := json.Marshal(string(out))
	if err != nil {
		return nil
	}
	return encoded
}

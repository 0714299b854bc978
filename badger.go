package batchpool

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements the Store interface using BadgerDB.
// It provides embedded, durable key-value storage with optimistic
// transactions; conflicting writers are retried, so counter increments
// from concurrent workers are never lost.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerStore creates a new BadgerDB store.
// The database directory will be created if it doesn't exist.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerStore(dbPath string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil
	return openBadgerStore(opts, logger)
}

// NewInMemoryBadgerStore creates a BadgerDB store that keeps everything in memory.
func NewInMemoryBadgerStore(logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadgerStore(opts, logger)
}

func openBadgerStore(opts badger.Options, logger *slog.Logger) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open BadgerDB: %w", ErrPersistence, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

// Close closes the database
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
func (s *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay * time.Duration(attempt))
		}

		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			s.logger.Debug("badger: transaction conflict, retrying", "attempt", attempt+1)
			continue
		}
		return err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

// key prefixes
const (
	keyPrefixJob     = "job:"
	keyPrefixItem    = "item:"
	keyPrefixItemRef = "itemref:"
)

func jobKey(jobID string) []byte {
	return []byte(keyPrefixJob + jobID)
}

// itemPrefix returns the prefix under which a job's items sort by sequence.
// The job ID is length-prefixed so that no job's range contains another's.
func itemPrefix(jobID string) []byte {
	key := make([]byte, 0, len(keyPrefixItem)+4+len(jobID))
	key = append(key, keyPrefixItem...)
	key = binary.BigEndian.AppendUint32(key, uint32(len(jobID)))
	return append(key, jobID...)
}

func itemKey(jobID string, sequence int) []byte {
	prefix := itemPrefix(jobID)
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, uint64(sequence))
	return append(key, seq...)
}

func itemRefKey(itemID string) []byte {
	return []byte(keyPrefixItemRef + itemID)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	entry, err := txn.Get(key)
	if err != nil {
		return err
	}
	data, err := entry.ValueCopy(nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return txn.Set(key, data)
}

func (s *BadgerStore) loadJobTxn(txn *badger.Txn, jobID string) (*Job, error) {
	var job Job
	if err := getJSON(txn, jobKey(jobID), &job); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	return &job, nil
}

func (s *BadgerStore) loadItemTxn(txn *badger.Txn, itemID string) (*Item, []byte, error) {
	ref, err := txn.Get(itemRefKey(itemID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil, fmt.Errorf("%w: item %s", ErrNotFound, itemID)
		}
		return nil, nil, err
	}
	key, err := ref.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	var item Item
	if err := getJSON(txn, key, &item); err != nil {
		return nil, nil, err
	}
	return &item, key, nil
}

// iterateItems walks a job's items in sequence order.
func (s *BadgerStore) iterateItems(txn *badger.Txn, jobID string, fn func(key []byte, item *Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = itemPrefix(jobID)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		entry := it.Item()
		data, err := entry.ValueCopy(nil)
		if err != nil {
			return err
		}
		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			return fmt.Errorf("failed to unmarshal item: %w", err)
		}
		if err := fn(entry.KeyCopy(nil), &item); err != nil {
			return err
		}
	}
	return nil
}

// CreateJob persists a job and its items in one transaction.
func (s *BadgerStore) CreateJob(ctx context.Context, job *Job, items []*Item) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateNewJob(job, items); err != nil {
		return err
	}

	stored := cloneJob(job)
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.logger.Debug("CreateJob: writing job", "jobID", job.ID, "items", len(items))
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(stored.ID)); err == nil {
			return fmt.Errorf("job already exists: %s", stored.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("failed to check existing job: %w", err)
		}
		if err := setJSON(txn, jobKey(stored.ID), stored); err != nil {
			return err
		}
		for _, item := range items {
			key := itemKey(stored.ID, item.Sequence)
			if err := setJSON(txn, key, item); err != nil {
				return err
			}
			if err := txn.Set(itemRefKey(item.ID), key); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapStoreErr("create job", err)
}

// GetJob reads a job and its items.
func (s *BadgerStore) GetJob(ctx context.Context, jobID string) (*Job, []*Item, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, nil, err
	}
	var job *Job
	var items []*Item
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		if job, err = s.loadJobTxn(txn, jobID); err != nil {
			return err
		}
		items = make([]*Item, 0, job.TotalItems)
		return s.iterateItems(txn, jobID, func(_ []byte, item *Item) error {
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, nil, wrapStoreErr("get job", err)
	}
	return job, items, nil
}

// LoadJob reads a job record.
func (s *BadgerStore) LoadJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	var job *Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = s.loadJobTxn(txn, jobID)
		return err
	})
	if err != nil {
		return nil, wrapStoreErr("load job", err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *BadgerStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var job Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}
			if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, job.Status) {
				continue
			}
			if filter.Type != "" && job.Type != filter.Type {
				continue
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr("list jobs", err)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// ListItems returns a job's items in sequence order.
func (s *BadgerStore) ListItems(ctx context.Context, jobID string, statuses ...ItemStatus) ([]*Item, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	items := make([]*Item, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := s.loadJobTxn(txn, jobID); err != nil {
			return err
		}
		return s.iterateItems(txn, jobID, func(_ []byte, item *Item) error {
			if containsItemStatus(statuses, item.Status) {
				items = append(items, item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapStoreErr("list items", err)
	}
	return items, nil
}

// mutateJob runs fn against the stored job inside a conflict-retried transaction.
func (s *BadgerStore) mutateJob(ctx context.Context, op string, jobID string, fn func(job *Job) error) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	var result *Job
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		job, err := s.loadJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		result = job
		return setJSON(txn, jobKey(jobID), job)
	})
	if err != nil {
		return nil, wrapStoreErr(op, err)
	}
	return result, nil
}

// UpdateJob applies a partial update.
func (s *BadgerStore) UpdateJob(ctx context.Context, jobID string, update JobUpdate) (*Job, error) {
	return s.mutateJob(ctx, "update job", jobID, func(job *Job) error {
		applyJobUpdate(job, update, time.Now())
		return nil
	})
}

// TransitionJob moves a job between statuses with compare-and-set semantics.
func (s *BadgerStore) TransitionJob(ctx context.Context, jobID string, from []JobStatus, to JobStatus, update JobUpdate) (*Job, error) {
	return s.mutateJob(ctx, "transition job", jobID, func(job *Job) error {
		if !containsStatus(from, job.Status) {
			return fmt.Errorf("%w: job %s is %s, cannot move to %s", ErrInvalidState, jobID, job.Status, to)
		}
		update.Status = &to
		applyJobUpdate(job, update, time.Now())
		return nil
	})
}

// IncrementProgress atomically adds to the job counters.
// Badger's optimistic concurrency turns concurrent increments into conflicts,
// which retryUpdate replays against the fresh value.
func (s *BadgerStore) IncrementProgress(ctx context.Context, jobID string, delta ProgressDelta) (*Job, error) {
	return s.mutateJob(ctx, "increment progress", jobID, func(job *Job) error {
		return applyProgressDelta(job, delta, time.Now())
	})
}

// mutateItem runs fn against a stored item inside a conflict-retried transaction.
func (s *BadgerStore) mutateItem(ctx context.Context, op string, itemID string, fn func(item *Item) error) (*Item, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	var result *Item
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		item, key, err := s.loadItemTxn(txn, itemID)
		if err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
		result = item
		return setJSON(txn, key, item)
	})
	if err != nil {
		return nil, wrapStoreErr(op, err)
	}
	return result, nil
}

// ClaimItem moves a pending item to processing.
func (s *BadgerStore) ClaimItem(ctx context.Context, itemID string) (*Item, error) {
	return s.mutateItem(ctx, "claim item", itemID, func(item *Item) error {
		if item.Status != ItemStatusPending {
			return fmt.Errorf("%w: item %s is %s, not pending", ErrInvalidState, itemID, item.Status)
		}
		item.Status = ItemStatusProcessing
		return nil
	})
}

// UpdateItem applies a partial update to an item.
func (s *BadgerStore) UpdateItem(ctx context.Context, itemID string, update ItemUpdate) (*Item, error) {
	return s.mutateItem(ctx, "update item", itemID, func(item *Item) error {
		return applyItemUpdate(item, update)
	})
}

// ResetProcessingItems returns processing items to pending.
func (s *BadgerStore) ResetProcessingItems(ctx context.Context, jobID string) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}
	reset := 0
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		reset = 0
		if _, err := s.loadJobTxn(txn, jobID); err != nil {
			return err
		}
		type pendingWrite struct {
			key  []byte
			item *Item
		}
		var writes []pendingWrite
		err := s.iterateItems(txn, jobID, func(key []byte, item *Item) error {
			if item.Status == ItemStatusProcessing {
				item.Status = ItemStatusPending
				writes = append(writes, pendingWrite{key: key, item: item})
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, w := range writes {
			if err := setJSON(txn, w.key, w.item); err != nil {
				return err
			}
		}
		reset = len(writes)
		return nil
	})
	if err != nil {
		return 0, wrapStoreErr("reset processing items", err)
	}
	if reset > 0 {
		s.logger.Debug("ResetProcessingItems: returned items to pending", "jobID", jobID, "count", reset)
	}
	return reset, nil
}

// AcquireLease takes or renews the execution lease.
func (s *BadgerStore) AcquireLease(ctx context.Context, jobID string, owner string, ttl time.Duration) (*Job, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: lease owner is required", ErrValidation)
	}
	return s.mutateJob(ctx, "acquire lease", jobID, func(job *Job) error {
		now := time.Now()
		if !leaseAvailable(job, owner, now) {
			return fmt.Errorf("%w: job %s locked by %s", ErrLeaseHeld, jobID, job.LockedBy)
		}
		job.LockedBy = owner
		job.LockedUntil = timePtr(now.Add(ttl))
		return nil
	})
}

// ReleaseLease drops the lease held by owner.
func (s *BadgerStore) ReleaseLease(ctx context.Context, jobID string, owner string) error {
	_, err := s.mutateJob(ctx, "release lease", jobID, func(job *Job) error {
		if job.LockedBy == owner {
			job.LockedBy = ""
			job.LockedUntil = nil
		}
		return nil
	})
	return err
}

// CountItems returns per-status item counts.
func (s *BadgerStore) CountItems(ctx context.Context, jobID string) (ItemCounts, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return ItemCounts{}, err
	}
	var counts ItemCounts
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := s.loadJobTxn(txn, jobID); err != nil {
			return err
		}
		return s.iterateItems(txn, jobID, func(_ []byte, item *Item) error {
			countItem(&counts, item.Status)
			return nil
		})
	})
	if err != nil {
		return ItemCounts{}, wrapStoreErr("count items", err)
	}
	return counts, nil
}

// DeleteJob removes a job and its items.
func (s *BadgerStore) DeleteJob(ctx context.Context, jobID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := s.loadJobTxn(txn, jobID); err != nil {
			return err
		}
		var keys [][]byte
		err := s.iterateItems(txn, jobID, func(key []byte, item *Item) error {
			keys = append(keys, key, itemRefKey(item.ID))
			return nil
		})
		if err != nil {
			return err
		}
		keys = append(keys, jobKey(jobID))
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapStoreErr("delete job", err)
}


//go:build sqlite
// +build sqlite

package batchpool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements the Store interface using SQLite.
// It provides ACID transactions and is suitable for single-server deployments.
// Writes are serialised on a single connection; counters are updated with
// in-place arithmetic so concurrent workers never lose an increment.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store.
// The database file will be created if it doesn't exist.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrPersistence, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: failed to ping database: %w", ErrPersistence, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize schema: %w", ErrPersistence, err)
	}
	return store, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		total_items INTEGER NOT NULL,
		processed_items INTEGER NOT NULL DEFAULT 0,
		failed_items INTEGER NOT NULL DEFAULT 0,
		config TEXT NOT NULL,
		estimated_cost REAL,
		actual_cost REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		updated_at INTEGER NOT NULL,
		locked_by TEXT,
		locked_until INTEGER,
		CHECK (processed_items + failed_items <= total_items)
	);

	CREATE TABLE IF NOT EXISTS job_items (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		input BLOB,
		status TEXT NOT NULL,
		output BLOB,
		error TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		processed_at INTEGER,
		UNIQUE (job_id, sequence),
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS job_error_log (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		line TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_job_items_job_status ON job_items(job_id, status);
	CREATE INDEX IF NOT EXISTS idx_job_error_log_job ON job_error_log(job_id, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sqliteJobColumns = `id, name, type, status, total_items, processed_items, failed_items, config,
	estimated_cost, actual_cost, created_at, started_at, completed_at, updated_at, locked_by, locked_until`

const sqliteItemColumns = `id, job_id, sequence, input, status, output, error, attempts, duration_ns, processed_at`

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func scanSQLiteJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var config string
	var estimated sql.NullFloat64
	var createdAt, updatedAt int64
	var startedAt, completedAt, lockedUntil sql.NullInt64
	var lockedBy sql.NullString

	err := row.Scan(
		&job.ID, &job.Name, &job.Type, &job.Status, &job.TotalItems, &job.ProcessedItems, &job.FailedItems, &config,
		&estimated, &job.ActualCost, &createdAt, &startedAt, &completedAt, &updatedAt, &lockedBy, &lockedUntil,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(config), &job.Config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if estimated.Valid {
		v := estimated.Float64
		job.EstimatedCost = &v
	}
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	job.StartedAt = fromMillis(startedAt)
	job.CompletedAt = fromMillis(completedAt)
	job.LockedUntil = fromMillis(lockedUntil)
	job.LockedBy = lockedBy.String
	return job, nil
}

func scanSQLiteItem(row rowScanner) (*Item, error) {
	item := &Item{}
	var input, output []byte
	var errMsg sql.NullString
	var durationNs int64
	var processedAt sql.NullInt64

	err := row.Scan(&item.ID, &item.JobID, &item.Sequence, &input, &item.Status, &output, &errMsg,
		&item.Attempts, &durationNs, &processedAt)
	if err != nil {
		return nil, err
	}
	if input != nil {
		item.Input = json.RawMessage(input)
	}
	if output != nil {
		item.Output = json.RawMessage(output)
	}
	item.Error = errMsg.String
	item.Duration = time.Duration(durationNs)
	item.ProcessedAt = fromMillis(processedAt)
	return item, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) loadJob(ctx context.Context, q queryer, jobID string) (*Job, error) {
	job, err := scanSQLiteJob(q.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	rows, err := q.QueryContext(ctx, `SELECT line FROM job_error_log WHERE job_id = ? ORDER BY position`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query error log: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("failed to scan error log: %w", err)
		}
		job.ErrorLog = append(job.ErrorLog, line)
	}
	return job, rows.Err()
}

func (s *SQLiteStore) listItems(ctx context.Context, q queryer, jobID string, statuses []ItemStatus) ([]*Item, error) {
	query := `SELECT ` + sqliteItemColumns + ` FROM job_items WHERE job_id = ?`
	args := []any{jobID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholdersStr(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY sequence ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	items := make([]*Item, 0)
	for rows.Next() {
		item, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func appendErrorLog(ctx context.Context, q queryer, jobID string, lines []string) error {
	for _, line := range lines {
		if _, err := q.ExecContext(ctx, `INSERT INTO job_error_log (job_id, line) VALUES (?, ?)`, jobID, line); err != nil {
			return fmt.Errorf("failed to append error log: %w", err)
		}
	}
	return nil
}

// withTx runs fn in a transaction and commits if it succeeds.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateJob persists a job and its items in one transaction.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job, items []*Item) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if err := validateNewJob(job, items); err != nil {
		return err
	}
	config, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("%w: failed to encode config: %w", ErrValidation, err)
	}
	now := time.Now()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	var estimated sql.NullFloat64
	if job.EstimatedCost != nil {
		estimated = sql.NullFloat64{Float64: *job.EstimatedCost, Valid: true}
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, name, type, status, total_items, processed_items, failed_items, config,
				estimated_cost, actual_cost, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?, 0, ?, ?)
		`, job.ID, job.Name, job.Type, job.Status, job.TotalItems, string(config), estimated,
			createdAt.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO job_items (id, job_id, sequence, input, status, attempts, duration_ns)
			VALUES (?, ?, ?, ?, ?, 0, 0)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, item := range items {
			if _, err := stmt.ExecContext(ctx, item.ID, job.ID, item.Sequence, []byte(item.Input), ItemStatusPending); err != nil {
				return fmt.Errorf("failed to insert item: %w", err)
			}
		}
		return nil
	})
	return wrapStoreErr("create job", err)
}

// GetJob reads a job and its items.
func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*Job, []*Item, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	var job *Job
	var items []*Item
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if job, err = s.loadJob(ctx, tx, jobID); err != nil {
			return err
		}
		items, err = s.listItems(ctx, tx, jobID, nil)
		return err
	})
	if err != nil {
		return nil, nil, wrapStoreErr("get job", err)
	}
	return job, items, nil
}

// LoadJob reads a job record.
func (s *SQLiteStore) LoadJob(ctx context.Context, jobID string) (*Job, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	job, err := s.loadJob(ctx, s.db, jobID)
	return job, wrapStoreErr("load job", err)
}

// ListJobs returns jobs matching the filter, newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	var where []string
	var args []any
	if len(filter.Statuses) > 0 {
		where = append(where, `status IN (`+placeholdersStr(len(filter.Statuses))+`)`)
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.Type != "" {
		where = append(where, `type = ?`)
		args = append(args, filter.Type)
	}
	query := `SELECT id FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var jobs []*Job
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to query jobs: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan job id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		jobs = make([]*Job, 0, len(ids))
		for _, id := range ids {
			job, err := s.loadJob(ctx, tx, id)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr("list jobs", err)
	}
	return jobs, nil
}

// ListItems returns a job's items in sequence order.
func (s *SQLiteStore) ListItems(ctx context.Context, jobID string, statuses ...ItemStatus) ([]*Item, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	var items []*Item
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.loadJob(ctx, tx, jobID); err != nil {
			return err
		}
		var err error
		items, err = s.listItems(ctx, tx, jobID, statuses)
		return err
	})
	if err != nil {
		return nil, wrapStoreErr("list items", err)
	}
	return items, nil
}

func (s *SQLiteStore) applyUpdate(ctx context.Context, tx *sql.Tx, jobID string, update JobUpdate) error {
	sets := []string{`updated_at = ?`}
	args := []any{time.Now().UnixMilli()}
	if update.Status != nil {
		sets = append(sets, `status = ?`)
		args = append(args, *update.Status)
	}
	if update.StartedAt != nil {
		sets = append(sets, `started_at = COALESCE(started_at, ?)`)
		args = append(args, update.StartedAt.UnixMilli())
	}
	if update.CompletedAt != nil {
		sets = append(sets, `completed_at = ?`)
		args = append(args, update.CompletedAt.UnixMilli())
	}
	if update.EstimatedCost != nil {
		sets = append(sets, `estimated_cost = ?`)
		args = append(args, *update.EstimatedCost)
	}
	if update.ActualCost != nil {
		sets = append(sets, `actual_cost = ?`)
		args = append(args, *update.ActualCost)
	}
	if update.Config != nil {
		config, err := json.Marshal(update.Config)
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		sets = append(sets, `config = ?`)
		args = append(args, string(config))
	}
	args = append(args, jobID)
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return appendErrorLog(ctx, tx, jobID, update.AppendLog)
}

// UpdateJob applies a partial update.
func (s *SQLiteStore) UpdateJob(ctx context.Context, jobID string, update JobUpdate) (*Job, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	var job *Job
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.loadJob(ctx, tx, jobID); err != nil {
			return err
		}
		if err := s.applyUpdate(ctx, tx, jobID, update); err != nil {
			return err
		}
		var err error
		job, err = s.loadJob(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, wrapStoreErr("update job", err)
	}
	return job, nil
}

// TransitionJob moves a job between statuses with compare-and-set semantics.
func (s *SQLiteStore) TransitionJob(ctx context.Context, jobID string, from []JobStatus, to JobStatus, update JobUpdate) (*Job, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	var job *Job
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.loadJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !containsStatus(from, current.Status) {
			return fmt.Errorf("%w: job %s is %s, cannot move to %s", ErrInvalidState, jobID, current.Status, to)
		}
		update.Status = &to
		if err := s.applyUpdate(ctx, tx, jobID, update); err != nil {
			return err
		}
		job, err = s.loadJob(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, wrapStoreErr("transition job", err)
	}
	return job, nil
}

// IncrementProgress atomically adds to the job counters.
func (s *SQLiteStore) IncrementProgress(ctx context.Context, jobID string, delta ProgressDelta) (*Job, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	if delta.Processed < 0 || delta.Failed < 0 {
		return nil, fmt.Errorf("%w: negative progress delta", ErrValidation)
	}
	var job *Job
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET processed_items = processed_items + ?,
			    failed_items = failed_items + ?,
			    actual_cost = actual_cost + ?,
			    updated_at = ?
			WHERE id = ? AND processed_items + failed_items + ? <= total_items
		`, delta.Processed, delta.Failed, delta.Cost, time.Now().UnixMilli(), jobID, delta.Processed+delta.Failed)
		if err != nil {
			return fmt.Errorf("failed to increment progress: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := s.loadJob(ctx, tx, jobID); err != nil {
				return err
			}
			return fmt.Errorf("%w: progress for job %s would exceed total items", ErrInvalidState, jobID)
		}
		if delta.LogLine != "" {
			if err := appendErrorLog(ctx, tx, jobID, []string{delta.LogLine}); err != nil {
				return err
			}
		}
		job, err = s.loadJob(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, wrapStoreErr("increment progress", err)
	}
	return job, nil
}

func (s *SQLiteStore) loadItem(ctx context.Context, q queryer, itemID string) (*Item, error) {
	item, err := scanSQLiteItem(q.QueryRowContext(ctx, `SELECT `+sqliteItemColumns+` FROM job_items WHERE id = ?`, itemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: item %s", ErrNotFound, itemID)
		}
		return nil, err
	}
	return item, nil
}

// ClaimItem moves a pending item to processing.
func (s *SQLiteStore) ClaimItem(ctx context.Context, itemID string) (*Item, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	var item *Item
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE job_items SET status = ? WHERE id = ? AND status = ?`,
			ItemStatusProcessing, itemID, ItemStatusPending)
		if err != nil {
			return fmt.Errorf("failed to claim item: %w", err)
		}
		item, err = s.loadItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: item %s is %s, not pending", ErrInvalidState, itemID, item.Status)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr("claim item", err)
	}
	return item, nil
}

// UpdateItem applies a partial update to an item.
func (s *SQLiteStore) UpdateItem(ctx context.Context, itemID string, update ItemUpdate) (*Item, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	var item *Item
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.loadItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if err := applyItemUpdate(current, update); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE job_items
			SET status = ?, output = ?, error = ?, attempts = ?, duration_ns = ?, processed_at = ?
			WHERE id = ?
		`, current.Status, nullableBytes(current.Output), current.Error, current.Attempts,
			int64(current.Duration), toMillis(current.ProcessedAt), itemID)
		if err != nil {
			return fmt.Errorf("failed to update item: %w", err)
		}
		item = current
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr("update item", err)
	}
	return item, nil
}

// ResetProcessingItems returns processing items to pending.
func (s *SQLiteStore) ResetProcessingItems(ctx context.Context, jobID string) (int, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return 0, err
	}
	var reset int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.loadJob(ctx, tx, jobID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE job_items SET status = ? WHERE job_id = ? AND status = ?`,
			ItemStatusPending, jobID, ItemStatusProcessing)
		if err != nil {
			return fmt.Errorf("failed to reset items: %w", err)
		}
		reset, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, wrapStoreErr("reset processing items", err)
	}
	return int(reset), nil
}

// AcquireLease takes or renews the execution lease.
func (s *SQLiteStore) AcquireLease(ctx context.Context, jobID string, owner string, ttl time.Duration) (*Job, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, fmt.Errorf("%w: lease owner is required", ErrValidation)
	}
	var job *Job
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET locked_by = ?, locked_until = ?
			WHERE id = ?
			  AND (locked_by IS NULL OR locked_by = '' OR locked_by = ? OR locked_until IS NULL OR locked_until <= ?)
		`, owner, now.Add(ttl).UnixMilli(), jobID, owner, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to acquire lease: %w", err)
		}
		job, err = s.loadJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: job %s locked by %s", ErrLeaseHeld, jobID, job.LockedBy)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr("acquire lease", err)
	}
	return job, nil
}

// ReleaseLease drops the lease held by owner.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, jobID string, owner string) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.loadJob(ctx, tx, jobID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE jobs SET locked_by = NULL, locked_until = NULL WHERE id = ? AND locked_by = ?`, jobID, owner)
		return err
	})
	return wrapStoreErr("release lease", err)
}

// CountItems returns per-status item counts.
func (s *SQLiteStore) CountItems(ctx context.Context, jobID string) (ItemCounts, error) {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return ItemCounts{}, err
	}
	var counts ItemCounts
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.loadJob(ctx, tx, jobID); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_items WHERE job_id = ? GROUP BY status`, jobID)
		if err != nil {
			return fmt.Errorf("failed to count items: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var status ItemStatus
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return fmt.Errorf("failed to scan count: %w", err)
			}
			for i := 0; i < n; i++ {
				countItem(&counts, status)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return ItemCounts{}, wrapStoreErr("count items", err)
	}
	return counts, nil
}

// DeleteJob removes a job and its items.
func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	ctx, err := normalizeContext(ctx)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
		if err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return nil
	})
	return wrapStoreErr("delete job", err)
}

func nullableBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return []byte(b)
}

// placeholdersStr generates SQL placeholders string
func placeholdersStr(n int) string {
	if n == 0 {
		return ""
	}
	result := "?"
	for i := 1; i < n; i++ {
		result += ", ?"
	}
	return result
}

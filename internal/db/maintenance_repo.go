package db

import (
	"context"
	"time"
	"unicode/utf8"

	"billingsync/internal/types"
)

// Maintenance run statuses stored in job_history.status.
const (
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
)

// maxJobErrorLen caps the error text kept per run.
const maxJobErrorLen = 1024

// JobLockRepository serializes maintenance tasks across concurrent Lambda
// invocations. A lock is a job_locks row keyed "task:hour"; it behaves like a
// ledger claim with a fixed lease: held until expires_at, then open to
// takeover by the next worker.
type JobLockRepository struct {
	db  DBTX
	now func() time.Time
}

// NewJobLockRepository creates a JobLockRepository.
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire takes lockID for workerID until now+ttl. It returns false while
// another worker holds an unexpired lease.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	lockedAt := r.now()

	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < EXCLUDED.locked_at`,
		lockID,
		workerID,
		lockedAt,
		lockedAt.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire maintenance lock", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release ends workerID's lease on lockID early. A lease that already moved
// to another worker is left alone.
func (r *JobLockRepository) Release(ctx context.Context, lockID string, workerID string) error {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`,
		lockID,
		workerID,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release maintenance lock", err)
	}
	return nil
}

// JobHistoryRepository keeps one job_history row per maintenance run.
type JobHistoryRepository struct {
	db  DBTX
	now func() time.Time
}

// NewJobHistoryRepository creates a JobHistoryRepository.
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Start opens a run of task in status running and returns its row ID.
func (r *JobHistoryRepository) Start(ctx context.Context, task string) (int64, error) {
	var id int64
	if err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (job_type, started_at, status)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		task,
		r.now(),
		JobStatusRunning,
	).Scan(&id); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to open maintenance run", err)
	}
	return id, nil
}

// Finish closes run id with status and the number of accounts or claims it
// handled. runErr, when set, is stored truncated to maxJobErrorLen bytes.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, runErr error) error {
	if status != JobStatusSuccess && status != JobStatusFailed {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "unknown maintenance run status "+status, nil)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = $2, status = $3, items_count = $4, error = $5
		 WHERE id = $1 AND status = 'running'`,
		id,
		r.now(),
		status,
		items,
		truncatedError(runErr),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to close maintenance run", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "maintenance run not found or already closed", nil)
	}
	return nil
}

func truncatedError(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > maxJobErrorLen {
		msg = msg[:maxJobErrorLen]
		for !utf8.ValidString(msg) {
			msg = msg[:len(msg)-1]
		}
	}
	return &msg
}

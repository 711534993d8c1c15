package db

import (
	"context"
	"time"

	"creditpanel/internal/types"
)

// JobLockRepository is a lease-based lock over the job_locks table. A lock
// row whose lease has expired can be taken over by any worker. Claim writes
// rows that never expire.
type JobLockRepository struct {
	db  DBTX
	now func() time.Time
}

// NewJobLockRepository returns a lock repository using the wall clock.
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db, now: time.Now}
}

// Acquire takes lockID for ttl. It reports false when another worker holds
// an unexpired lease.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error) {
	// Timestamps are computed here; Go duration strings are not PG intervals.
	now := r.now().UTC()
	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID, workerID, now, now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Claim takes lockID permanently. It reports false when the id was ever
// claimed or is leased by anyone, however long ago. Hour-bucket locks use it
// so a bucket is processed at most once no matter how late a retry arrives.
func (r *JobLockRepository) Claim(ctx context.Context, lockID, workerID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, 'infinity')
		 ON CONFLICT (id) DO NOTHING`,
		lockID, workerID, r.now().UTC(),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim job lock", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release drops a lease early. Only the holder can release it; releasing a
// lock that was taken over is a no-op.
func (r *JobLockRepository) Release(ctx context.Context, lockID, workerID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`, lockID, workerID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release job lock", err)
	}
	return nil
}

// JobStatus is the terminal state recorded in job_history.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
	JobSkipped JobStatus = "skipped"
)

// JobHistoryRepository records one row per scheduled task run.
type JobHistoryRepository struct {
	db DBTX
}

// NewJobHistoryRepository returns a history repository over db.
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Start inserts a running row and returns its id.
func (r *JobHistoryRepository) Start(ctx context.Context, jobType string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (job_type, started_at, status)
		 VALUES ($1, NOW(), 'running')
		 RETURNING id`,
		jobType,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job history entry", err)
	}
	return id, nil
}

// Finish records the outcome of a job run started with Start.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status JobStatus, items int, jobErr error) error {
	var msg *string
	if jobErr != nil {
		s := jobErr.Error()
		msg = &s
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = NOW(), status = $2, items_count = $3, error = $4
		 WHERE id = $1`,
		id, string(status), items, msg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}

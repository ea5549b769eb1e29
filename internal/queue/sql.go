package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `id,task,args,interval_seconds,state,attempts,max_attempts,next_run_at,leased_until,visibility_timeout,last_error,created_at,updated_at`

// SQLRepo keeps the queue in the queue_jobs table of a SQLite or Postgres database.
type SQLRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLRepo(db *sqlx.DB) *SQLRepo {
	return &SQLRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *SQLRepo) Schedule(ctx context.Context, j Job) (string, error) {
	if j.ID == "" {
		j.ID = "job_" + uuid.NewString()
	}
	applyJobDefaults(&j, r.now())

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
INSERT INTO queue_jobs (`+jobColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (id) DO NOTHING`),
		j.ID, j.Task, j.Args, j.IntervalSeconds, j.State, j.Attempts, j.MaxAttempts,
		j.NextRunAt, j.LeasedUntil, j.VisibilityTimeout, j.LastError, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrExists
	}
	return j.ID, nil
}

func (r *SQLRepo) Get(ctx context.Context, id string) (Job, error) {
	var j Job
	err := r.db.GetContext(ctx, &j, r.db.Rebind(`SELECT `+jobColumns+` FROM queue_jobs WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Cancel stops a scheduled or running job. It reports false when the job is
// unknown or already in a terminal state.
func (r *SQLRepo) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
UPDATE queue_jobs
SET state='cancelled', leased_until=NULL, updated_at=?
WHERE id=? AND state IN ('scheduled','running')`), r.now(), id)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return n > 0, nil
}

// LeaseNext claims the earliest due job. A claim lost to another worker is
// retried against the next candidate.
func (r *SQLRepo) LeaseNext(ctx context.Context, now time.Time) (Job, error) {
	now = now.UTC()
	for range 3 {
		j, err := r.leaseOne(ctx, now)
		if errors.Is(err, errLeaseLost) {
			continue
		}
		return j, err
	}
	return Job{}, ErrEmpty
}

var errLeaseLost = errors.New("lease lost")

func (r *SQLRepo) leaseOne(ctx context.Context, now time.Time) (j Job, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Job{}, fmt.Errorf("begin lease: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.GetContext(ctx, &j, tx.Rebind(`
SELECT `+jobColumns+`
FROM queue_jobs
WHERE state='scheduled' AND next_run_at <= ?
ORDER BY next_run_at ASC, created_at ASC
LIMIT 1`), now)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrEmpty
	}
	if err != nil {
		return Job{}, fmt.Errorf("select due job: %w", err)
	}

	leaseUntil := now.Add(time.Duration(j.VisibilityTimeout) * time.Second)
	res, err := tx.ExecContext(ctx, tx.Rebind(`
UPDATE queue_jobs SET state='running', leased_until=?, updated_at=?
WHERE id=? AND state='scheduled'`), leaseUntil, now, j.ID)
	if err != nil {
		return Job{}, fmt.Errorf("lease job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = errLeaseLost
		return Job{}, err
	}
	if err = tx.Commit(); err != nil {
		return Job{}, fmt.Errorf("commit lease: %w", err)
	}

	j.State = StateRunning
	j.LeasedUntil = &leaseUntil
	j.UpdatedAt = now
	return j, nil
}

func (r *SQLRepo) Succeed(ctx context.Context, id string, now time.Time) error {
	return r.finishRun(ctx, id, now, "", func(j Job) Job { return afterSuccess(j, now.UTC()) })
}

func (r *SQLRepo) Retry(ctx context.Context, id, errStr string, now time.Time, delay time.Duration) error {
	return r.finishRun(ctx, id, now, errStr, func(j Job) Job { return afterFailure(j, errStr, now.UTC(), delay) })
}

// Fail stops the job for good regardless of its interval.
func (r *SQLRepo) Fail(ctx context.Context, id, errStr string, now time.Time) error {
	return r.finishRun(ctx, id, now, errStr, func(j Job) Job {
		j.State = StateFailed
		j.LastError = errStr
		j.LeasedUntil = nil
		j.UpdatedAt = now.UTC()
		return j
	})
}

// finishRun records the run and moves a running job to the state computed by
// next. Jobs no longer running (cancelled meanwhile) are left untouched.
func (r *SQLRepo) finishRun(ctx context.Context, id string, now time.Time, errStr string, next func(Job) Job) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finish: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var j Job
	err = tx.GetContext(ctx, &j, tx.Rebind(`SELECT `+jobColumns+` FROM queue_jobs WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return err
	}
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	if _, err = tx.ExecContext(ctx, tx.Rebind(`
INSERT INTO queue_job_runs (job_id, finished_at, success, error) VALUES (?,?,?,?)`),
		id, now.UTC(), errStr == "", errStr); err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	if j.State == StateRunning {
		j = next(j)
		if _, err = tx.ExecContext(ctx, tx.Rebind(`
UPDATE queue_jobs
SET state=?, attempts=?, next_run_at=?, leased_until=?, last_error=?, updated_at=?
WHERE id=? AND state='running'`),
			j.State, j.Attempts, j.NextRunAt, j.LeasedUntil, j.LastError, j.UpdatedAt, id); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit finish: %w", err)
	}
	return nil
}

// RecoverStale returns running jobs whose lease expired to the schedule so
// another worker picks them up.
func (r *SQLRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
UPDATE queue_jobs
SET state='scheduled', next_run_at=?, leased_until=NULL, updated_at=?
WHERE state='running' AND leased_until IS NOT NULL AND leased_until < ?`), now, now, now)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLRepo) ListRecent(ctx context.Context, limit int) ([]Job, error) {
	var jobs []Job
	if err := r.db.SelectContext(ctx, &jobs, r.db.Rebind(`
SELECT `+jobColumns+` FROM queue_jobs ORDER BY created_at DESC LIMIT ?`), limit); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func (r *SQLRepo) CountByState(ctx context.Context) (map[State]int, error) {
	var rows []struct {
		State State `db:"state"`
		N     int   `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT state, COUNT(*) AS n FROM queue_jobs GROUP BY state`); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	counts := make(map[State]int, len(rows))
	for _, row := range rows {
		counts[row.State] = row.N
	}
	return counts, nil
}

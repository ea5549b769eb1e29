// Package jobrecord persists the bookkeeping row kept for every scheduled
// job, independent of the queue's own state.
package jobrecord

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"paywatch/internal/domain"
)

type Store interface {
	Create(ctx context.Context, rec domain.JobRecord) error
	Get(ctx context.Context, id domain.JobID) (domain.JobRecord, bool, error)
	MarkCancelled(ctx context.Context, id domain.JobID) error
	ListAll(ctx context.Context) ([]domain.JobRecord, error)
}

type row struct {
	ID              string     `db:"id"`
	Name            string     `db:"name"`
	FirstFireAt     time.Time  `db:"first_fire_at"`
	IntervalSeconds int64      `db:"interval_seconds"`
	Description     string     `db:"description"`
	Cancelled       bool       `db:"cancelled"`
	CancelledAt     *time.Time `db:"cancelled_at"`
}

func (r row) record() domain.JobRecord {
	return domain.JobRecord{
		ID:              domain.JobID(r.ID),
		Name:            domain.TaskName(r.Name),
		FirstFireAt:     r.FirstFireAt,
		IntervalSeconds: r.IntervalSeconds,
		Description:     r.Description,
		Cancelled:       r.Cancelled,
		CancelledAt:     r.CancelledAt,
	}
}

const columns = `id,name,first_fire_at,interval_seconds,description,cancelled,cancelled_at`

type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLStore) Create(ctx context.Context, rec domain.JobRecord) error {
	if rec.IntervalSeconds < 0 {
		return errors.New("job record interval must not be negative")
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO job_records (id,name,first_fire_at,interval_seconds,description,cancelled,cancelled_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT (id) DO NOTHING`),
		string(rec.ID), string(rec.Name), rec.FirstFireAt.UTC(), rec.IntervalSeconds, rec.Description, rec.Cancelled, utcPtr(rec.CancelledAt))
	if err != nil {
		return domain.NewStorageError("create job record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError("create job record", err)
	}
	if n == 0 {
		return domain.ErrDuplicateJobID
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id domain.JobID) (domain.JobRecord, bool, error) {
	var r row
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+columns+` FROM job_records WHERE id=?`), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.JobRecord{}, false, nil
	}
	if err != nil {
		return domain.JobRecord{}, false, domain.NewStorageError("get job record", err)
	}
	return r.record(), true, nil
}

// MarkCancelled flips the record to cancelled. Cancelling twice keeps the
// first cancellation time.
func (s *SQLStore) MarkCancelled(ctx context.Context, id domain.JobID) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE job_records
SET cancelled=TRUE, cancelled_at=COALESCE(cancelled_at, ?)
WHERE id=?`), s.now(), string(id))
	if err != nil {
		return domain.NewStorageError("cancel job record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewStorageError("cancel job record", err)
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// ListAll returns every record in insertion order.
func (s *SQLStore) ListAll(ctx context.Context) ([]domain.JobRecord, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+columns+` FROM job_records ORDER BY seq ASC`); err != nil {
		return nil, domain.NewStorageError("list job records", err)
	}
	out := make([]domain.JobRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEmpty    = errors.New("no jobs ready")
	ErrNotFound = errors.New("job not found")
	ErrExists   = errors.New("job already exists")
)

type State string

const (
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateFinished  State = "finished"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Live reports whether a job in state s can still fire.
func (s State) Live() bool {
	return s == StateScheduled || s == StateRunning
}

// Job is the queue's own representation of a scheduled invocation.
// IntervalSeconds > 0 makes it recurring until cancelled.
type Job struct {
	ID                string     `db:"id"`
	Task              string     `db:"task"`
	Args              []byte     `db:"args"`
	IntervalSeconds   int64      `db:"interval_seconds"`
	State             State      `db:"state"`
	Attempts          int        `db:"attempts"`
	MaxAttempts       int        `db:"max_attempts"`
	NextRunAt         time.Time  `db:"next_run_at"`
	LeasedUntil       *time.Time `db:"leased_until"`
	VisibilityTimeout int        `db:"visibility_timeout"` // seconds
	LastError         string     `db:"last_error"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

func (j Job) Recurring() bool { return j.IntervalSeconds > 0 }

func (j Job) Interval() time.Duration {
	return time.Duration(j.IntervalSeconds) * time.Second
}

// Repository is a persistent delayed/recurring job queue.
//
// LeaseNext hands a due job to exactly one caller until its lease expires.
// Succeed, Retry and Fail only affect jobs that are still running, so a job
// cancelled mid-flight stays cancelled.
type Repository interface {
	Schedule(ctx context.Context, j Job) (string, error)
	Get(ctx context.Context, id string) (Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	LeaseNext(ctx context.Context, now time.Time) (Job, error)
	Succeed(ctx context.Context, id string, now time.Time) error
	Retry(ctx context.Context, id, errStr string, now time.Time, delay time.Duration) error
	Fail(ctx context.Context, id, errStr string, now time.Time) error
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	ListRecent(ctx context.Context, limit int) ([]Job, error)
	CountByState(ctx context.Context) (map[State]int, error)
}

func applyJobDefaults(j *Job, now time.Time) {
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	if j.VisibilityTimeout == 0 {
		j.VisibilityTimeout = 60
	}
	if j.NextRunAt.IsZero() {
		j.NextRunAt = now
	}
	if j.Args == nil {
		j.Args = []byte("null")
	}
	j.NextRunAt = j.NextRunAt.UTC()
	j.State = StateScheduled
	j.Attempts = 0
	j.LeasedUntil = nil
	j.LastError = ""
	j.CreatedAt = now
	j.UpdatedAt = now
}

// afterSuccess computes the job's next state once a run completed.
func afterSuccess(j Job, now time.Time) Job {
	j.Attempts = 0
	j.LastError = ""
	j.LeasedUntil = nil
	j.UpdatedAt = now
	if j.Recurring() {
		j.State = StateScheduled
		j.NextRunAt = nextFireAt(j.NextRunAt, now, j.Interval())
	} else {
		j.State = StateFinished
	}
	return j
}

// afterFailure computes the job's next state once a run returned an error.
// Recurring jobs wait for their next tick; one-shot jobs back off until
// MaxAttempts is reached.
func afterFailure(j Job, errStr string, now time.Time, delay time.Duration) Job {
	j.Attempts++
	j.LastError = errStr
	j.LeasedUntil = nil
	j.UpdatedAt = now
	switch {
	case j.Recurring():
		j.State = StateScheduled
		j.NextRunAt = nextFireAt(j.NextRunAt, now, j.Interval())
	case j.Attempts >= j.MaxAttempts:
		j.State = StateFailed
	default:
		j.State = StateScheduled
		j.NextRunAt = now.Add(delay)
	}
	return j
}

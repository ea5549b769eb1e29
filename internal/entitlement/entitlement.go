// Package entitlement grants paid access when a payment is activated and
// takes it away once the validity window has passed.
//
// Activation schedules a recurring verification job for the payment. Each
// tick of that job compares the time since the grant with the deadline and,
// once it is reached, revokes the entitlement and cancels its own job.
package entitlement

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"paywatch/internal/domain"
	"paywatch/internal/events"
)

const (
	// VerifyTask is the stable name verification jobs are queued under.
	VerifyTask domain.TaskName = "entitlement.verify_payment"

	// RecordDescription is stored on every verification job record.
	RecordDescription = "Checking payment status"
)

type Users interface {
	GetUser(ctx context.Context, id int64) (domain.User, bool, error)
	Grant(ctx context.Context, id int64, at time.Time) error
	Revoke(ctx context.Context, id int64) error
}

type Payments interface {
	GetPayment(ctx context.Context, code string) (domain.Payment, bool, error)
	LinkJob(ctx context.Context, code string, jobID domain.JobID) error
}

type Records interface {
	Create(ctx context.Context, rec domain.JobRecord) error
	Get(ctx context.Context, id domain.JobID) (domain.JobRecord, bool, error)
	MarkCancelled(ctx context.Context, id domain.JobID) error
}

// Queue is the part of the job queue gateway entitlement code needs.
type Queue interface {
	Schedule(ctx context.Context, fireAt time.Time, interval time.Duration, task domain.TaskName, args any) (domain.JobID, error)
	Cancel(ctx context.Context, ref domain.JobRef) error
}

// Deps are the collaborators shared by the Coordinator and the Verifier.
// Events and Now are optional.
type Deps struct {
	Users    Users
	Payments Payments
	Records  Records
	Queue    Queue
	Events   events.Publisher
	Now      func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d Deps) publish(ctx context.Context, log zerolog.Logger, e events.Event) {
	if d.Events == nil {
		return
	}
	if err := d.Events.Publish(ctx, e); err != nil {
		log.Warn().Err(err).Str("event", string(e.Type)).Msg("publish entitlement event")
	}
}

// Policy holds the validity window and how often it is checked.
type Policy struct {
	Deadline     time.Duration
	TickInterval time.Duration
	Location     *time.Location
}

// Elapsed is the time between a grant and now, both read in the policy's zone.
func (p Policy) Elapsed(grantedAt, now time.Time) time.Duration {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Sub(grantedAt.In(loc))
}

// Expired reports whether the window that started at grantedAt is over.
// The deadline itself counts as expired.
func (p Policy) Expired(grantedAt, now time.Time) bool {
	return p.Elapsed(grantedAt, now) >= p.Deadline
}

// VerifyArgs are the arguments a verification job is queued with.
type VerifyArgs struct {
	UserID      int64  `json:"user_id"`
	PaymentCode string `json:"payment_code"`
}

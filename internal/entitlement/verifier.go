package entitlement

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"paywatch/internal/domain"
	"paywatch/internal/events"
	"paywatch/internal/worker"
)

// Outcome is what one verification tick did.
type Outcome string

const (
	// OutcomeActive: still inside the validity window, nothing changed.
	OutcomeActive Outcome = "active"
	// OutcomeRevoked: the window ended on this tick.
	OutcomeRevoked Outcome = "revoked"
	// OutcomeAlreadyRevoked: an earlier tick revoked; any cancellation it
	// missed was retried.
	OutcomeAlreadyRevoked Outcome = "already_revoked"
	// OutcomePending: the activation that owns this job has not granted yet.
	OutcomePending Outcome = "pending"
	// OutcomeSkipped: the user or payment no longer exists.
	OutcomeSkipped Outcome = "skipped"
)

type Verifier struct {
	deps   Deps
	policy Policy
	log    zerolog.Logger
}

func NewVerifier(deps Deps, policy Policy, log zerolog.Logger) *Verifier {
	return &Verifier{deps: deps, policy: policy, log: log.With().Str("component", "verifier").Logger()}
}

// Register binds the verifier to VerifyTask.
func (v *Verifier) Register(r *worker.Registry) error {
	return worker.Register(r, string(VerifyTask), func(ctx context.Context, args VerifyArgs) error {
		_, err := v.Verify(ctx, args)
		return err
	})
}

// Verify runs one tick for a user's payment.
func (v *Verifier) Verify(ctx context.Context, args VerifyArgs) (Outcome, error) {
	log := v.log.With().Int64("user_id", args.UserID).Str("payment_code", args.PaymentCode).Logger()

	user, found, err := v.deps.Users.GetUser(ctx, args.UserID)
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if !found {
		log.Warn().Msg("user not found, nothing to verify")
		return OutcomeSkipped, nil
	}

	payment, found, err := v.deps.Payments.GetPayment(ctx, args.PaymentCode)
	if err != nil {
		return "", fmt.Errorf("load payment: %w", err)
	}
	if !found {
		log.Warn().Msg("payment not found, nothing to verify")
		return OutcomeSkipped, nil
	}

	if user.Granted {
		return v.verifyGranted(ctx, log, user, payment)
	}
	return v.verifyNotGranted(ctx, log, user, payment)
}

func (v *Verifier) verifyGranted(ctx context.Context, log zerolog.Logger, user domain.User, payment domain.Payment) (Outcome, error) {
	if user.GrantedAt == nil {
		log.Error().Msg("data integrity: entitlement granted without a grant time")
		return "", fmt.Errorf("user %d granted without grant time: %w", user.ID, domain.ErrInconsistentState)
	}

	now := v.deps.now()
	elapsed := v.policy.Elapsed(*user.GrantedAt, now)
	if !v.policy.Expired(*user.GrantedAt, now) {
		log.Debug().Dur("elapsed", elapsed).Dur("deadline", v.policy.Deadline).Msg("entitlement still valid")
		return OutcomeActive, nil
	}

	if err := v.deps.Users.Revoke(ctx, user.ID); err != nil {
		return "", fmt.Errorf("revoke entitlement: %w", err)
	}
	log.Info().Dur("elapsed", elapsed).Msg("entitlement revoked")
	v.deps.publish(ctx, log, events.Event{
		Type:        events.EntitlementRevoked,
		UserID:      user.ID,
		PaymentCode: payment.Code,
		JobID:       string(payment.LinkedJobID),
		At:          now,
	})

	rec, err := v.linkedRecord(ctx, log, payment)
	if err != nil {
		return OutcomeRevoked, err
	}
	if err := v.cancel(ctx, log, rec); err != nil {
		return OutcomeRevoked, err
	}
	return OutcomeRevoked, nil
}

// verifyNotGranted handles a tick for a user without entitlement: either the
// activation has not finished yet, or an earlier tick revoked but failed to
// cancel the job, in which case the cancellation is retried.
func (v *Verifier) verifyNotGranted(ctx context.Context, log zerolog.Logger, user domain.User, payment domain.Payment) (Outcome, error) {
	if !payment.Linked() {
		log.Debug().Msg("payment not linked yet, activation in progress")
		return OutcomePending, nil
	}

	rec, err := v.linkedRecord(ctx, log, payment)
	if err != nil {
		return "", err
	}
	if rec.Cancelled {
		log.Debug().Str("job_id", string(rec.ID)).Msg("entitlement already revoked")
		return OutcomeAlreadyRevoked, nil
	}
	if user.GrantedAt == nil || rec.FirstFireAt.After(*user.GrantedAt) {
		log.Debug().Str("job_id", string(rec.ID)).Msg("grant not written yet, activation in progress")
		return OutcomePending, nil
	}

	log.Warn().Str("job_id", string(rec.ID)).Msg("entitlement revoked earlier but job still live, cancelling again")
	if err := v.cancel(ctx, log, rec); err != nil {
		return OutcomeAlreadyRevoked, err
	}
	return OutcomeAlreadyRevoked, nil
}

func (v *Verifier) linkedRecord(ctx context.Context, log zerolog.Logger, payment domain.Payment) (domain.JobRecord, error) {
	if !payment.Linked() {
		log.Error().Msg("data integrity: payment has no linked verification job")
		return domain.JobRecord{}, fmt.Errorf("payment %s has no linked job: %w", payment.Code, domain.ErrInconsistentState)
	}
	rec, found, err := v.deps.Records.Get(ctx, payment.LinkedJobID)
	if err != nil {
		return domain.JobRecord{}, fmt.Errorf("load job record: %w", err)
	}
	if !found {
		log.Error().Str("job_id", string(payment.LinkedJobID)).Msg("data integrity: linked job record does not exist")
		return domain.JobRecord{}, fmt.Errorf("payment %s links missing job %s: %w", payment.Code, payment.LinkedJobID, domain.ErrInconsistentState)
	}
	return rec, nil
}

// cancel stops the job in the queue, then marks its record. A queue failure
// leaves both live, so the next tick tries again. A record failure after the
// queue cancel cannot be retried from here: the job no longer ticks, and the
// record stays live until the maintenance sweep reports it.
func (v *Verifier) cancel(ctx context.Context, log zerolog.Logger, rec domain.JobRecord) error {
	log = log.With().Str("job_id", string(rec.ID)).Logger()

	if err := v.deps.Queue.Cancel(ctx, rec.ID); err != nil {
		log.Error().Err(err).Msg("cancel verification job")
		return err
	}
	if err := v.deps.Records.MarkCancelled(ctx, rec.ID); err != nil {
		log.Error().Err(err).Msg("data integrity: job cancelled in queue but record still live")
		return fmt.Errorf("mark job record %s cancelled: %w: %w", rec.ID, domain.ErrInconsistentState, err)
	}
	log.Info().Msg("verification job cancelled")
	return nil
}

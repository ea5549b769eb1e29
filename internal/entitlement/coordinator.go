package entitlement

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"paywatch/internal/domain"
	"paywatch/internal/events"
)

// ActivationError tells which step of an activation failed. Steps that
// completed before it are not rolled back.
type ActivationError struct {
	Stage string
	Err   error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("activate: %s: %v", e.Stage, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

type Coordinator struct {
	deps   Deps
	policy Policy
	log    zerolog.Logger
}

func NewCoordinator(deps Deps, policy Policy, log zerolog.Logger) *Coordinator {
	return &Coordinator{deps: deps, policy: policy, log: log.With().Str("component", "coordinator").Logger()}
}

// Activate grants userID the entitlement paid for by paymentCode and starts
// the recurring verification that will later revoke it. A payment can be
// activated only once.
func (c *Coordinator) Activate(ctx context.Context, userID int64, paymentCode string) error {
	log := c.log.With().Int64("user_id", userID).Str("payment_code", paymentCode).Logger()

	user, found, err := c.deps.Users.GetUser(ctx, userID)
	if err != nil {
		return &ActivationError{Stage: "load user", Err: err}
	}
	if !found {
		return &ActivationError{Stage: "load user", Err: domain.ErrUserNotFound}
	}

	payment, found, err := c.deps.Payments.GetPayment(ctx, paymentCode)
	if err != nil {
		return &ActivationError{Stage: "load payment", Err: err}
	}
	if !found {
		log.Info().Msg("activation with unknown payment code")
		return &ActivationError{Stage: "load payment", Err: domain.ErrPaymentNotFound}
	}
	if payment.Linked() {
		log.Info().Str("job_id", string(payment.LinkedJobID)).Msg("payment already activated")
		return &ActivationError{Stage: "load payment", Err: domain.ErrPaymentAlreadyLinked}
	}

	now := c.deps.now()
	jobID, err := c.deps.Queue.Schedule(ctx, now, c.policy.TickInterval, VerifyTask, VerifyArgs{
		UserID:      user.ID,
		PaymentCode: payment.Code,
	})
	if err != nil {
		return &ActivationError{Stage: "schedule", Err: err}
	}
	log = log.With().Str("job_id", string(jobID)).Logger()

	err = c.deps.Records.Create(ctx, domain.JobRecord{
		ID:              jobID,
		Name:            VerifyTask,
		FirstFireAt:     now,
		IntervalSeconds: int64(c.policy.TickInterval.Seconds()),
		Description:     RecordDescription,
	})
	if err != nil {
		log.Error().Err(err).Msg("verification job scheduled but not recorded")
		return &ActivationError{Stage: "record", Err: err}
	}

	if err := c.deps.Payments.LinkJob(ctx, payment.Code, jobID); err != nil {
		log.Error().Err(err).Msg("verification job recorded but payment not linked")
		return &ActivationError{Stage: "link", Err: err}
	}

	if err := c.deps.Users.Grant(ctx, user.ID, now); err != nil {
		log.Error().Err(err).Msg("payment linked but entitlement not granted")
		return &ActivationError{Stage: "grant", Err: err}
	}

	log.Info().Time("granted_at", now).Msg("entitlement granted")
	c.deps.publish(ctx, log, events.Event{
		Type:        events.EntitlementGranted,
		UserID:      user.ID,
		PaymentCode: payment.Code,
		JobID:       string(jobID),
		At:          now,
	})
	return nil
}

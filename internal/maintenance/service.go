// Package maintenance runs the periodic bookkeeping sweep: it returns jobs
// with expired leases to the queue and reports payments, job records and
// queue jobs that disagree with each other.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"paywatch/internal/domain"
	"paywatch/internal/queue"
)

type Queue interface {
	RecoverStale(ctx context.Context, now time.Time) (int, error)
}

type Payments interface {
	ListLinkedPayments(ctx context.Context) ([]domain.Payment, error)
}

type Records interface {
	Get(ctx context.Context, id domain.JobID) (domain.JobRecord, bool, error)
}

type Jobs interface {
	Fetch(ctx context.Context, id domain.JobID) (domain.JobHandle, bool, error)
}

type Deps struct {
	Queue    Queue
	Payments Payments
	Records  Records
	Jobs     Jobs
}

// Report is the result of one sweep.
type Report struct {
	Recovered int
	// MissingRecords are jobs linked from a payment that have no record.
	MissingRecords []domain.JobID
	// Orphaned are live records whose queue job is gone or stopped.
	Orphaned []domain.JobID
}

type Service struct {
	deps     Deps
	schedule string
	cron     *cron.Cron
	log      zerolog.Logger
	now      func() time.Time
}

// NewService creates a sweep that runs on schedule, a standard cron
// expression or descriptor such as "@every 10m". An empty schedule disables it.
func NewService(deps Deps, schedule string, log zerolog.Logger) *Service {
	return &Service{
		deps:     deps,
		schedule: schedule,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:      log.With().Str("component", "maintenance").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Start(ctx context.Context) error {
	if s.schedule == "" {
		s.log.Info().Msg("maintenance sweep disabled")
		return nil
	}
	_, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("maintenance sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.log.Info().Str("schedule", s.schedule).Msg("maintenance sweep scheduled")
	return nil
}

// Stop prevents further sweeps and waits for a running one to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one pass. It keeps going past individual failures and returns
// them joined.
func (s *Service) Sweep(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)

	n, err := s.deps.Queue.RecoverStale(ctx, s.now())
	if err != nil {
		errs = append(errs, fmt.Errorf("recover stale jobs: %w", err))
	} else if n > 0 {
		report.Recovered = n
		s.log.Warn().Int("count", n).Msg("recovered jobs with expired leases")
	}

	payments, err := s.deps.Payments.ListLinkedPayments(ctx)
	if err != nil {
		errs = append(errs, err)
		return report, errors.Join(errs...)
	}

	for _, p := range payments {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		log := s.log.With().Str("payment_code", p.Code).Str("job_id", string(p.LinkedJobID)).Logger()

		rec, found, err := s.deps.Records.Get(ctx, p.LinkedJobID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !found {
			log.Error().Msg("data integrity: payment links a job without a record")
			report.MissingRecords = append(report.MissingRecords, p.LinkedJobID)
			continue
		}
		if rec.Cancelled {
			continue
		}

		h, found, err := s.deps.Jobs.Fetch(ctx, rec.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !found || !queue.State(h.State).Live() {
			log.Warn().Str("queue_state", h.State).Msg("live job record has no live queue job")
			report.Orphaned = append(report.Orphaned, rec.ID)
		}
	}

	s.log.Debug().
		Int("payments", len(payments)).
		Int("missing_records", len(report.MissingRecords)).
		Int("orphaned", len(report.Orphaned)).
		Msg("maintenance sweep done")
	return report, errors.Join(errs...)
}

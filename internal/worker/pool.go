package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"paywatch/internal/queue"
)

type Options struct {
	Workers    int
	PollEvery  time.Duration
	JobTimeout time.Duration
}

// Pool leases due jobs from the queue and runs their handlers. It is the
// single place where handler errors and panics end up: they are logged and
// turned into queue bookkeeping, never propagated.
type Pool struct {
	repo       queue.Repository
	registry   *Registry
	sem        *semaphore.Weighted
	pollEvery  time.Duration
	jobTimeout time.Duration
	log        zerolog.Logger
	now        func() time.Time
	wg         sync.WaitGroup
}

func NewPool(repo queue.Repository, registry *Registry, opts Options, log zerolog.Logger) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = 250 * time.Millisecond
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Second
	}
	return &Pool{
		repo:       repo,
		registry:   registry,
		sem:        semaphore.NewWeighted(int64(opts.Workers)),
		pollEvery:  opts.PollEvery,
		jobTimeout: opts.JobTimeout,
		log:        log.With().Str("component", "worker").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run polls until ctx is cancelled, then waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()

	p.log.Info().Dur("poll_every", p.pollEvery).Strs("tasks", p.registry.Names()).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("worker pool stopping")
			return
		case <-t.C:
			p.dispatchDue(ctx, p.now())
		}
	}
}

// RunDue runs every job due at now and waits for them to finish. It returns
// the number of jobs started.
func (p *Pool) RunDue(ctx context.Context, now time.Time) int {
	n := p.dispatchDue(ctx, now)
	p.wg.Wait()
	return n
}

func (p *Pool) dispatchDue(ctx context.Context, now time.Time) int {
	started := 0
	for {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return started
		}
		j, err := p.repo.LeaseNext(ctx, now)
		if err != nil {
			p.sem.Release(1)
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				p.log.Error().Err(err).Msg("lease next job")
			}
			return started
		}

		started++
		p.wg.Add(1)
		go func(j queue.Job) {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.execute(ctx, j)
		}(j)
	}
}

func (p *Pool) execute(ctx context.Context, j queue.Job) {
	log := p.log.With().Str("job_id", j.ID).Str("task", j.Task).Logger()
	// Bookkeeping must land even when shutdown cancelled the run.
	bctx := context.WithoutCancel(ctx)

	h, ok := p.registry.Get(j.Task)
	if !ok {
		log.Error().Msg("no handler registered for task")
		if err := p.repo.Fail(bctx, j.ID, "no handler", p.now()); err != nil {
			log.Error().Err(err).Msg("mark job failed")
		}
		return
	}

	start := time.Now()
	err := p.invoke(ctx, h, j, log)
	took := time.Since(start)

	switch {
	case err == nil:
		log.Debug().Dur("took", took).Msg("job run succeeded")
		if err := p.repo.Succeed(bctx, j.ID, p.now()); err != nil {
			log.Error().Err(err).Msg("mark job succeeded")
		}
	case IsPermanent(err):
		log.Error().Err(err).Dur("took", took).Msg("job failed permanently")
		if err := p.repo.Fail(bctx, j.ID, err.Error(), p.now()); err != nil {
			log.Error().Err(err).Msg("mark job failed")
		}
	default:
		log.Warn().Err(err).Int("attempt", j.Attempts+1).Dur("took", took).Msg("job run failed")
		if err := p.repo.Retry(bctx, j.ID, err.Error(), p.now(), queue.Backoff(j.Attempts+1)); err != nil {
			log.Error().Err(err).Msg("schedule job retry")
		}
	}
}

func (p *Pool) invoke(ctx context.Context, h HandlerFunc, j queue.Job, log zerolog.Logger) (err error) {
	c, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("handler panicked")
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(c, j.Args)
}

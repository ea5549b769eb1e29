// Package gateway is the narrow face of the job queue used by entitlement
// code: schedule a task, cancel it, look it up.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"paywatch/internal/domain"
	"paywatch/internal/queue"
)

type Options struct {
	MaxAttempts       int
	VisibilityTimeout time.Duration
}

// Gateway is safe for concurrent use; it holds no state besides the queue.
type Gateway struct {
	repo queue.Repository
	opts Options
	log  zerolog.Logger
}

func New(repo queue.Repository, opts Options, log zerolog.Logger) *Gateway {
	return &Gateway{repo: repo, opts: opts, log: log.With().Str("component", "gateway").Logger()}
}

// Schedule registers task to fire first at fireAt and then every interval
// until cancelled. A zero interval makes a one-shot job.
func (g *Gateway) Schedule(ctx context.Context, fireAt time.Time, interval time.Duration, task domain.TaskName, args any) (domain.JobID, error) {
	if task == "" {
		return "", &domain.ScheduleError{Task: task, Err: errors.New("task name is required")}
	}
	if interval < 0 {
		return "", &domain.ScheduleError{Task: task, Err: fmt.Errorf("negative interval %s", interval)}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return "", &domain.ScheduleError{Task: task, Err: fmt.Errorf("encode args: %w", err)}
	}

	id, err := g.repo.Schedule(ctx, queue.Job{
		Task:              string(task),
		Args:              payload,
		IntervalSeconds:   int64(interval / time.Second),
		NextRunAt:         fireAt,
		MaxAttempts:       g.opts.MaxAttempts,
		VisibilityTimeout: int(g.opts.VisibilityTimeout / time.Second),
	})
	if err != nil {
		return "", &domain.ScheduleError{Task: task, Err: err}
	}

	g.log.Debug().
		Str("job_id", id).
		Str("task", string(task)).
		Time("fire_at", fireAt).
		Dur("interval", interval).
		Msg("job scheduled")
	return domain.JobID(id), nil
}

// Cancel stops the referenced job. Jobs the queue no longer knows, or that
// are already finished or cancelled, are not an error. A bare id is looked
// up first; a handle is trusted as current.
func (g *Gateway) Cancel(ctx context.Context, ref domain.JobRef) error {
	id := ref.RefID()
	if _, fetched := ref.Handle(); !fetched {
		_, found, err := g.Fetch(ctx, id)
		if err != nil {
			return &domain.CancelError{ID: id, Err: err}
		}
		if !found {
			g.log.Debug().Str("job_id", string(id)).Msg("cancel skipped, job unknown to queue")
			return nil
		}
	}

	cancelled, err := g.repo.Cancel(ctx, string(id))
	if err != nil {
		return &domain.CancelError{ID: id, Err: err}
	}
	g.log.Debug().Str("job_id", string(id)).Bool("changed", cancelled).Msg("job cancelled")
	return nil
}

// Fetch returns the queue's current view of a job.
func (g *Gateway) Fetch(ctx context.Context, id domain.JobID) (domain.JobHandle, bool, error) {
	j, err := g.repo.Get(ctx, string(id))
	if errors.Is(err, queue.ErrNotFound) {
		return domain.JobHandle{}, false, nil
	}
	if err != nil {
		return domain.JobHandle{}, false, fmt.Errorf("fetch job %s: %w", id, err)
	}
	return domain.JobHandle{
		ID:              domain.JobID(j.ID),
		Task:            domain.TaskName(j.Task),
		Args:            j.Args,
		IntervalSeconds: j.IntervalSeconds,
		NextFireAt:      j.NextRunAt,
		State:           string(j.State),
		Attempts:        j.Attempts,
	}, true, nil
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// RedisRepo keeps each job as a Hash, due jobs in a Sorted Set scored by
// next run time and leased jobs in a Sorted Set scored by lease expiry.
// Every state change runs under WATCH on the job hash, so a concurrent
// cancel aborts an in-flight claim or completion.
type RedisRepo struct {
	client *goredis.Client
	prefix string
	now    func() time.Time
}

// NewRedisRepo creates a Redis-backed queue. The caller owns the client lifecycle.
func NewRedisRepo(client *goredis.Client, prefix string) *RedisRepo {
	return &RedisRepo{client: client, prefix: prefix, now: func() time.Time { return time.Now().UTC() }}
}

func (r *RedisRepo) jobKey(id string) string { return r.prefix + "job:" + id }
func (r *RedisRepo) dueKey() string          { return r.prefix + "due" }
func (r *RedisRepo) leasedKey() string       { return r.prefix + "leased" }
func (r *RedisRepo) idsKey() string          { return r.prefix + "job_ids" }

const watchRetries = 5

func (r *RedisRepo) Schedule(ctx context.Context, j Job) (string, error) {
	if j.ID == "" {
		j.ID = "job_" + uuid.NewString()
	}
	applyJobDefaults(&j, r.now())
	key := r.jobKey(j.ID)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("redis queue: schedule check exists: %w", err)
	}
	if exists > 0 {
		return "", ErrExists
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, r.idsKey(), j.ID)
	pipe.ZAdd(ctx, r.dueKey(), goredis.Z{Score: score(j.NextRunAt), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis queue: schedule job: %w", err)
	}
	return j.ID, nil
}

func (r *RedisRepo) Get(ctx context.Context, id string) (Job, error) {
	return r.getJob(ctx, r.client, id)
}

func (r *RedisRepo) Cancel(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := r.watchJob(ctx, id, func(tx *goredis.Tx, j Job) error {
		cancelled = false
		if !j.State.Live() {
			return nil
		}
		now := r.now()
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, r.jobKey(id), "state", string(StateCancelled), "leased_until", "", "updated_at", formatTime(now))
			pipe.ZRem(ctx, r.dueKey(), id)
			pipe.ZRem(ctx, r.leasedKey(), id)
			return nil
		})
		if err == nil {
			cancelled = true
		}
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis queue: cancel job: %w", err)
	}
	return cancelled, nil
}

func (r *RedisRepo) LeaseNext(ctx context.Context, now time.Time) (Job, error) {
	now = now.UTC()
	ids, err := r.client.ZRangeByScore(ctx, r.dueKey(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(score(now), 'f', 0, 64),
		Count: 10,
	}).Result()
	if err != nil {
		return Job{}, fmt.Errorf("redis queue: due jobs: %w", err)
	}

	for _, id := range ids {
		var leased Job
		var ok bool
		err := r.client.Watch(ctx, func(tx *goredis.Tx) error {
			j, err := r.getJob(ctx, tx, id)
			if err != nil {
				return err
			}
			if j.State != StateScheduled {
				_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
					pipe.ZRem(ctx, r.dueKey(), id)
					return nil
				})
				return err
			}
			// Scores are whole milliseconds; the stored time is exact.
			if j.NextRunAt.After(now) {
				return nil
			}
			until := now.Add(time.Duration(j.VisibilityTimeout) * time.Second)
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.ZRem(ctx, r.dueKey(), id)
				pipe.HSet(ctx, r.jobKey(id), "state", string(StateRunning), "leased_until", formatTime(until), "updated_at", formatTime(now))
				pipe.ZAdd(ctx, r.leasedKey(), goredis.Z{Score: score(until), Member: id})
				return nil
			})
			if err != nil {
				return err
			}
			j.State = StateRunning
			j.LeasedUntil = &until
			j.UpdatedAt = now
			leased, ok = j, true
			return nil
		}, r.jobKey(id))
		switch {
		case errors.Is(err, goredis.TxFailedErr), errors.Is(err, ErrNotFound):
			continue
		case err != nil:
			return Job{}, fmt.Errorf("redis queue: lease job: %w", err)
		case ok:
			return leased, nil
		}
	}
	return Job{}, ErrEmpty
}

func (r *RedisRepo) Succeed(ctx context.Context, id string, now time.Time) error {
	return r.finishRun(ctx, id, func(j Job) Job { return afterSuccess(j, now.UTC()) })
}

func (r *RedisRepo) Retry(ctx context.Context, id, errStr string, now time.Time, delay time.Duration) error {
	return r.finishRun(ctx, id, func(j Job) Job { return afterFailure(j, errStr, now.UTC(), delay) })
}

func (r *RedisRepo) Fail(ctx context.Context, id, errStr string, now time.Time) error {
	return r.finishRun(ctx, id, func(j Job) Job {
		j.State = StateFailed
		j.LastError = errStr
		j.LeasedUntil = nil
		j.UpdatedAt = now.UTC()
		return j
	})
}

func (r *RedisRepo) finishRun(ctx context.Context, id string, next func(Job) Job) error {
	err := r.watchJob(ctx, id, func(tx *goredis.Tx, j Job) error {
		if j.State != StateRunning {
			return nil
		}
		j = next(j)
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, r.jobKey(id), jobToMap(j))
			pipe.ZRem(ctx, r.leasedKey(), id)
			if j.State == StateScheduled {
				pipe.ZAdd(ctx, r.dueKey(), goredis.Z{Score: score(j.NextRunAt), Member: id})
			}
			return nil
		})
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("redis queue: finish job: %w", err)
	}
	return err
}

func (r *RedisRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	ids, err := r.client.ZRangeByScore(ctx, r.leasedKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(score(now), 'f', 0, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue: stale leases: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		err := r.watchJob(ctx, id, func(tx *goredis.Tx, j Job) error {
			if j.State != StateRunning {
				_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
					pipe.ZRem(ctx, r.leasedKey(), id)
					return nil
				})
				return err
			}
			_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.HSet(ctx, r.jobKey(id), "state", string(StateScheduled), "leased_until", "", "next_run_at", formatTime(now), "updated_at", formatTime(now))
				pipe.ZRem(ctx, r.leasedKey(), id)
				pipe.ZAdd(ctx, r.dueKey(), goredis.Z{Score: score(now), Member: id})
				return nil
			})
			if err == nil {
				recovered++
			}
			return err
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return recovered, fmt.Errorf("redis queue: recover job %s: %w", id, err)
		}
	}
	return recovered, nil
}

func (r *RedisRepo) ListRecent(ctx context.Context, limit int) ([]Job, error) {
	jobs, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *RedisRepo) CountByState(ctx context.Context) (map[State]int, error) {
	jobs, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[State]int)
	for _, j := range jobs {
		counts[j.State]++
	}
	return counts, nil
}

func (r *RedisRepo) all(ctx context.Context) ([]Job, error) {
	ids, err := r.client.SMembers(ctx, r.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis queue: list job ids: %w", err)
	}
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.getJob(ctx, r.client, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// watchJob loads the job under WATCH and runs fn, retrying when another
// client touched the hash before EXEC.
func (r *RedisRepo) watchJob(ctx context.Context, id string, fn func(tx *goredis.Tx, j Job) error) error {
	var err error
	for range watchRetries {
		err = r.client.Watch(ctx, func(tx *goredis.Tx) error {
			j, err := r.getJob(ctx, tx, id)
			if err != nil {
				return err
			}
			return fn(tx, j)
		}, r.jobKey(id))
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (r *RedisRepo) getJob(ctx context.Context, c goredis.Cmdable, id string) (Job, error) {
	vals, err := c.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		return Job{}, fmt.Errorf("redis queue: get job: %w", err)
	}
	if len(vals) == 0 {
		return Job{}, ErrNotFound
	}
	return mapToJob(vals), nil
}

// score is the sorted-set score of t: unix milliseconds.
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func jobToMap(j Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":                 j.ID,
		"task":               j.Task,
		"args":               string(j.Args),
		"interval_seconds":   strconv.FormatInt(j.IntervalSeconds, 10),
		"state":              string(j.State),
		"attempts":           strconv.Itoa(j.Attempts),
		"max_attempts":       strconv.Itoa(j.MaxAttempts),
		"next_run_at":        formatTime(j.NextRunAt),
		"leased_until":       "",
		"visibility_timeout": strconv.Itoa(j.VisibilityTimeout),
		"last_error":         j.LastError,
		"created_at":         formatTime(j.CreatedAt),
		"updated_at":         formatTime(j.UpdatedAt),
	}
	if j.LeasedUntil != nil {
		m["leased_until"] = formatTime(*j.LeasedUntil)
	}
	return m
}

func mapToJob(m map[string]string) Job {
	interval, _ := strconv.ParseInt(m["interval_seconds"], 10, 64)
	attempts, _ := strconv.Atoi(m["attempts"])
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])
	visibility, _ := strconv.Atoi(m["visibility_timeout"])
	nextRun, _ := time.Parse(time.RFC3339Nano, m["next_run_at"])
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])

	j := Job{
		ID:                m["id"],
		Task:              m["task"],
		Args:              []byte(m["args"]),
		IntervalSeconds:   interval,
		State:             State(m["state"]),
		Attempts:          attempts,
		MaxAttempts:       maxAttempts,
		NextRunAt:         nextRun,
		VisibilityTimeout: visibility,
		LastError:         m["last_error"],
		CreatedAt:         createdAt,
		UpdatedAt:         updatedAt,
	}
	if v := m["leased_until"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			j.LeasedUntil = &t
		}
	}
	return j
}

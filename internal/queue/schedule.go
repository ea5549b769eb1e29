package queue

import (
	"time"

	"github.com/robfig/cron/v3"
)

// nextFireAt returns the first tick of a schedule firing every interval,
// anchored at prev, that falls strictly after now. Ticks missed while the
// queue was down are skipped rather than replayed.
func nextFireAt(prev, now time.Time, interval time.Duration) time.Time {
	every := cron.Every(interval)
	if behind := now.Sub(prev); behind > every.Delay {
		prev = prev.Add(behind.Truncate(every.Delay) - every.Delay)
	}
	next := every.Next(prev)
	for !next.After(now) {
		next = every.Next(next)
	}
	return next.UTC()
}

// Backoff is the retry delay for a one-shot job after attempts failures.
func Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		attempts = 7
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}

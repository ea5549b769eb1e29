// Package events announces entitlement changes to other systems.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

type Type string

const (
	EntitlementGranted Type = "entitlement.granted"
	EntitlementRevoked Type = "entitlement.revoked"
)

type Event struct {
	Type        Type      `json:"type"`
	UserID      int64     `json:"user_id"`
	PaymentCode string    `json:"payment_code"`
	JobID       string    `json:"job_id"`
	At          time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher only writes events to the log. It is the fallback when no
// broker or webhook is configured.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, e Event) error {
	p.Log.Info().
		Str("event", string(e.Type)).
		Int64("user_id", e.UserID).
		Str("payment_code", e.PaymentCode).
		Str("job_id", e.JobID).
		Time("at", e.At).
		Msg("entitlement event")
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

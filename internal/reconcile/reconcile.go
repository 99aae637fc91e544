// Package reconcile folds the payment processor's view of a user's purchases
// into local state. Two channels feed it: webhook pushes and sync sweeps that
// pull directly from the processor. Both go through the same merge:
//
//   - the entitlement tier is only ever raised, never lowered; cancellations
//     and downgrades belong to the billing transitions, which know the
//     period they apply to
//   - a circle's extra member slots are set to exactly the number of paid
//     add-on purchases times the add-on increment, in either direction
//
// Both rules are order-independent and idempotent, so webhooks may arrive
// late, twice, or concurrently with a sweep.
package reconcile

import (
	"context"
	"time"

	"github.com/hearthly/hearth/internal/plans"
)

// EventLog remembers processed webhook event IDs so redeliveries are
// acknowledged without work. It is an optimization; the merge rules hold
// without it.
type EventLog interface {
	// MarkProcessed records id and reports whether it was seen for the first time.
	MarkProcessed(ctx context.Context, id string) (bool, error)
	// Forget drops id so a redelivery of a failed event is processed again.
	Forget(ctx context.Context, id string) error
}

// DefaultEventTTL is how long processed event IDs are remembered. The
// processor stops redelivering well before this.
const DefaultEventTTL = 72 * time.Hour

// Config tunes sync sweeps.
type Config struct {
	// Concurrency bounds users synced in parallel during a full sweep.
	Concurrency int
	// RatePerSecond caps processor calls issued by sweeps.
	RatePerSecond float64
	// PageSize is how many entitlement records a full sweep reads at a time.
	PageSize int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 20
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	return c
}

// UserReport is the outcome of syncing one user.
type UserReport struct {
	UserID           string     `json:"userId"`
	Tier             plans.Tier `json:"tier"`
	Raised           bool       `json:"raised"`
	CirclesCorrected int        `json:"circlesCorrected"`
}

// SweepReport summarizes a full sweep.
type SweepReport struct {
	Users            int           `json:"users"`
	Raised           int           `json:"raised"`
	CirclesCorrected int           `json:"circlesCorrected"`
	Failed           int           `json:"failed"`
	Duration         time.Duration `json:"duration"`
}

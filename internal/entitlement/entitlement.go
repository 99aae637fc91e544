// Package entitlement holds the per-user plan record that mirrors processor
// billing state into local limits.
package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/hearthly/hearth/internal/pagination"
	"github.com/hearthly/hearth/internal/plans"
)

// Errors
var (
	ErrNotFound          = errors.New("entitlement: record not found")
	ErrExists            = errors.New("entitlement: record already exists")
	ErrConflict          = errors.New("entitlement: concurrent modification")
	ErrPendingAndCancel  = errors.New("entitlement: pending tier and cancellation are mutually exclusive")
	ErrCapsMismatch      = errors.New("entitlement: caps do not match tier")
	ErrInvalidTransition = errors.New("entitlement: invalid transition")
)

// Record is the local entitlement state of one user.
type Record struct {
	UserID              string     `json:"userId"`
	Tier                plans.Tier `json:"plan"`
	PendingTier         plans.Tier `json:"pendingTier,omitempty"`
	CancelAtPeriodEnd   bool       `json:"cancelAtPeriodEnd"`
	CurrentPeriodEnd    *time.Time `json:"currentPeriodEnd,omitempty"`
	MaxCircles          int        `json:"maxCircles"`
	MaxMembersPerCircle int        `json:"maxMembersPerCircle"`
	CustomerID          string     `json:"-"`
	SubscriptionID      string     `json:"-"`
	Version             int64      `json:"-"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	cp := *r
	if r.CurrentPeriodEnd != nil {
		t := *r.CurrentPeriodEnd
		cp.CurrentPeriodEnd = &t
	}
	return &cp
}

// HasPending reports whether a downgrade is scheduled.
func (r *Record) HasPending() bool {
	return r.PendingTier != ""
}

// Validate checks the record invariants against a catalogue.
func (r *Record) Validate(catalog *plans.Catalog) error {
	if r.HasPending() && r.CancelAtPeriodEnd {
		return ErrPendingAndCancel
	}
	want := catalog.LimitsFor(r.Tier)
	if r.MaxCircles != want.MaxCircles || r.MaxMembersPerCircle != want.MaxMembersPerCircle {
		return ErrCapsMismatch
	}
	return nil
}

// RaiseInput carries what the processor currently confirms for a user.
type RaiseInput struct {
	Tier             plans.Tier
	Limits           plans.Limits
	CurrentPeriodEnd *time.Time
	CustomerID       string
	SubscriptionID   string
}

// Store persists entitlement records.
//
// Raise is the only write used by asynchronous reconciliation. It must apply
// atomically and only when the stored tier ranks below in.Tier (or no record
// exists), returning whether a write happened.
type Store interface {
	Get(ctx context.Context, userID string) (*Record, error)
	Create(ctx context.Context, r *Record) error
	Update(ctx context.Context, r *Record) error // optimistic on Version
	Raise(ctx context.Context, userID string, in RaiseInput, now time.Time) (bool, error)
	ListPage(ctx context.Context, after *pagination.Cursor, limit int) ([]*Record, error)
	ListDue(ctx context.Context, before time.Time, limit int) ([]*Record, error)
}

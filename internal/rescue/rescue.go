// Package rescue lets circle members take over circles their owner can no
// longer keep.
//
// When a cancellation or downgrade leaves an owner with more circles than the
// new tier allows, the oldest circles are kept and every other one gets a
// time-boxed offer:
//
//	open ──claim──▶ claimed
//	  │
//	  ├──deadline──▶ expired
//	  └──owner keeps plan──▶ withdrawn
//
// At most one offer per circle is open at a time. Claims are conditional
// updates on the open status, so concurrent claimants resolve to one winner.
package rescue

import (
	"context"
	"errors"
	"time"

	"github.com/hearthly/hearth/internal/plans"
)

var (
	ErrOfferNotFound    = errors.New("rescue: offer not found")
	ErrOfferUnavailable = errors.New("rescue: offer is no longer available")
	ErrNotEligible      = errors.New("rescue: only circle members can claim this offer")
	ErrCircleLimit      = errors.New("rescue: claimant already owns as many circles as their plan allows")
)

// Status of an offer.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClaimed   Status = "claimed"
	StatusExpired   Status = "expired"
	StatusWithdrawn Status = "withdrawn"
)

// Offer invites the members of one circle to take over its ownership.
type Offer struct {
	ID         string     `json:"id"`
	CircleID   string     `json:"circleId"`
	CircleName string     `json:"circleName"`
	OwnerID    string     `json:"ownerId"`
	TargetTier plans.Tier `json:"targetTier"`
	Deadline   time.Time  `json:"deadline"`
	Status     Status     `json:"status"`
	ClaimedBy  string     `json:"claimedBy,omitempty"`
	ClaimedAt  *time.Time `json:"claimedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsOpenAt reports whether the offer can still be claimed at t.
func (o *Offer) IsOpenAt(t time.Time) bool {
	return o.Status == StatusOpen && t.Before(o.Deadline)
}

// Store persists offers.
type Store interface {
	// CreateOpen inserts an open offer unless the circle already has one,
	// in which case it stores nothing and reports false.
	CreateOpen(ctx context.Context, o *Offer) (bool, error)
	Get(ctx context.Context, id string) (*Offer, error)
	GetOpenByCircle(ctx context.Context, circleID string) (*Offer, error)
	ListOpenForCircles(ctx context.Context, circleIDs []string) ([]*Offer, error)
	ListOpenByOwner(ctx context.Context, ownerID string) ([]*Offer, error)
	// ListExpirable returns open offers whose deadline is at or before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Offer, error)

	// Claim moves an open offer to claimed. It fails with ErrOfferUnavailable
	// when the offer is no longer open.
	Claim(ctx context.Context, id, claimantID string, at time.Time) error
	// Transition moves an offer from one status to another, failing with
	// ErrOfferUnavailable when the current status is not from. Moving back to
	// open clears the claimant.
	Transition(ctx context.Context, id string, from, to Status, at time.Time) error
}

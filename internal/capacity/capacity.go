// Package capacity computes circle member limits from the owner's
// entitlement and gates every membership-creating action.
package capacity

import (
	"context"
	"errors"
	"fmt"

	"github.com/hearthly/hearth/internal/circles"
	"github.com/hearthly/hearth/internal/entitlement"
	"github.com/hearthly/hearth/internal/plans"
)

// ErrInvalidJoinCode is returned when a join-by-code attempt uses the wrong code.
var ErrInvalidJoinCode = errors.New("capacity: invalid join code")

// EntitlementReader returns a user's entitlement record. A missing record must
// come back as a free record, never as an error the caller could read as unbounded.
type EntitlementReader interface {
	Get(ctx context.Context, userID string) (*entitlement.Record, error)
}

// Result is the outcome of a capacity check.
type Result struct {
	IsFull       bool       `json:"isFull"`
	Plan         plans.Tier `json:"plan"`
	CurrentCount int        `json:"currentCount"`
	Limit        int        `json:"limit"`
	Unlimited    bool       `json:"unlimited,omitempty"`
}

// EffectiveLimit is the owner's tier cap plus purchased extra slots.
// Admin owners get plans.Unlimited.
func EffectiveLimit(catalog *plans.Catalog, ownerTier plans.Tier, extraMembers int) int {
	if ownerTier == plans.TierAdmin {
		return plans.Unlimited
	}
	base := catalog.LimitsFor(ownerTier).MaxMembersPerCircle
	if base == plans.Unlimited {
		return plans.Unlimited
	}
	return base + extraMembers
}

// CapacityTier is the tier whose cap governs the owner's circles: a scheduled
// downgrade or cancellation applies as soon as it is scheduled so new joins
// cannot outgrow the tier that follows the renewal.
func CapacityTier(r *entitlement.Record) plans.Tier {
	if r.CancelAtPeriodEnd && r.Tier != plans.TierAdmin {
		return plans.TierFree
	}
	if r.HasPending() {
		return r.PendingTier
	}
	return r.Tier
}

// Evaluator answers capacity questions for circles.
type Evaluator struct {
	circles      circles.Store
	entitlements EntitlementReader
	catalog      *plans.Catalog
}

// NewEvaluator creates a capacity evaluator.
func NewEvaluator(store circles.Store, entitlements EntitlementReader, catalog *plans.Catalog) *Evaluator {
	return &Evaluator{circles: store, entitlements: entitlements, catalog: catalog}
}

// CurrentOccupancy counts active memberships plus the owner.
func (e *Evaluator) CurrentOccupancy(ctx context.Context, circleID string) (int, error) {
	n, err := e.circles.CountMembers(ctx, circleID)
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

// CheckCapacity reports whether another member fits in the circle. It has no
// side effects; the insert itself is still checked by the store.
func (e *Evaluator) CheckCapacity(ctx context.Context, circleID, ownerID string) (*Result, error) {
	circle, err := e.circles.Get(ctx, circleID)
	if err != nil {
		return nil, err
	}
	if ownerID == "" {
		ownerID = circle.OwnerID
	}
	return e.check(ctx, circle, ownerID)
}

func (e *Evaluator) check(ctx context.Context, circle *circles.Circle, ownerID string) (*Result, error) {
	tier, err := e.ownerTier(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	count, err := e.CurrentOccupancy(ctx, circle.ID)
	if err != nil {
		return nil, err
	}

	limit := EffectiveLimit(e.catalog, tier, circle.ExtraMembers)
	res := &Result{Plan: tier, CurrentCount: count, Limit: limit}
	if limit == plans.Unlimited {
		res.Unlimited = true
		return res, nil
	}
	res.IsFull = count >= limit
	return res, nil
}

// Join adds userID to the circle: the capacity check gives an early answer,
// and the store's atomic insert decides. joinCode is compared only when the
// circle has one.
func (e *Evaluator) Join(ctx context.Context, circleID, userID, joinCode string) (*Result, error) {
	circle, err := e.circles.Get(ctx, circleID)
	if err != nil {
		return nil, err
	}
	if circle.JoinCode != "" && circle.JoinCode != joinCode {
		return nil, ErrInvalidJoinCode
	}

	res, err := e.check(ctx, circle, circle.OwnerID)
	if err != nil {
		return nil, err
	}
	if res.IsFull {
		capacityChecks.WithLabelValues("full").Inc()
		return res, circles.ErrCircleFull
	}

	if err := e.circles.AddMember(ctx, circleID, userID, res.Limit); err != nil {
		if errors.Is(err, circles.ErrCircleFull) {
			capacityChecks.WithLabelValues("lost_race").Inc()
			res.IsFull = true
		}
		return res, err
	}
	capacityChecks.WithLabelValues("admitted").Inc()
	res.CurrentCount++
	res.IsFull = !res.Unlimited && res.CurrentCount >= res.Limit
	return res, nil
}

func (e *Evaluator) ownerTier(ctx context.Context, ownerID string) (plans.Tier, error) {
	r, err := e.entitlements.Get(ctx, ownerID)
	if errors.Is(err, entitlement.ErrNotFound) {
		return plans.TierFree, nil
	}
	if err != nil {
		return "", fmt.Errorf("load owner entitlement: %w", err)
	}
	tier := CapacityTier(r)
	if !tier.Valid() {
		return plans.TierFree, nil
	}
	return tier, nil
}

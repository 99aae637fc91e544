package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hearthly/hearth/internal/pagination"
	"github.com/hearthly/hearth/internal/plans"
)

// Ledger is the single write path for entitlement records. Billing transitions
// and asynchronous reconciliation both go through it so the record invariants
// and the raise-only merge rule are enforced in one place.
type Ledger struct {
	store   Store
	catalog *plans.Catalog
	now     func() time.Time
}

// NewLedger creates a ledger over a store.
func NewLedger(store Store, catalog *plans.Catalog) *Ledger {
	return &Ledger{store: store, catalog: catalog, now: time.Now}
}

// Catalog returns the price catalogue the ledger derives caps from.
func (l *Ledger) Catalog() *plans.Catalog {
	return l.catalog
}

// ListPage returns records in creation order after the cursor.
func (l *Ledger) ListPage(ctx context.Context, after *pagination.Cursor, limit int) ([]*Record, error) {
	return l.store.ListPage(ctx, after, limit)
}

// ListDue returns records with a scheduled cancellation or downgrade whose
// period ends at or before the given time.
func (l *Ledger) ListDue(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	return l.store.ListDue(ctx, before, limit)
}

// Get returns the user's record, or an unsaved free record when none exists.
// A missing record is never treated as anything above free.
func (l *Ledger) Get(ctx context.Context, userID string) (*Record, error) {
	r, err := l.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return l.freeRecord(userID), nil
	}
	return r, err
}

// Ensure returns the user's record, persisting a free default if missing.
func (l *Ledger) Ensure(ctx context.Context, userID string) (*Record, error) {
	r, err := l.store.Get(ctx, userID)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	r = l.freeRecord(userID)
	if err := l.store.Create(ctx, r); err != nil {
		if errors.Is(err, ErrExists) {
			return l.store.Get(ctx, userID)
		}
		return nil, err
	}
	return r, nil
}

// Raise applies the monotonic-raise merge: the record is overwritten only when
// the processor-confirmed tier ranks strictly above the local one. It never
// lowers a tier and never touches a record at an equal or higher tier.
func (l *Ledger) Raise(ctx context.Context, userID string, tier plans.Tier, periodEnd *time.Time, customerID, subscriptionID string) (bool, error) {
	if !tier.Valid() {
		return false, fmt.Errorf("%w: %q", plans.ErrUnknownTier, tier)
	}
	return l.store.Raise(ctx, userID, RaiseInput{
		Tier:             tier,
		Limits:           l.catalog.LimitsFor(tier),
		CurrentPeriodEnd: periodEnd,
		CustomerID:       customerID,
		SubscriptionID:   subscriptionID,
	}, l.now())
}

// AttachCustomer records the processor customer for a user that has none yet,
// so sweeps can find purchases made before any subscription existed.
func (l *Ledger) AttachCustomer(ctx context.Context, userID, customerID string) error {
	if customerID == "" {
		return nil
	}
	for attempt := 0; attempt < 3; attempt++ {
		r, err := l.Ensure(ctx, userID)
		if err != nil {
			return err
		}
		if r.CustomerID != "" {
			return nil
		}
		r.CustomerID = customerID
		r.UpdatedAt = l.now()
		if err := l.store.Update(ctx, r); !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return ErrConflict
}

// ApplyUpgrade records a confirmed in-place upgrade and clears any scheduled
// cancellation or downgrade.
func (l *Ledger) ApplyUpgrade(ctx context.Context, r *Record, tier plans.Tier, periodEnd time.Time, subscriptionID string) error {
	if !tier.Higher(r.Tier) {
		return fmt.Errorf("%w: %s is not above %s", ErrInvalidTransition, tier, r.Tier)
	}
	r.PendingTier = ""
	r.CancelAtPeriodEnd = false
	if subscriptionID != "" {
		r.SubscriptionID = subscriptionID
	}
	return l.save(ctx, r, tier, &periodEnd)
}

// MarkCancelling records a confirmed cancel-at-period-end. Tier and caps stay.
func (l *Ledger) MarkCancelling(ctx context.Context, r *Record, periodEnd time.Time) error {
	if !r.Tier.Paid() {
		return fmt.Errorf("%w: %s cannot be cancelled", ErrInvalidTransition, r.Tier)
	}
	r.CancelAtPeriodEnd = true
	r.PendingTier = ""
	return l.save(ctx, r, r.Tier, &periodEnd)
}

// SchedulePending records a downgrade that takes effect at renewal.
func (l *Ledger) SchedulePending(ctx context.Context, r *Record, pending plans.Tier, periodEnd time.Time) error {
	if !pending.Paid() || !r.Tier.Higher(pending) {
		return fmt.Errorf("%w: cannot schedule %s from %s", ErrInvalidTransition, pending, r.Tier)
	}
	if r.CancelAtPeriodEnd {
		return ErrPendingAndCancel
	}
	r.PendingTier = pending
	return l.save(ctx, r, r.Tier, &periodEnd)
}

// ClearPending drops a scheduled downgrade.
func (l *Ledger) ClearPending(ctx context.Context, r *Record) error {
	if !r.HasPending() {
		return fmt.Errorf("%w: no pending downgrade", ErrInvalidTransition)
	}
	r.PendingTier = ""
	return l.save(ctx, r, r.Tier, r.CurrentPeriodEnd)
}

// Reactivate clears a scheduled cancellation.
func (l *Ledger) Reactivate(ctx context.Context, r *Record, periodEnd time.Time) error {
	if !r.CancelAtPeriodEnd {
		return fmt.Errorf("%w: not cancelling", ErrInvalidTransition)
	}
	r.CancelAtPeriodEnd = false
	return l.save(ctx, r, r.Tier, &periodEnd)
}

// ApplyRollover moves the record onto the tier that applies after the period
// boundary (the pending tier, or free after a cancellation).
func (l *Ledger) ApplyRollover(ctx context.Context, r *Record, tier plans.Tier, periodEnd *time.Time) error {
	if !r.HasPending() && !r.CancelAtPeriodEnd {
		return fmt.Errorf("%w: nothing scheduled", ErrInvalidTransition)
	}
	r.PendingTier = ""
	r.CancelAtPeriodEnd = false
	if tier == plans.TierFree {
		r.SubscriptionID = ""
	}
	return l.save(ctx, r, tier, periodEnd)
}

func (l *Ledger) save(ctx context.Context, r *Record, tier plans.Tier, periodEnd *time.Time) error {
	limits := l.catalog.LimitsFor(tier)
	r.Tier = tier
	r.MaxCircles = limits.MaxCircles
	r.MaxMembersPerCircle = limits.MaxMembersPerCircle
	r.CurrentPeriodEnd = periodEnd
	r.UpdatedAt = l.now()

	if err := r.Validate(l.catalog); err != nil {
		return err
	}
	if r.Version == 0 {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = r.UpdatedAt
		}
		return l.store.Create(ctx, r)
	}
	return l.store.Update(ctx, r)
}

func (l *Ledger) freeRecord(userID string) *Record {
	limits := l.catalog.LimitsFor(plans.TierFree)
	now := l.now()
	return &Record{
		UserID:              userID,
		Tier:                plans.TierFree,
		MaxCircles:          limits.MaxCircles,
		MaxMembersPerCircle: limits.MaxMembersPerCircle,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

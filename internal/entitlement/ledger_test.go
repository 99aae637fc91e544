package entitlement

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthly/hearth/internal/plans"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return NewLedger(store, plans.DefaultCatalog()), store
}

func TestLedger_GetMissingIsFree(t *testing.T) {
	ledger, _ := newTestLedger()

	r, err := ledger.Get(context.Background(), "u_missing")
	require.NoError(t, err)
	assert.Equal(t, plans.TierFree, r.Tier)
	assert.Equal(t, 8, r.MaxMembersPerCircle)
	assert.Equal(t, int64(0), r.Version, "default record is not persisted")
}

func TestLedger_Ensure(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	r, err := ledger.Ensure(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, plans.TierFree, r.Tier)

	stored, err := store.Get(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)

	// Second call returns the existing record
	again, err := ledger.Ensure(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, stored.Version, again.Version)
}

func TestLedger_RaiseNeverLowers(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()
	end := time.Now().Add(30 * 24 * time.Hour)

	raised, err := ledger.Raise(ctx, "u_1", plans.TierExtended, &end, "cus_1", "sub_1")
	require.NoError(t, err)
	assert.True(t, raised)

	// Stale, out-of-order delivery of a lower tier
	raised, err = ledger.Raise(ctx, "u_1", plans.TierFamily, &end, "cus_1", "sub_0")
	require.NoError(t, err)
	assert.False(t, raised)

	// Duplicate delivery of the current tier
	raised, err = ledger.Raise(ctx, "u_1", plans.TierExtended, &end, "cus_1", "sub_1")
	require.NoError(t, err)
	assert.False(t, raised)

	r, err := store.Get(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, plans.TierExtended, r.Tier)
	assert.Equal(t, 35, r.MaxMembersPerCircle)
	assert.Equal(t, 3, r.MaxCircles)
	assert.Equal(t, "sub_1", r.SubscriptionID)
}

func TestLedger_RaiseRejectsUnknownTier(t *testing.T) {
	ledger, _ := newTestLedger()
	_, err := ledger.Raise(context.Background(), "u_1", plans.Tier("gold"), nil, "", "")
	assert.ErrorIs(t, err, plans.ErrUnknownTier)
}

// Any order and any duplication of confirmed tiers ends at the maximum.
func TestLedger_RaiseIsOrderIndependent(t *testing.T) {
	tiers := []plans.Tier{plans.TierFree, plans.TierFamily, plans.TierExtended}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		ledger, store := newTestLedger()
		ctx := context.Background()

		n := 1 + rng.Intn(8)
		events := make([]plans.Tier, n)
		want := plans.TierFree
		for i := range events {
			events[i] = tiers[rng.Intn(len(tiers))]
			want = plans.Max(want, events[i])
		}

		var wg sync.WaitGroup
		for _, tier := range events {
			wg.Add(1)
			go func(tier plans.Tier) {
				defer wg.Done()
				_, err := ledger.Raise(ctx, "u_prop", tier, nil, "", "")
				assert.NoError(t, err)
			}(tier)
		}
		wg.Wait()

		r, err := store.Get(ctx, "u_prop")
		require.NoError(t, err)
		assert.Equal(t, want, r.Tier, "events=%v", events)
	}
}

func TestLedger_CancelThenReactivateRestoresState(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()
	end := time.Now().Add(10 * 24 * time.Hour).UTC().Truncate(time.Second)

	_, err := ledger.Raise(ctx, "u_1", plans.TierExtended, &end, "cus_1", "sub_1")
	require.NoError(t, err)
	before, err := store.Get(ctx, "u_1")
	require.NoError(t, err)

	r := before.Clone()
	require.NoError(t, ledger.MarkCancelling(ctx, r, end))
	assert.True(t, r.CancelAtPeriodEnd)
	assert.Equal(t, plans.TierExtended, r.Tier, "tier is kept until period end")

	require.NoError(t, ledger.Reactivate(ctx, r, end))

	after, err := store.Get(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, before.Tier, after.Tier)
	assert.Equal(t, before.MaxCircles, after.MaxCircles)
	assert.Equal(t, before.MaxMembersPerCircle, after.MaxMembersPerCircle)
	assert.False(t, after.CancelAtPeriodEnd)
	assert.Empty(t, after.PendingTier)
}

func TestLedger_PendingAndCancelExclusive(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()
	end := time.Now().Add(24 * time.Hour)

	_, err := ledger.Raise(ctx, "u_1", plans.TierExtended, &end, "cus_1", "sub_1")
	require.NoError(t, err)
	r, _ := store.Get(ctx, "u_1")

	require.NoError(t, ledger.SchedulePending(ctx, r, plans.TierFamily, end))
	assert.Equal(t, plans.TierFamily, r.PendingTier)

	// Cancelling replaces the pending downgrade rather than stacking on it.
	require.NoError(t, ledger.MarkCancelling(ctx, r, end))
	assert.True(t, r.CancelAtPeriodEnd)
	assert.Empty(t, r.PendingTier)

	// Scheduling a downgrade while cancelling is refused.
	err = ledger.SchedulePending(ctx, r, plans.TierFamily, end)
	assert.ErrorIs(t, err, ErrPendingAndCancel)

	stored, _ := store.Get(ctx, "u_1")
	assert.False(t, stored.HasPending() && stored.CancelAtPeriodEnd)
}

func TestLedger_InvalidTransitions(t *testing.T) {
	ledger, _ := newTestLedger()
	ctx := context.Background()
	end := time.Now().Add(24 * time.Hour)

	free, err := ledger.Ensure(ctx, "u_free")
	require.NoError(t, err)

	assert.ErrorIs(t, ledger.MarkCancelling(ctx, free, end), ErrInvalidTransition)
	assert.ErrorIs(t, ledger.Reactivate(ctx, free, end), ErrInvalidTransition)
	assert.ErrorIs(t, ledger.ClearPending(ctx, free), ErrInvalidTransition)
	assert.ErrorIs(t, ledger.ApplyUpgrade(ctx, free, plans.TierFree, end, ""), ErrInvalidTransition)
	assert.ErrorIs(t, ledger.SchedulePending(ctx, free, plans.TierFamily, end), ErrInvalidTransition)
	assert.ErrorIs(t, ledger.ApplyRollover(ctx, free, plans.TierFree, nil), ErrInvalidTransition)
}

func TestLedger_ApplyUpgradeClearsSchedules(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()
	end := time.Now().Add(24 * time.Hour)

	_, err := ledger.Raise(ctx, "u_1", plans.TierFamily, &end, "cus_1", "sub_1")
	require.NoError(t, err)
	r, _ := store.Get(ctx, "u_1")
	require.NoError(t, ledger.MarkCancelling(ctx, r, end))

	newEnd := end.Add(time.Hour)
	require.NoError(t, ledger.ApplyUpgrade(ctx, r, plans.TierExtended, newEnd, "sub_1"))

	stored, _ := store.Get(ctx, "u_1")
	assert.Equal(t, plans.TierExtended, stored.Tier)
	assert.False(t, stored.CancelAtPeriodEnd)
	assert.Equal(t, 35, stored.MaxMembersPerCircle)
	assert.WithinDuration(t, newEnd, *stored.CurrentPeriodEnd, time.Second)
}

func TestLedger_ApplyRolloverToFree(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()
	end := time.Now().Add(-time.Hour)

	_, err := ledger.Raise(ctx, "u_1", plans.TierFamily, &end, "cus_1", "sub_1")
	require.NoError(t, err)
	r, _ := store.Get(ctx, "u_1")
	require.NoError(t, ledger.MarkCancelling(ctx, r, end))

	require.NoError(t, ledger.ApplyRollover(ctx, r, plans.TierFree, nil))

	stored, _ := store.Get(ctx, "u_1")
	assert.Equal(t, plans.TierFree, stored.Tier)
	assert.Equal(t, 8, stored.MaxMembersPerCircle)
	assert.Empty(t, stored.SubscriptionID)
	assert.Equal(t, "cus_1", stored.CustomerID)
}

func TestLedger_StaleWriteConflicts(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()
	end := time.Now().Add(24 * time.Hour)

	_, err := ledger.Raise(ctx, "u_1", plans.TierExtended, &end, "cus_1", "sub_1")
	require.NoError(t, err)

	a, _ := store.Get(ctx, "u_1")
	b, _ := store.Get(ctx, "u_1")

	require.NoError(t, ledger.MarkCancelling(ctx, a, end))
	err = ledger.SchedulePending(ctx, b, plans.TierFamily, end)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestLedger_AttachCustomer(t *testing.T) {
	ledger, store := newTestLedger()
	ctx := context.Background()

	require.NoError(t, ledger.AttachCustomer(ctx, "u_1", "cus_1"))
	r, err := store.Get(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", r.CustomerID)
	assert.Equal(t, plans.TierFree, r.Tier)

	// An existing customer is never replaced.
	require.NoError(t, ledger.AttachCustomer(ctx, "u_1", "cus_2"))
	r, _ = store.Get(ctx, "u_1")
	assert.Equal(t, "cus_1", r.CustomerID)

	require.NoError(t, ledger.AttachCustomer(ctx, "u_2", ""))
	_, err = store.Get(ctx, "u_2")
	assert.ErrorIs(t, err, ErrNotFound)
}

package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthly/hearth/internal/circles"
	"github.com/hearthly/hearth/internal/entitlement"
	"github.com/hearthly/hearth/internal/plans"
	"github.com/hearthly/hearth/internal/processor"
)

const testWebhookSecret = "whsec_test_reconcile"

type fixture struct {
	engine  *Engine
	proc    *processor.MemoryProcessor
	ledger  *entitlement.Ledger
	circles *circles.MemoryStore
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	catalog := plans.DefaultCatalog()
	proc := processor.NewMemoryProcessor(map[string]decimal.Decimal{
		"price_family_monthly":   decimal.NewFromInt(5),
		"price_extended_monthly": decimal.NewFromInt(10),
		"price_extra_members":    decimal.NewFromInt(2),
	}, testWebhookSecret)
	proc.SetClock(func() time.Time { return now })

	f := &fixture{
		proc:    proc,
		ledger:  entitlement.NewLedger(entitlement.NewMemoryStore(), catalog),
		circles: circles.NewMemoryStore(),
		now:     now,
	}
	f.engine = NewEngine(f.ledger, proc, f.circles, Config{RatePerSecond: 1000}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *fixture) tier(t *testing.T, userID string) plans.Tier {
	t.Helper()
	r, err := f.ledger.Get(context.Background(), userID)
	require.NoError(t, err)
	return r.Tier
}

func (f *fixture) subscription(id, userID, price, status string) *processor.Subscription {
	sub := &processor.Subscription{
		ID:               id,
		CustomerID:       "cus_" + userID,
		Status:           status,
		PriceRef:         price,
		ItemID:           "si_" + id,
		CurrentPeriodEnd: f.now.Add(30 * 24 * time.Hour),
		Metadata:         map[string]string{processor.MetaUserID: userID},
	}
	f.proc.PutSubscription(sub)
	return sub
}

func subEvent(id string, sub *processor.Subscription) *processor.Event {
	return &processor.Event{ID: id, Type: processor.EventSubscriptionUpdated, Subscription: sub}
}

func TestHandleEvent_RaisesNeverLowers(t *testing.T) {
	orders := [][]string{
		{"family", "extended", "family"},
		{"extended", "family", "family"},
		{"family", "family", "extended", "extended"},
	}
	for i, order := range orders {
		f := newFixture(t)
		subs := map[string]*processor.Subscription{
			"family":   f.subscription("sub_f", "u_1", "price_family_monthly", processor.StatusActive),
			"extended": f.subscription("sub_e", "u_1", "price_extended_monthly", processor.StatusActive),
		}
		for j, name := range order {
			require.NoError(t, f.engine.HandleEvent(context.Background(), subEvent("evt", subs[name])), "order %d event %d", i, j)
		}
		assert.Equal(t, plans.TierExtended, f.tier(t, "u_1"), "order %d", i)
	}
}

func TestHandleEvent_StaleLowerTierIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	extended := f.subscription("sub_e", "u_1", "price_extended_monthly", processor.StatusActive)
	require.NoError(t, f.engine.HandleEvent(ctx, subEvent("evt_1", extended)))

	stale := f.subscription("sub_f", "u_1", "price_family_monthly", processor.StatusActive)
	require.NoError(t, f.engine.HandleEvent(ctx, subEvent("evt_2", stale)))

	r, err := f.ledger.Get(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, plans.TierExtended, r.Tier)
	assert.Equal(t, "sub_e", r.SubscriptionID)
	assert.Equal(t, 35, r.MaxMembersPerCircle)
}

func TestHandleEvent_InactiveOrUnknownPriceIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pastDue := f.subscription("sub_1", "u_1", "price_extended_monthly", processor.StatusPastDue)
	require.NoError(t, f.engine.HandleEvent(ctx, subEvent("evt_1", pastDue)))
	unknown := f.subscription("sub_2", "u_1", "price_gold", processor.StatusActive)
	require.NoError(t, f.engine.HandleEvent(ctx, subEvent("evt_2", unknown)))
	deleted := &processor.Event{ID: "evt_3", Type: processor.EventSubscriptionDeleted, Subscription: pastDue}
	require.NoError(t, f.engine.HandleEvent(ctx, deleted))

	assert.Equal(t, plans.TierFree, f.tier(t, "u_1"))
}

func TestHandleEvent_ReplayedActivePayloadAfterEndDoesNotRaise(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	family := f.subscription("sub_f", "u_1", "price_family_monthly", processor.StatusActive)
	require.NoError(t, f.engine.HandleEvent(ctx, subEvent("evt_1", family)))
	require.Equal(t, plans.TierFamily, f.tier(t, "u_1"))

	r, err := f.ledger.Get(ctx, "u_1")
	require.NoError(t, err)
	require.NoError(t, f.ledger.MarkCancelling(ctx, r, family.CurrentPeriodEnd))
	_, err = f.proc.SetCancelAtPeriodEnd(ctx, "sub_f", true)
	require.NoError(t, err)
	require.NoError(t, f.proc.Renew("sub_f"))

	r, err = f.ledger.Get(ctx, "u_1")
	require.NoError(t, err)
	require.NoError(t, f.ledger.ApplyRollover(ctx, r, plans.TierFree, nil))
	require.Equal(t, plans.TierFree, f.tier(t, "u_1"))

	// The earlier payload still says active; the processor says canceled.
	require.NoError(t, f.engine.HandleEvent(ctx, subEvent("evt_2", family)))
	assert.Equal(t, plans.TierFree, f.tier(t, "u_1"))
	assert.Equal(t, 2, f.proc.Calls("GetSubscription"))
}

func TestHandleEvent_SubscriptionReadFailureIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	extended := f.subscription("sub_e", "u_1", "price_extended_monthly", processor.StatusActive)

	f.proc.FailNext("GetSubscription", processor.ErrUnavailable)
	err := f.engine.HandleEvent(ctx, subEvent("evt_1", extended))
	assert.ErrorIs(t, err, processor.ErrUnavailable)
	assert.Equal(t, plans.TierFree, f.tier(t, "u_1"))

	require.NoError(t, f.engine.HandleEvent(ctx, subEvent("evt_1", extended)))
	assert.Equal(t, plans.TierExtended, f.tier(t, "u_1"))
}

func TestHandleEvent_UnknownSubscriptionIgnored(t *testing.T) {
	f := newFixture(t)
	ghost := &processor.Subscription{ID: "sub_ghost", Status: processor.StatusActive, PriceRef: "price_extended_monthly",
		Metadata: map[string]string{processor.MetaUserID: "u_1"}}
	require.NoError(t, f.engine.HandleEvent(context.Background(), subEvent("evt_1", ghost)))
	assert.Equal(t, plans.TierFree, f.tier(t, "u_1"))
}

func TestHandleCheckoutCompleted_Subscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cs, err := f.proc.CreateCheckout(ctx, processor.CheckoutRequest{
		Mode:     processor.ModeSubscription,
		PriceRef: "price_family_monthly",
		Email:    "u_1@example.com",
		Metadata: map[string]string{processor.MetaUserID: "u_1", processor.MetaKind: processor.KindSubscription},
	})
	require.NoError(t, err)
	cs, err = f.proc.CompleteCheckout(cs.ID)
	require.NoError(t, err)

	require.NoError(t, f.engine.HandleCheckoutCompleted(ctx, cs))
	r, err := f.ledger.Get(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, plans.TierFamily, r.Tier)
	assert.Equal(t, cs.CustomerID, r.CustomerID)
	assert.Equal(t, cs.SubscriptionID, r.SubscriptionID)
	require.NotNil(t, r.CurrentPeriodEnd)

	// Redelivery changes nothing.
	require.NoError(t, f.engine.HandleCheckoutCompleted(ctx, cs))
	again, err := f.ledger.Get(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, r.Version, again.Version)
}

func TestHandleCheckoutCompleted_EndedSubscriptionDoesNotRaise(t *testing.T) {
	f := newFixture(t)
	f.subscription("sub_1", "u_1", "price_extended_monthly", processor.StatusCanceled)

	cs := &processor.CheckoutSession{
		ID: "cs_1", Mode: processor.ModeSubscription, Complete: true, Paid: true,
		SubscriptionID: "sub_1", CustomerID: "cus_u_1",
		Metadata: map[string]string{processor.MetaUserID: "u_1"},
	}
	require.NoError(t, f.engine.HandleCheckoutCompleted(context.Background(), cs))
	assert.Equal(t, plans.TierFree, f.tier(t, "u_1"))
}

func TestHandleCheckoutCompleted_ProcessorUnavailable(t *testing.T) {
	f := newFixture(t)
	f.subscription("sub_1", "u_1", "price_family_monthly", processor.StatusActive)
	f.proc.FailNext("GetSubscription", processor.ErrUnavailable)

	cs := &processor.CheckoutSession{
		ID: "cs_1", Mode: processor.ModeSubscription, Complete: true, Paid: true,
		SubscriptionID: "sub_1", Metadata: map[string]string{processor.MetaUserID: "u_1"},
	}
	err := f.engine.HandleCheckoutCompleted(context.Background(), cs)
	assert.ErrorIs(t, err, processor.ErrUnavailable)
	assert.Equal(t, plans.TierFree, f.tier(t, "u_1"))
}

func addOnSession(id, userID, circleID string) *processor.CheckoutSession {
	return &processor.CheckoutSession{
		ID: id, Mode: processor.ModePayment, Complete: true, Paid: true,
		CustomerID: "cus_" + userID,
		PriceRefs:  []string{"price_extra_members"},
		Metadata: map[string]string{
			processor.MetaUserID:   userID,
			processor.MetaCircleID: circleID,
			processor.MetaKind:     processor.KindExtraMembers,
		},
	}
}

func TestHandleCheckoutCompleted_AddOnIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.circles.Create(ctx, &circles.Circle{ID: "c_1", OwnerID: "u_1", CreatedAt: f.now}))

	cs := addOnSession("cs_1", "u_1", "c_1")
	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.HandleCheckoutCompleted(ctx, cs))
	}
	c, err := f.circles.Get(ctx, "c_1")
	require.NoError(t, err)
	assert.Equal(t, 5, c.ExtraMembers)

	require.NoError(t, f.engine.HandleCheckoutCompleted(ctx, addOnSession("cs_2", "u_1", "c_1")))
	c, err = f.circles.Get(ctx, "c_1")
	require.NoError(t, err)
	assert.Equal(t, 10, c.ExtraMembers)
	assert.Equal(t, plans.TierFree, f.tier(t, "u_1"), "add-ons never touch the tier")
}

func TestHandleCheckoutCompleted_AddOnUnpaidOrUnknownCircle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.circles.Create(ctx, &circles.Circle{ID: "c_1", OwnerID: "u_1", CreatedAt: f.now}))

	unpaid := addOnSession("cs_1", "u_1", "c_1")
	unpaid.Paid = false
	require.NoError(t, f.engine.HandleCheckoutCompleted(ctx, unpaid))
	require.NoError(t, f.engine.HandleCheckoutCompleted(ctx, addOnSession("cs_2", "u_1", "c_gone")))

	c, err := f.circles.Get(ctx, "c_1")
	require.NoError(t, err)
	assert.Zero(t, c.ExtraMembers)
}

func TestSyncUser_FindsPurchasesByEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A checkout whose webhook never arrived.
	cs, err := f.proc.CreateCheckout(ctx, processor.CheckoutRequest{
		Mode:     processor.ModeSubscription,
		PriceRef: "price_extended_monthly",
		Email:    "ana@example.com",
		Metadata: map[string]string{processor.MetaUserID: "u_ana"},
	})
	require.NoError(t, err)
	_, err = f.proc.CompleteCheckout(cs.ID)
	require.NoError(t, err)

	report, err := f.engine.SyncUser(ctx, "u_ana", "ana@example.com")
	require.NoError(t, err)
	assert.True(t, report.Raised)
	assert.Equal(t, plans.TierExtended, report.Tier)

	r, err := f.ledger.Get(ctx, "u_ana")
	require.NoError(t, err)
	assert.NotEmpty(t, r.CustomerID)

	// A second sweep is a no-op.
	report, err = f.engine.SyncUser(ctx, "u_ana", "")
	require.NoError(t, err)
	assert.False(t, report.Raised)
	assert.Equal(t, plans.TierExtended, report.Tier)
}

func TestSyncUser_RecomputesExtraMembersExactly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.circles.Create(ctx, &circles.Circle{ID: "c_1", OwnerID: "u_1", ExtraMembers: 15, CreatedAt: f.now}))
	require.NoError(t, f.circles.Create(ctx, &circles.Circle{ID: "c_2", OwnerID: "u_1", CreatedAt: f.now}))

	cs, err := f.proc.CreateCheckout(ctx, processor.CheckoutRequest{
		Mode:     processor.ModePayment,
		PriceRef: "price_extra_members",
		Email:    "u_1@example.com",
		Metadata: map[string]string{
			processor.MetaUserID:   "u_1",
			processor.MetaCircleID: "c_2",
			processor.MetaKind:     processor.KindExtraMembers,
		},
	})
	require.NoError(t, err)
	_, err = f.proc.CompleteCheckout(cs.ID)
	require.NoError(t, err)

	report, err := f.engine.SyncUser(ctx, "u_1", "u_1@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, report.CirclesCorrected)

	c1, err := f.circles.Get(ctx, "c_1")
	require.NoError(t, err)
	assert.Zero(t, c1.ExtraMembers, "slots without purchases are removed")
	c2, err := f.circles.Get(ctx, "c_2")
	require.NoError(t, err)
	assert.Equal(t, 5, c2.ExtraMembers)
	assert.Equal(t, plans.TierFree, report.Tier)
}

func TestSyncAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, user := range []string{"u_a", "u_b", "u_c"} {
		_, err := f.ledger.Ensure(ctx, user)
		require.NoError(t, err)
		if i < 2 {
			sub := f.subscription("sub_"+user, user, "price_family_monthly", processor.StatusActive)
			require.NoError(t, f.ledger.AttachCustomer(ctx, user, sub.CustomerID))
		}
	}

	f.engine.cfg.PageSize = 2
	report, err := f.engine.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Users)
	assert.Equal(t, 2, report.Raised)
	assert.Zero(t, report.Failed)
	assert.Equal(t, plans.TierFamily, f.tier(t, "u_a"))
	assert.Equal(t, plans.TierFamily, f.tier(t, "u_b"))
	assert.Equal(t, plans.TierFree, f.tier(t, "u_c"))
}

func TestSyncAll_StopsWhenProcessorUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ledger.Ensure(ctx, "u_a")
	require.NoError(t, err)
	require.NoError(t, f.ledger.AttachCustomer(ctx, "u_a", "cus_u_a"))
	f.proc.FailNext("ListSubscriptions", processor.ErrUnavailable)

	report, err := f.engine.SyncAll(ctx)
	assert.ErrorIs(t, err, processor.ErrUnavailable)
	assert.Equal(t, 1, report.Failed)
}

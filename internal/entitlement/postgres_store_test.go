package entitlement

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthly/hearth/internal/plans"
	"github.com/hearthly/hearth/internal/testutil"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM entitlements WHERE user_id = \$1`).
		WithArgs("u_1").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "u_1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetScansNullableColumns(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"user_id", "tier", "pending_tier", "cancel_at_period_end",
		"current_period_end", "max_circles", "max_members_per_circle", "customer_id",
		"subscription_id", "version", "created_at", "updated_at"}).
		AddRow("u_1", "extended", "family", false, now, 3, 35, "cus_1", nil, 4, now, now)

	mock.ExpectQuery(`SELECT .* FROM entitlements WHERE user_id = \$1`).
		WithArgs("u_1").
		WillReturnRows(rows)

	r, err := store.Get(context.Background(), "u_1")
	require.NoError(t, err)
	assert.Equal(t, plans.TierExtended, r.Tier)
	assert.Equal(t, plans.TierFamily, r.PendingTier)
	assert.Equal(t, "cus_1", r.CustomerID)
	assert.Empty(t, r.SubscriptionID)
	assert.Equal(t, int64(4), r.Version)
	require.NotNil(t, r.CurrentPeriodEnd)
}

func TestPostgresStore_RaiseConditional(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	in := RaiseInput{
		Tier:   plans.TierFamily,
		Limits: plans.Limits{MaxCircles: 2, MaxMembersPerCircle: 20},
	}

	mock.ExpectExec(`INSERT INTO entitlements .* ON CONFLICT \(user_id\) DO UPDATE .* WHERE entitlements.tier_rank < EXCLUDED.tier_rank`).
		WithArgs("u_1", "family", 1, nil, 2, 20, nil, nil, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	raised, err := store.Raise(context.Background(), "u_1", in, now)
	require.NoError(t, err)
	assert.False(t, raised, "no row affected means local tier already at or above")

	mock.ExpectExec(`INSERT INTO entitlements`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	raised, err = store.Raise(context.Background(), "u_1", in, now)
	require.NoError(t, err)
	assert.True(t, raised)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateConflict(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	r := &Record{UserID: "u_1", Tier: plans.TierFamily, MaxCircles: 2, MaxMembersPerCircle: 20, Version: 3, UpdatedAt: now}

	mock.ExpectExec(`UPDATE entitlements SET .* WHERE user_id = \$11 AND version = \$12`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"user_id", "tier", "pending_tier", "cancel_at_period_end",
		"current_period_end", "max_circles", "max_members_per_circle", "customer_id",
		"subscription_id", "version", "created_at", "updated_at"}).
		AddRow("u_1", "family", nil, false, nil, 2, 20, nil, nil, 4, now, now)
	mock.ExpectQuery(`SELECT .* FROM entitlements`).WillReturnRows(rows)

	err := store.Update(context.Background(), r)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int64(3), r.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Integration(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	ledger := NewLedger(store, plans.DefaultCatalog())
	end := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Microsecond)

	raised, err := ledger.Raise(ctx, "u_int", plans.TierExtended, &end, "cus_1", "sub_1")
	require.NoError(t, err)
	assert.True(t, raised)

	raised, err = ledger.Raise(ctx, "u_int", plans.TierFamily, &end, "cus_1", "sub_1")
	require.NoError(t, err)
	assert.False(t, raised)

	r, err := store.Get(ctx, "u_int")
	require.NoError(t, err)
	assert.Equal(t, plans.TierExtended, r.Tier)

	require.NoError(t, ledger.SchedulePending(ctx, r, plans.TierFamily, end))

	due, err := store.ListDue(ctx, end.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, plans.TierFamily, due[0].PendingTier)

	page, err := store.ListPage(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

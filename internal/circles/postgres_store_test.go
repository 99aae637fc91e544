package circles

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthly/hearth/internal/testutil"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_AddMemberFull(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT owner_id FROM circles WHERE id = \$1 FOR UPDATE`).
		WithArgs("c_1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("owner"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM circle_memberships`).
		WithArgs("c_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectRollback()

	err := store.AddMember(context.Background(), "c_1", "u_new", 8)
	assert.ErrorIs(t, err, ErrCircleFull)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddMemberInserts(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT owner_id FROM circles`).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("owner"))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM circle_memberships`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectExec(`INSERT INTO circle_memberships`).
		WithArgs("c_1", "u_new").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.AddMember(context.Background(), "c_1", "u_new", 8))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransferOwnershipRace(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE circles SET owner_id = \$1 WHERE id = \$2 AND owner_id = \$3`).
		WithArgs("u_1", "c_1", "owner").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.TransferOwnership(context.Background(), "c_1", "owner", "u_1")
	assert.ErrorIs(t, err, ErrOwnerChanged)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddMemberUnknownCircle(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT owner_id FROM circles`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.AddMember(context.Background(), "c_missing", "u_new", 10)
	assert.ErrorIs(t, err, ErrCircleNotFound)
}

func TestPostgresStore_AddMemberUnbounded(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT owner_id FROM circles`).
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("u_owner"))
	mock.ExpectExec(`INSERT INTO circle_memberships`).
		WithArgs("c_1", "u_new").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.AddMember(context.Background(), "c_1", "u_new", -1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Integration(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC()

	require.NoError(t, store.Create(ctx, &Circle{ID: "c_1", OwnerID: "u_owner", Name: "Home", JoinCode: "jc", CreatedAt: now}))

	// Limit 5 leaves room for four members next to the owner.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.AddMember(ctx, "c_1", "u_"+string(rune('a'+i)), 5)
		}(i)
	}
	wg.Wait()

	joined, full := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			joined++
		case errors.Is(err, ErrCircleFull):
			full++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 4, joined)
	assert.Equal(t, 4, full)

	n, err := store.CountMembers(ctx, "c_1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, store.TransferOwnership(ctx, "c_1", "u_owner", "u_a"))
	c, err := store.Get(ctx, "c_1")
	require.NoError(t, err)
	assert.Equal(t, "u_a", c.OwnerID)

	isMember, err := store.IsMember(ctx, "c_1", "u_owner")
	require.NoError(t, err)
	assert.True(t, isMember, "previous owner stays as a member")

	recorded, err := store.RecordAddOnPurchase(ctx, &AddOnPurchase{SessionID: "cs_1", CircleID: "c_1", UserID: "u_a", CreatedAt: now})
	require.NoError(t, err)
	assert.True(t, recorded)
	recorded, err = store.RecordAddOnPurchase(ctx, &AddOnPurchase{SessionID: "cs_1", CircleID: "c_1", UserID: "u_a", CreatedAt: now})
	require.NoError(t, err)
	assert.False(t, recorded)

	_, err = store.RecordAddOnPurchase(ctx, &AddOnPurchase{SessionID: "cs_2", CircleID: "c_missing", UserID: "u_a", CreatedAt: now})
	assert.ErrorIs(t, err, ErrCircleNotFound)
}

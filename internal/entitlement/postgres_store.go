package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/hearthly/hearth/internal/pagination"
	"github.com/hearthly/hearth/internal/plans"
)

// PostgresStore persists entitlement records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed entitlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectColumns = `user_id, tier, pending_tier, cancel_at_period_end, current_period_end,
	max_circles, max_members_per_circle, customer_id, subscription_id, version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Record, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM entitlements WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO entitlements (user_id, tier, tier_rank, pending_tier, cancel_at_period_end,
			current_period_end, max_circles, max_members_per_circle, customer_id, subscription_id,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12)`,
		r.UserID, string(r.Tier), r.Tier.Rank(), nullString(string(r.PendingTier)), r.CancelAtPeriodEnd,
		r.CurrentPeriodEnd, r.MaxCircles, r.MaxMembersPerCircle,
		nullString(r.CustomerID), nullString(r.SubscriptionID), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrExists
		}
		return err
	}
	r.Version = 1
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE entitlements SET tier = $1, tier_rank = $2, pending_tier = $3, cancel_at_period_end = $4,
			current_period_end = $5, max_circles = $6, max_members_per_circle = $7,
			customer_id = $8, subscription_id = $9, version = version + 1, updated_at = $10
		WHERE user_id = $11 AND version = $12`,
		string(r.Tier), r.Tier.Rank(), nullString(string(r.PendingTier)), r.CancelAtPeriodEnd,
		r.CurrentPeriodEnd, r.MaxCircles, r.MaxMembersPerCircle,
		nullString(r.CustomerID), nullString(r.SubscriptionID), r.UpdatedAt,
		r.UserID, r.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, r.UserID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	r.Version++
	return nil
}

// Raise upserts the record only when the stored tier ranks strictly below the
// incoming one. The rank comparison runs inside the statement so concurrent
// webhook and sweep writers cannot regress each other.
func (p *PostgresStore) Raise(ctx context.Context, userID string, in RaiseInput, now time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO entitlements (user_id, tier, tier_rank, pending_tier, cancel_at_period_end,
			current_period_end, max_circles, max_members_per_circle, customer_id, subscription_id,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, NULL, FALSE, $4, $5, $6, $7, $8, 1, $9, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			tier_rank = EXCLUDED.tier_rank,
			pending_tier = NULL,
			cancel_at_period_end = FALSE,
			current_period_end = COALESCE(EXCLUDED.current_period_end, entitlements.current_period_end),
			max_circles = EXCLUDED.max_circles,
			max_members_per_circle = EXCLUDED.max_members_per_circle,
			customer_id = COALESCE(EXCLUDED.customer_id, entitlements.customer_id),
			subscription_id = COALESCE(EXCLUDED.subscription_id, entitlements.subscription_id),
			version = entitlements.version + 1,
			updated_at = EXCLUDED.updated_at
		WHERE entitlements.tier_rank < EXCLUDED.tier_rank`,
		userID, string(in.Tier), in.Tier.Rank(), in.CurrentPeriodEnd,
		in.Limits.MaxCircles, in.Limits.MaxMembersPerCircle,
		nullString(in.CustomerID), nullString(in.SubscriptionID), now,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) ListPage(ctx context.Context, after *pagination.Cursor, limit int) ([]*Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+selectColumns+` FROM entitlements
			ORDER BY created_at, user_id LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+selectColumns+` FROM entitlements
			WHERE (created_at, user_id) > ($1, $2)
			ORDER BY created_at, user_id LIMIT $3`, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM entitlements
		WHERE (pending_tier IS NOT NULL OR cancel_at_period_end)
		  AND current_period_end <= $1
		ORDER BY current_period_end LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	r := &Record{}
	var (
		tier                      string
		pending, customer, subRef sql.NullString
		periodEnd                 sql.NullTime
	)
	err := row.Scan(&r.UserID, &tier, &pending, &r.CancelAtPeriodEnd, &periodEnd,
		&r.MaxCircles, &r.MaxMembersPerCircle, &customer, &subRef, &r.Version,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Tier = plans.Tier(tier)
	if pending.Valid {
		r.PendingTier = plans.Tier(pending.String)
	}
	if periodEnd.Valid {
		t := periodEnd.Time
		r.CurrentPeriodEnd = &t
	}
	r.CustomerID = customer.String
	r.SubscriptionID = subRef.String
	return r, nil
}

func collect(rows *sql.Rows) ([]*Record, error) {
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)

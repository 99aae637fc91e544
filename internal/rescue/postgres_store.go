package rescue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/hearthly/hearth/internal/plans"
)

// PostgresStore persists offers in PostgreSQL. The partial unique index
// rescue_offers_one_open (circle_id WHERE status = 'open') enforces one open
// offer per circle.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const offerColumns = `id, circle_id, circle_name, owner_id, target_tier, deadline, status,
	claimed_by, claimed_at, created_at, updated_at`

func (p *PostgresStore) CreateOpen(ctx context.Context, o *Offer) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO rescue_offers (id, circle_id, circle_name, owner_id, target_tier, deadline, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'open', $7, $7)
		ON CONFLICT (circle_id) WHERE status = 'open' DO NOTHING`,
		o.ID, o.CircleID, o.CircleName, o.OwnerID, string(o.TargetTier), o.Deadline, o.CreatedAt)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM rescue_offers WHERE id = $1`, id)
	return scanOffer(row)
}

func (p *PostgresStore) GetOpenByCircle(ctx context.Context, circleID string) (*Offer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+offerColumns+` FROM rescue_offers
		WHERE circle_id = $1 AND status = 'open'`, circleID)
	return scanOffer(row)
}

func (p *PostgresStore) ListOpenForCircles(ctx context.Context, circleIDs []string) ([]*Offer, error) {
	if len(circleIDs) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM rescue_offers
		WHERE circle_id = ANY($1) AND status = 'open'
		ORDER BY deadline, id`, pq.Array(circleIDs))
	if err != nil {
		return nil, err
	}
	return scanOffers(rows)
}

func (p *PostgresStore) ListOpenByOwner(ctx context.Context, ownerID string) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM rescue_offers
		WHERE owner_id = $1 AND status = 'open'
		ORDER BY deadline, id`, ownerID)
	if err != nil {
		return nil, err
	}
	return scanOffers(rows)
}

func (p *PostgresStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]*Offer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+offerColumns+` FROM rescue_offers
		WHERE status = 'open' AND deadline <= $1
		ORDER BY deadline, id LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanOffers(rows)
}

func (p *PostgresStore) Claim(ctx context.Context, id, claimantID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rescue_offers SET status = 'claimed', claimed_by = $1, claimed_at = $2, updated_at = $2
		WHERE id = $3 AND status = 'open'`, claimantID, at, id)
	if err != nil {
		return err
	}
	return p.checkTransitioned(ctx, res, id)
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, at time.Time) error {
	query := `UPDATE rescue_offers SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	if to == StatusOpen {
		query = `UPDATE rescue_offers SET status = $1, updated_at = $2, claimed_by = NULL, claimed_at = NULL
			WHERE id = $3 AND status = $4`
	}
	res, err := p.db.ExecContext(ctx, query, string(to), at, id, string(from))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrOfferUnavailable
		}
		return err
	}
	return p.checkTransitioned(ctx, res, id)
}

// checkTransitioned tells a missing offer apart from one in the wrong status.
func (p *PostgresStore) checkTransitioned(ctx context.Context, res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM rescue_offers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOfferNotFound
	}
	return ErrOfferUnavailable
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(row scanner) (*Offer, error) {
	o := &Offer{}
	var (
		tier, status string
		claimedBy    sql.NullString
		claimedAt    sql.NullTime
	)
	err := row.Scan(&o.ID, &o.CircleID, &o.CircleName, &o.OwnerID, &tier, &o.Deadline, &status,
		&claimedBy, &claimedAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}
	o.TargetTier = plans.Tier(tier)
	o.Status = Status(status)
	o.ClaimedBy = claimedBy.String
	if claimedAt.Valid {
		t := claimedAt.Time
		o.ClaimedAt = &t
	}
	return o, nil
}

func scanOffers(rows *sql.Rows) ([]*Offer, error) {
	defer func() { _ = rows.Close() }()
	var out []*Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)

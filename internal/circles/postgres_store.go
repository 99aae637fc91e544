package circles

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists circles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed circle store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, c *Circle) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO circles (id, owner_id, name, extra_members, join_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.OwnerID, c.Name, c.ExtraMembers, c.JoinCode, c.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Circle, error) {
	c := &Circle{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, extra_members, join_code, created_at FROM circles WHERE id = $1`, id).
		Scan(&c.ID, &c.OwnerID, &c.Name, &c.ExtraMembers, &c.JoinCode, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCircleNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) ListOwned(ctx context.Context, ownerID string) ([]*Circle, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_id, name, extra_members, join_code, created_at FROM circles
		WHERE owner_id = $1
		ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Circle
	for rows.Next() {
		c := &Circle{}
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.ExtraMembers, &c.JoinCode, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListJoined(ctx context.Context, userID string) ([]*Circle, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.owner_id, c.name, c.extra_members, c.join_code, c.created_at
		FROM circles c
		JOIN circle_memberships m ON m.circle_id = c.id
		WHERE m.user_id = $1 AND m.status = 'active'
		ORDER BY c.id`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Circle
	for rows.Next() {
		c := &Circle{}
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.ExtraMembers, &c.JoinCode, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountMembers(ctx context.Context, circleID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM circle_memberships WHERE circle_id = $1 AND status = 'active'`,
		circleID).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListMemberIDs(ctx context.Context, circleID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id FROM circle_memberships
		WHERE circle_id = $1 AND status = 'active'
		ORDER BY user_id`, circleID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) IsMember(ctx context.Context, circleID, userID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM circle_memberships
			WHERE circle_id = $1 AND user_id = $2 AND status = 'active')`,
		circleID, userID).Scan(&exists)
	return exists, err
}

// AddMember locks the circle row, counts active memberships, and inserts in
// one transaction. Concurrent joins serialize on the row lock; the unique
// (circle_id, user_id) index rejects duplicate joins.
func (p *PostgresStore) AddMember(ctx context.Context, circleID, userID string, limit int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var ownerID string
	err = tx.QueryRowContext(ctx, `SELECT owner_id FROM circles WHERE id = $1 FOR UPDATE`, circleID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCircleNotFound
	}
	if err != nil {
		return err
	}
	if ownerID == userID {
		return ErrAlreadyMember
	}

	if limit >= 0 {
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM circle_memberships WHERE circle_id = $1 AND status = 'active'`,
			circleID).Scan(&n); err != nil {
			return err
		}
		if n+1 >= limit {
			return ErrCircleFull
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO circle_memberships (circle_id, user_id, status, joined_at)
		VALUES ($1, $2, 'active', NOW())`, circleID, userID); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyMember
		}
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) TransferOwnership(ctx context.Context, circleID, fromOwner, toOwner string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE circles SET owner_id = $1 WHERE id = $2 AND owner_id = $3`,
		toOwner, circleID, fromOwner)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrOwnerChanged
	}

	result, err = tx.ExecContext(ctx, `
		DELETE FROM circle_memberships WHERE circle_id = $1 AND user_id = $2 AND status = 'active'`,
		circleID, toOwner)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotMember
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO circle_memberships (circle_id, user_id, status, joined_at)
		VALUES ($1, $2, 'active', NOW())
		ON CONFLICT (circle_id, user_id) DO UPDATE SET status = 'active'`,
		circleID, fromOwner); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) RecordAddOnPurchase(ctx context.Context, pur *AddOnPurchase) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO circle_addon_purchases (session_id, circle_id, user_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING`,
		pur.SessionID, pur.CircleID, pur.UserID, pur.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return false, ErrCircleNotFound
		}
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) CountAddOnPurchases(ctx context.Context, circleID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM circle_addon_purchases WHERE circle_id = $1`, circleID).Scan(&n)
	return n, err
}

func (p *PostgresStore) SetExtraMembers(ctx context.Context, circleID string, extra int) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE circles SET extra_members = $1 WHERE id = $2`, extra, circleID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCircleNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

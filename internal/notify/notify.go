// Package notify persists user notifications and pushes them to connected
// clients. Notifications carry an idempotency key so a retried workflow
// never notifies the same person twice about the same thing.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/hearthly/hearth/internal/pagination"
)

var (
	ErrNotFound   = errors.New("notify: notification not found")
	ErrMissingKey = errors.New("notify: idempotency key is required")
)

// Kinds of notification.
const (
	KindRescueOffer   = "rescue_offer"
	KindRescueClaimed = "rescue_claimed"
)

// Notification is one message to one user.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Key       string            `json:"-"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	ReadAt    *time.Time        `json:"readAt,omitempty"`
}

// Store persists notifications.
//
// Create must be idempotent on Key: a second insert with a used key stores
// nothing and reports false.
type Store interface {
	Create(ctx context.Context, n *Notification) (bool, error)
	// ListForUser returns notifications newest first, strictly older than
	// the cursor when one is given.
	ListForUser(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*Notification, error)
	MarkRead(ctx context.Context, userID, id string, at time.Time) error
}

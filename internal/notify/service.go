package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/hearthly/hearth/internal/idgen"
	"github.com/hearthly/hearth/internal/pagination"
	"github.com/hearthly/hearth/internal/realtime"
)

// Publisher pushes an event to a user's live connections.
type Publisher interface {
	PublishToUser(userID string, eventType realtime.EventType, data any)
}

// Service creates, lists, and pushes notifications.
type Service struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a notification service. publisher may be nil.
func NewService(store Store, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{store: store, publisher: publisher, logger: logger, now: time.Now}
}

// Notify stores n unless its key was used before, and pushes it to the
// recipient only when it was newly stored. It reports whether n was created.
func (s *Service) Notify(ctx context.Context, n *Notification) (bool, error) {
	if n.Key == "" {
		return false, ErrMissingKey
	}
	if n.ID == "" {
		n.ID = idgen.Ordered("ntf_")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}

	created, err := s.store.Create(ctx, n)
	if err != nil {
		return false, err
	}
	if !created {
		notificationsTotal.WithLabelValues(n.Kind, "duplicate").Inc()
		return false, nil
	}
	notificationsTotal.WithLabelValues(n.Kind, "created").Inc()

	if s.publisher != nil {
		s.publisher.PublishToUser(n.UserID, realtime.EventNotification, n)
	}
	return true, nil
}

// List returns a page of the user's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) (*pagination.Page[*Notification], error) {
	items, err := s.store.ListForUser(ctx, userID, cursor, limit+1)
	if err != nil {
		return nil, err
	}
	return pagination.NewPage(items, limit, func(n *Notification) pagination.Cursor {
		return pagination.Cursor{CreatedAt: n.CreatedAt, ID: n.ID}
	}), nil
}

// MarkRead marks one of the user's notifications read.
func (s *Service) MarkRead(ctx context.Context, userID, id string) error {
	return s.store.MarkRead(ctx, userID, id, s.now().UTC())
}

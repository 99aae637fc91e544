// Package circles stores circles, their memberships, and the extra-member
// add-on purchases that raise a circle's member cap.
package circles

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrCircleNotFound = errors.New("circles: not found")
	ErrCircleFull     = errors.New("circles: member limit reached")
	ErrAlreadyMember  = errors.New("circles: already a member")
	ErrNotMember      = errors.New("circles: not a member")
	ErrOwnerChanged   = errors.New("circles: owner changed")
)

// Circle is a shared family space owned by one paying user.
type Circle struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	Name         string    `json:"name"`
	ExtraMembers int       `json:"extraMembers"`
	JoinCode     string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Membership links a non-owner user to a circle.
type Membership struct {
	CircleID string    `json:"circleId"`
	UserID   string    `json:"userId"`
	JoinedAt time.Time `json:"joinedAt"`
}

// AddOnPurchase is one paid extra-members purchase for a circle.
type AddOnPurchase struct {
	SessionID string    `json:"sessionId"`
	CircleID  string    `json:"circleId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists circles and memberships.
//
// AddMember is the authoritative capacity gate: it must count and insert
// atomically per circle and refuse the insert when occupancy (members plus
// owner) would exceed limit. A negative limit means unbounded.
type Store interface {
	Create(ctx context.Context, c *Circle) error
	Get(ctx context.Context, id string) (*Circle, error)
	ListOwned(ctx context.Context, ownerID string) ([]*Circle, error) // oldest first
	ListJoined(ctx context.Context, userID string) ([]*Circle, error)  // circles the user is a non-owner member of
	CountMembers(ctx context.Context, circleID string) (int, error)
	ListMemberIDs(ctx context.Context, circleID string) ([]string, error)
	IsMember(ctx context.Context, circleID, userID string) (bool, error)
	AddMember(ctx context.Context, circleID, userID string, limit int) error
	TransferOwnership(ctx context.Context, circleID, fromOwner, toOwner string) error

	RecordAddOnPurchase(ctx context.Context, p *AddOnPurchase) (bool, error)
	CountAddOnPurchases(ctx context.Context, circleID string) (int, error)
	SetExtraMembers(ctx context.Context, circleID string, extra int) error
}

// Package billing implements the user-facing subscription state machine:
// checkout, in-place upgrade with proration, cancel, scheduled downgrade,
// and reactivation. Every transition calls the payment processor first and
// mirrors the confirmed result into the entitlement ledger afterwards.
//
// States per user:
//
//	Free
//	Active(tier)
//	ActiveCancelling(tier, until)           cancelAtPeriodEnd
//	ActiveDowngradePending(tier→lower, until) pendingTier
//
// The processor call is the commit point. When it fails nothing is written
// locally; when it succeeds and the local write fails, the failure is logged
// and left to the rollover job and reconciliation sweeps.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/hearthly/hearth/internal/entitlement"
	"github.com/hearthly/hearth/internal/plans"
)

var (
	ErrSameTier           = errors.New("billing: requested tier is the current tier")
	ErrNotUpgrade         = errors.New("billing: requested tier is not above the current tier")
	ErrNotDowngrade       = errors.New("billing: requested tier is not below the current tier")
	ErrPaidTierRequired   = errors.New("billing: a paid tier is required")
	ErrNoSubscription     = errors.New("billing: no active subscription")
	ErrAlreadySubscribed  = errors.New("billing: already subscribed, use upgrade")
	ErrAlreadyCancelling  = errors.New("billing: subscription is already set to cancel")
	ErrNotCancelling      = errors.New("billing: subscription is not set to cancel")
	ErrNoPendingDowngrade = errors.New("billing: no pending downgrade")
	ErrCancelPending      = errors.New("billing: subscription is set to cancel, reactivate first")
	ErrAdminManaged       = errors.New("billing: admin entitlements are not billed")
	ErrNotCircleOwner     = errors.New("billing: only the circle owner can buy extra members")
)

// Config holds checkout redirect targets and the downgrade swap lead time.
type Config struct {
	SuccessURL string
	CancelURL  string
	// DowngradeLead is how long before the period end a scheduled downgrade
	// is pushed to the processor as a price swap without proration.
	DowngradeLead time.Duration
}

// RescueTrigger is the rescue workflow as billing sees it. Trigger must be
// idempotent; billing calls it after every confirmed cancel or downgrade and
// again when the rollover job heals a missing local flag.
type RescueTrigger interface {
	Trigger(ctx context.Context, ownerID string, target plans.Tier, deadline time.Time) (int, error)
	WithdrawForOwner(ctx context.Context, ownerID string) (int, error)
}

// Result is what a transition returns to callers. Synced is false when the
// processor accepted the change but the local record could not be written;
// Record then shows the state the processor confirmed.
type Result struct {
	Record *entitlement.Record `json:"entitlement"`
	Synced bool                `json:"synced"`
}

// CheckoutInput starts a subscription checkout.
type CheckoutInput struct {
	UserID         string
	Email          string
	Tier           plans.Tier
	Metadata       map[string]string
	IdempotencyKey string
}

// UpgradePreview is the processor's quote for an in-place upgrade. The
// ProrationDate must be sent back on confirm so the charge matches the quote.
type UpgradePreview struct {
	Tier               plans.Tier `json:"plan"`
	AmountDueNow       string     `json:"amountDueNow"`
	NewRecurringAmount string     `json:"newRecurringAmount"`
	Currency           string     `json:"currency"`
	NextBillingDate    time.Time  `json:"nextBillingDate"`
	ProrationDate      time.Time  `json:"prorationDate"`
}

// RolloverReport summarizes one rollover run.
type RolloverReport struct {
	Swapped int `json:"swapped"`
	Applied int `json:"applied"`
	Healed  int `json:"healed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

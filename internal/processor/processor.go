// Package processor is the port to the external payment processor. The
// processor owns charges, proration, and invoices; hearth reads subscription
// and checkout state from it and asks it to change subscriptions.
package processor

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable is a transient failure: network, 5xx, rate limit, or an
	// open circuit. Nothing was applied; the caller may retry.
	ErrUnavailable = errors.New("processor: unavailable")
	// ErrNotFound means the customer, subscription, or session does not exist.
	ErrNotFound = errors.New("processor: not found")
	// ErrInvalidRequest covers rejected parameters such as an unknown price.
	ErrInvalidRequest = errors.New("processor: invalid request")
	// ErrPaymentFailed means the charge for an immediate invoice was declined.
	ErrPaymentFailed = errors.New("processor: payment failed")
	// ErrSignature means a webhook payload failed signature verification.
	ErrSignature = errors.New("processor: invalid webhook signature")
)

// Metadata keys attached to checkout sessions and subscriptions.
const (
	MetaUserID   = "user_id"
	MetaCircleID = "circle_id"
	MetaKind     = "kind"
	MetaOfferID  = "offer_id"
	MetaTier     = "tier"
)

// Checkout kinds carried in MetaKind.
const (
	KindSubscription = "subscription"
	KindExtraMembers = "extra_members"
)

// Event types consumed from the webhook feed.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// CheckoutMode mirrors the processor's checkout session mode.
type CheckoutMode string

const (
	ModeSubscription CheckoutMode = "subscription"
	ModePayment      CheckoutMode = "payment"
)

// Proration controls how a price change is billed.
type Proration string

const (
	// ProrationAlwaysInvoice charges the prorated difference immediately.
	ProrationAlwaysInvoice Proration = "always_invoice"
	// ProrationNone swaps the price without any charge; the new price bills at renewal.
	ProrationNone Proration = "none"
)

// SubscriptionStatus values that matter to hearth.
const (
	StatusActive            = "active"
	StatusTrialing          = "trialing"
	StatusPastDue           = "past_due"
	StatusCanceled          = "canceled"
	StatusIncompleteExpired = "incomplete_expired"
)

// Subscription is the processor's view of a recurring subscription with a
// single priced item.
type Subscription struct {
	ID                string            `json:"id"`
	CustomerID        string            `json:"customerId"`
	Status            string            `json:"status"`
	PriceRef          string            `json:"priceRef"`
	ItemID            string            `json:"itemId"`
	CurrentPeriodEnd  time.Time         `json:"currentPeriodEnd"`
	CancelAtPeriodEnd bool              `json:"cancelAtPeriodEnd"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Active reports whether the subscription currently pays for its price.
func (s *Subscription) Active() bool {
	return s.Status == StatusActive || s.Status == StatusTrialing
}

// Ended reports whether the subscription is over for good.
func (s *Subscription) Ended() bool {
	return s.Status == StatusCanceled || s.Status == StatusIncompleteExpired
}

// CheckoutSession is a hosted checkout.
type CheckoutSession struct {
	ID             string            `json:"id"`
	URL            string            `json:"url,omitempty"`
	Mode           CheckoutMode      `json:"mode"`
	Complete       bool              `json:"complete"`
	Paid           bool              `json:"paid"`
	SubscriptionID string            `json:"subscriptionId,omitempty"`
	CustomerID     string            `json:"customerId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	PriceRefs      []string          `json:"priceRefs,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// Settled reports a completed and paid session.
func (s *CheckoutSession) Settled() bool {
	return s.Complete && s.Paid
}

// HasPrice reports whether one of the session's line items uses priceRef.
func (s *CheckoutSession) HasPrice(priceRef string) bool {
	for _, p := range s.PriceRefs {
		if p == priceRef {
			return true
		}
	}
	return false
}

// CheckoutRequest asks the processor to open a hosted checkout.
type CheckoutRequest struct {
	Mode       CheckoutMode
	PriceRef   string
	Quantity   int64
	CustomerID string // reuse an existing customer when known
	Email      string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
	// IdempotencyKey makes a retried create return the same session.
	IdempotencyKey string
}

// PriceChange swaps the price on an existing subscription item.
type PriceChange struct {
	CustomerID     string
	SubscriptionID string
	ItemID         string
	NewPriceRef    string
	Proration      Proration
	ProrationDate  time.Time // zero means now
}

// ProrationPreview is the processor's quote for a price change.
type ProrationPreview struct {
	AmountDueNow       decimal.Decimal `json:"amountDueNow"`
	NewRecurringAmount decimal.Decimal `json:"newRecurringAmount"`
	Currency           string          `json:"currency"`
	NextBillingDate    time.Time       `json:"nextBillingDate"`
	ProrationDate      time.Time       `json:"prorationDate"`
}

// Event is a verified webhook delivery. Exactly one of Checkout and
// Subscription is set for the event types above.
type Event struct {
	ID           string
	Type         string
	Created      time.Time
	Checkout     *CheckoutSession
	Subscription *Subscription
}

// Processor is everything hearth asks of the payment processor.
type Processor interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	// ListCheckoutSessions returns the customer's completed sessions, newest first.
	ListCheckoutSessions(ctx context.Context, customerID string) ([]*CheckoutSession, error)
	// FindCustomerByEmail returns the customer IDs registered under email.
	FindCustomerByEmail(ctx context.Context, email string) ([]string, error)
	// ListSubscriptions returns the customer's subscriptions in any status.
	ListSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	PreviewPriceChange(ctx context.Context, change PriceChange) (*ProrationPreview, error)
	ChangePrice(ctx context.Context, change PriceChange) (*Subscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error)
	ParseWebhook(payload []byte, signature string) (*Event, error)
}

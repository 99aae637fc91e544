package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/hearthly/hearth/internal/circuitbreaker"
	"github.com/hearthly/hearth/internal/retry"
)

// StripeProcessor implements Processor against the Stripe API.
//
// Reads are retried with backoff; writes are attempted once, since the
// remote call is the commit point and callers decide whether to retry.
// Every call passes through a per-operation circuit breaker so a Stripe
// outage fails fast instead of stacking timeouts.
type StripeProcessor struct {
	api           *client.API
	backends      *stripe.Backends
	webhookSecret string
	breaker       *circuitbreaker.Breaker
	policy        retry.Policy
	logger        *slog.Logger
}

// StripeOption configures a StripeProcessor.
type StripeOption func(*StripeProcessor)

// WithBackends points the client at custom backends (tests use an httptest server).
func WithBackends(b *stripe.Backends) StripeOption {
	return func(p *StripeProcessor) { p.backends = b }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) StripeOption {
	return func(p *StripeProcessor) { p.breaker = b }
}

// WithRetryPolicy replaces the default read retry policy.
func WithRetryPolicy(policy retry.Policy) StripeOption {
	return func(p *StripeProcessor) { p.policy = policy }
}

// NewStripeProcessor creates a Stripe-backed processor.
func NewStripeProcessor(secretKey, webhookSecret string, logger *slog.Logger, opts ...StripeOption) *StripeProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &StripeProcessor{
		webhookSecret: webhookSecret,
		breaker:       circuitbreaker.New(5, 30*time.Second).WithLogger(logger),
		policy:        retry.Default,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.api = client.New(secretKey, p.backends)
	return p
}

// Breaker exposes the circuit breaker for health reporting.
func (p *StripeProcessor) Breaker() *circuitbreaker.Breaker {
	return p.breaker
}

var _ Processor = (*StripeProcessor)(nil)

func (p *StripeProcessor) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(req.Mode)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceRef), Quantity: stripe.Int64(quantity)},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	if userID := req.Metadata[MetaUserID]; userID != "" {
		params.ClientReferenceID = stripe.String(userID)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	switch req.Mode {
	case ModeSubscription:
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: req.Metadata}
	case ModePayment:
		if req.CustomerID == "" {
			// Add-on sessions must be attached to a customer so sweeps can find them.
			params.CustomerCreation = stripe.String("always")
		}
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	var s *stripe.CheckoutSession
	err := p.write("checkout.create", func() (err error) {
		s, err = p.api.CheckoutSessions.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return toCheckout(s), nil
}

func (p *StripeProcessor) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("line_items")

	var s *stripe.CheckoutSession
	err := p.read(ctx, "checkout.get", func() (err error) {
		s, err = p.api.CheckoutSessions.Get(id, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return toCheckout(s), nil
}

func (p *StripeProcessor) ListCheckoutSessions(ctx context.Context, customerID string) ([]*CheckoutSession, error) {
	var out []*CheckoutSession
	err := p.read(ctx, "checkout.list", func() error {
		out = out[:0]
		params := &stripe.CheckoutSessionListParams{
			Customer: stripe.String(customerID),
			Status:   stripe.String(string(stripe.CheckoutSessionStatusComplete)),
		}
		params.Context = ctx
		iter := p.api.CheckoutSessions.List(params)
		for iter.Next() {
			out = append(out, toCheckout(iter.CheckoutSession()))
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}

	for _, s := range out {
		if len(s.PriceRefs) > 0 {
			continue
		}
		refs, err := p.lineItemPrices(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		s.PriceRefs = refs
	}
	return out, nil
}

func (p *StripeProcessor) lineItemPrices(ctx context.Context, sessionID string) ([]string, error) {
	var refs []string
	err := p.read(ctx, "checkout.line_items", func() error {
		refs = refs[:0]
		params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
		params.Context = ctx
		iter := p.api.CheckoutSessions.ListLineItems(params)
		for iter.Next() {
			if li := iter.LineItem(); li.Price != nil {
				refs = append(refs, li.Price.ID)
			}
		}
		return iter.Err()
	})
	return refs, err
}

func (p *StripeProcessor) FindCustomerByEmail(ctx context.Context, email string) ([]string, error) {
	var ids []string
	err := p.read(ctx, "customers.list", func() error {
		ids = ids[:0]
		params := &stripe.CustomerListParams{Email: stripe.String(email)}
		params.Context = ctx
		iter := p.api.Customers.List(params)
		for iter.Next() {
			ids = append(ids, iter.Customer().ID)
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (p *StripeProcessor) ListSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error) {
	var out []*Subscription
	err := p.read(ctx, "subscriptions.list", func() error {
		out = out[:0]
		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(customerID),
			Status:   stripe.String("all"),
		}
		params.Context = ctx
		iter := p.api.Subscriptions.List(params)
		for iter.Next() {
			out = append(out, toSubscription(iter.Subscription()))
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *StripeProcessor) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	var s *stripe.Subscription
	err := p.read(ctx, "subscriptions.get", func() (err error) {
		s, err = p.api.Subscriptions.Get(id, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return toSubscription(s), nil
}

func (p *StripeProcessor) PreviewPriceChange(ctx context.Context, change PriceChange) (*ProrationPreview, error) {
	sub, err := p.GetSubscription(ctx, change.SubscriptionID)
	if err != nil {
		return nil, err
	}
	itemID := change.ItemID
	if itemID == "" {
		itemID = sub.ItemID
	}
	prorationDate := change.ProrationDate
	if prorationDate.IsZero() {
		prorationDate = time.Now()
	}
	customerID := change.CustomerID
	if customerID == "" {
		customerID = sub.CustomerID
	}

	params := &stripe.InvoiceCreatePreviewParams{
		Customer:     stripe.String(customerID),
		Subscription: stripe.String(change.SubscriptionID),
		SubscriptionDetails: &stripe.InvoiceCreatePreviewSubscriptionDetailsParams{
			Items: []*stripe.InvoiceCreatePreviewSubscriptionDetailsItemParams{
				{ID: stripe.String(itemID), Price: stripe.String(change.NewPriceRef)},
			},
			ProrationBehavior: stripe.String(string(ProrationAlwaysInvoice)),
			ProrationDate:     stripe.Int64(prorationDate.Unix()),
		},
	}
	params.Context = ctx

	var inv *stripe.Invoice
	err = p.read(ctx, "invoices.preview", func() (err error) {
		inv, err = p.api.Invoices.CreatePreview(params)
		return err
	})
	if err != nil {
		return nil, err
	}

	// An always_invoice preview carries only the proration lines, so the
	// recurring amount comes from the new price itself.
	var price *stripe.Price
	err = p.read(ctx, "prices.get", func() (err error) {
		priceParams := &stripe.PriceParams{}
		priceParams.Context = ctx
		price, err = p.api.Prices.Get(change.NewPriceRef, priceParams)
		return err
	})
	if err != nil {
		return nil, err
	}

	currency := string(inv.Currency)
	if currency == "" {
		currency = string(price.Currency)
	}
	var dueNow int64
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Proration {
				dueNow += line.Amount
			}
		}
	}
	return &ProrationPreview{
		AmountDueNow:       minorToDecimal(dueNow, currency),
		NewRecurringAmount: minorToDecimal(price.UnitAmount, currency),
		Currency:           currency,
		NextBillingDate:    sub.CurrentPeriodEnd,
		ProrationDate:      prorationDate.UTC().Truncate(time.Second),
	}, nil
}

func (p *StripeProcessor) ChangePrice(ctx context.Context, change PriceChange) (*Subscription, error) {
	itemID := change.ItemID
	if itemID == "" {
		sub, err := p.GetSubscription(ctx, change.SubscriptionID)
		if err != nil {
			return nil, err
		}
		itemID = sub.ItemID
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(itemID), Price: stripe.String(change.NewPriceRef)},
		},
		ProrationBehavior: stripe.String(string(change.Proration)),
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	params.Context = ctx
	if change.Proration == ProrationAlwaysInvoice {
		// A declined charge must fail the update rather than leave it incomplete.
		params.PaymentBehavior = stripe.String("error_if_incomplete")
	}
	if !change.ProrationDate.IsZero() {
		params.ProrationDate = stripe.Int64(change.ProrationDate.Unix())
	}

	var s *stripe.Subscription
	err := p.write("subscriptions.update_price", func() (err error) {
		s, err = p.api.Subscriptions.Update(change.SubscriptionID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("subscription price changed",
		"subscription_id", s.ID, "price", change.NewPriceRef, "proration", string(change.Proration))
	return toSubscription(s), nil
}

func (p *StripeProcessor) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*Subscription, error) {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(cancel)}
	params.Context = ctx

	var s *stripe.Subscription
	err := p.write("subscriptions.update_cancel", func() (err error) {
		s, err = p.api.Subscriptions.Update(subscriptionID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return toSubscription(s), nil
}

func (p *StripeProcessor) ParseWebhook(payload []byte, signature string) (*Event, error) {
	return parseStripeEvent(payload, signature, p.webhookSecret)
}

// parseStripeEvent verifies a Stripe-signed payload and decodes the objects
// hearth consumes. Unknown event types come back with neither object set.
func parseStripeEvent(payload []byte, signature, secret string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}

	out := &Event{ID: ev.ID, Type: string(ev.Type), Created: time.Unix(ev.Created, 0).UTC()}
	if ev.Data == nil {
		return out, nil
	}
	switch out.Type {
	case EventCheckoutCompleted:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: decode checkout session: %v", ErrInvalidRequest, err)
		}
		out.Checkout = toCheckout(&s)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var s stripe.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrInvalidRequest, err)
		}
		out.Subscription = toSubscription(&s)
	}
	return out, nil
}

// read runs an idempotent call with retry. Only transient failures retry.
func (p *StripeProcessor) read(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := p.policy.Do(ctx, func() error {
		err := p.breaker.Do(op, isTransientStripe, fn)
		if err == nil {
			return nil
		}
		classified := classify(err)
		if !errors.Is(classified, ErrUnavailable) || errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(classified)
		}
		return classified
	})
	observeCall(op, err, start)
	return err
}

// write runs a mutating call exactly once.
func (p *StripeProcessor) write(op string, fn func() error) error {
	start := time.Now()
	err := classify(p.breaker.Do(op, isTransientStripe, fn))
	observeCall(op, err, start)
	if err != nil {
		p.logger.Warn("processor mutation failed", "op", op, "error", err)
	}
	return err
}

func isTransientStripe(err error) bool {
	return errors.Is(classify(err), ErrUnavailable)
}

// classify maps Stripe and transport errors onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrUnavailable, ErrNotFound, ErrInvalidRequest, ErrPaymentFailed} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.Type == stripe.ErrorTypeCard:
			return fmt.Errorf("%w: %s", ErrPaymentFailed, se.Msg)
		case se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing:
			return fmt.Errorf("%w: %s", ErrNotFound, se.Msg)
		case se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %s", ErrUnavailable, se.Msg)
		case se.HTTPStatusCode >= 400:
			return fmt.Errorf("%w: %s", ErrInvalidRequest, se.Msg)
		}
	}
	// Transport errors, timeouts, cancelled contexts.
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func toCheckout(s *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:       s.ID,
		URL:      s.URL,
		Mode:     CheckoutMode(s.Mode),
		Complete: s.Status == stripe.CheckoutSessionStatusComplete,
		Paid: s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
			s.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired,
		Metadata: s.Metadata,
	}
	if s.Created > 0 {
		out.CreatedAt = time.Unix(s.Created, 0).UTC()
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.LineItems != nil {
		for _, li := range s.LineItems.Data {
			if li.Price != nil {
				out.PriceRefs = append(out.PriceRefs, li.Price.ID)
			}
		}
	}
	return out
}

func toSubscription(s *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(s.CurrentPeriodEnd, 0).UTC()
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		out.ItemID = item.ID
		if item.Price != nil {
			out.PriceRef = item.Price.ID
		}
	}
	return out
}

// zeroDecimal lists currencies Stripe bills in whole units.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true, "krw": true,
	"mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true, "vuv": true, "xaf": true,
	"xof": true, "xpf": true,
}

func minorToDecimal(amount int64, currency string) decimal.Decimal {
	if zeroDecimal[strings.ToLower(currency)] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

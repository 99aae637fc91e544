package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hearthly/hearth/internal/idgen"
)

// MemoryProcessor is an in-process stand-in for the payment processor, used
// in demo mode (no STRIPE_SECRET_KEY) and in tests. It keeps customers,
// subscriptions, and checkout sessions in maps and settles checkouts only
// when told to.
type MemoryProcessor struct {
	mu            sync.Mutex
	prices        map[string]decimal.Decimal
	customers     map[string]string // id → email
	subscriptions map[string]*Subscription
	sessions      map[string]*memorySession
	idempotency   map[string]string // key → session ID
	webhookSecret string
	period        time.Duration
	now           func() time.Time

	failures map[string]error
	calls    map[string]int
}

type memorySession struct {
	CheckoutSession
	email string
}

// NewMemoryProcessor creates a memory processor that knows the given monthly
// prices (priceRef → amount in major units).
func NewMemoryProcessor(prices map[string]decimal.Decimal, webhookSecret string) *MemoryProcessor {
	p := &MemoryProcessor{
		prices:        make(map[string]decimal.Decimal, len(prices)),
		customers:     make(map[string]string),
		subscriptions: make(map[string]*Subscription),
		sessions:      make(map[string]*memorySession),
		idempotency:   make(map[string]string),
		webhookSecret: webhookSecret,
		period:        30 * 24 * time.Hour,
		now:           time.Now,
		failures:      make(map[string]error),
		calls:         make(map[string]int),
	}
	for ref, amount := range prices {
		p.prices[ref] = amount
	}
	return p
}

var _ Processor = (*MemoryProcessor)(nil)

// SetClock replaces the time source.
func (p *MemoryProcessor) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// FailNext makes the next call to op return err. Ops are the method names,
// e.g. "SetCancelAtPeriodEnd".
func (p *MemoryProcessor) FailNext(op string, err error) {
	p.mu.Lock()
	p.failures[op] = err
	p.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (p *MemoryProcessor) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// enter records the call and returns an injected failure. Caller holds p.mu.
func (p *MemoryProcessor) enter(op string) error {
	p.calls[op]++
	if err, ok := p.failures[op]; ok {
		delete(p.failures, op)
		return err
	}
	return nil
}

func (p *MemoryProcessor) CreateCheckout(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CreateCheckout"); err != nil {
		return nil, err
	}
	if _, ok := p.prices[req.PriceRef]; !ok {
		return nil, fmt.Errorf("%w: no such price %q", ErrInvalidRequest, req.PriceRef)
	}
	if req.IdempotencyKey != "" {
		if id, ok := p.idempotency[req.IdempotencyKey]; ok {
			return p.sessions[id].copy(), nil
		}
	}

	id := idgen.WithPrefix("cs_mem_")
	s := &memorySession{
		CheckoutSession: CheckoutSession{
			ID:         id,
			URL:        "https://checkout.hearth.local/pay/" + id,
			Mode:       req.Mode,
			CustomerID: req.CustomerID,
			Metadata:   copyMap(req.Metadata),
			PriceRefs:  []string{req.PriceRef},
			CreatedAt:  p.now().UTC(),
		},
		email: req.Email,
	}
	p.sessions[id] = s
	if req.IdempotencyKey != "" {
		p.idempotency[req.IdempotencyKey] = id
	}
	return s.copy(), nil
}

// CompleteCheckout simulates the customer paying for a session: it attaches
// a customer and, for subscription checkouts, starts the subscription.
func (p *MemoryProcessor) CompleteCheckout(sessionID string) (*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if s.Complete {
		return s.copy(), nil
	}
	if s.CustomerID == "" {
		s.CustomerID = idgen.WithPrefix("cus_mem_")
		p.customers[s.CustomerID] = s.email
	}
	if s.Mode == ModeSubscription {
		sub := &Subscription{
			ID:               idgen.WithPrefix("sub_mem_"),
			CustomerID:       s.CustomerID,
			Status:           StatusActive,
			PriceRef:         s.PriceRefs[0],
			ItemID:           idgen.WithPrefix("si_mem_"),
			CurrentPeriodEnd: p.now().Add(p.period).UTC().Truncate(time.Second),
			Metadata:         copyMap(s.Metadata),
		}
		p.subscriptions[sub.ID] = sub
		s.SubscriptionID = sub.ID
	}
	s.Complete = true
	s.Paid = true
	return s.copy(), nil
}

// PutSubscription inserts or replaces a subscription.
func (p *MemoryProcessor) PutSubscription(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *sub
	cp.Metadata = copyMap(sub.Metadata)
	p.subscriptions[sub.ID] = &cp
	if _, ok := p.customers[sub.CustomerID]; !ok && sub.CustomerID != "" {
		p.customers[sub.CustomerID] = ""
	}
}

// PutCustomer registers a customer email.
func (p *MemoryProcessor) PutCustomer(id, email string) {
	p.mu.Lock()
	p.customers[id] = email
	p.mu.Unlock()
}

// Renew rolls a subscription into its next period, or ends it when it was
// set to cancel at period end. This is what the processor does at renewal.
func (p *MemoryProcessor) Renew(subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return fmt.Errorf("%w: subscription %s", ErrNotFound, subscriptionID)
	}
	if sub.CancelAtPeriodEnd {
		sub.Status = StatusCanceled
		return nil
	}
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.Add(p.period)
	return nil
}

func (p *MemoryProcessor) GetCheckoutSession(_ context.Context, id string) (*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetCheckoutSession"); err != nil {
		return nil, err
	}
	s, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return s.copy(), nil
}

func (p *MemoryProcessor) ListCheckoutSessions(_ context.Context, customerID string) ([]*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ListCheckoutSessions"); err != nil {
		return nil, err
	}
	var out []*CheckoutSession
	for _, s := range p.sessions {
		if s.CustomerID == customerID && s.Complete {
			out = append(out, s.copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (p *MemoryProcessor) FindCustomerByEmail(_ context.Context, email string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("FindCustomerByEmail"); err != nil {
		return nil, err
	}
	var ids []string
	for id, e := range p.customers {
		if e != "" && e == email {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *MemoryProcessor) ListSubscriptions(_ context.Context, customerID string) ([]*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ListSubscriptions"); err != nil {
		return nil, err
	}
	var out []*Subscription
	for _, s := range p.subscriptions {
		if s.CustomerID == customerID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *MemoryProcessor) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("GetSubscription"); err != nil {
		return nil, err
	}
	s, ok := p.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, id)
	}
	cp := *s
	return &cp, nil
}

// PreviewPriceChange prorates the price difference linearly over the
// remaining fraction of the billing period.
func (p *MemoryProcessor) PreviewPriceChange(_ context.Context, change PriceChange) (*ProrationPreview, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("PreviewPriceChange"); err != nil {
		return nil, err
	}
	sub, ok := p.subscriptions[change.SubscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, change.SubscriptionID)
	}
	newPrice, ok := p.prices[change.NewPriceRef]
	if !ok {
		return nil, fmt.Errorf("%w: no such price %q", ErrInvalidRequest, change.NewPriceRef)
	}
	oldPrice := p.prices[sub.PriceRef]

	at := change.ProrationDate
	if at.IsZero() {
		at = p.now()
	}
	remaining := sub.CurrentPeriodEnd.Sub(at)
	if remaining < 0 {
		remaining = 0
	}
	fraction := decimal.NewFromFloat(remaining.Seconds()).Div(decimal.NewFromFloat(p.period.Seconds()))
	due := newPrice.Sub(oldPrice).Mul(fraction).Round(2)
	if due.IsNegative() {
		due = decimal.Zero
	}
	return &ProrationPreview{
		AmountDueNow:       due,
		NewRecurringAmount: newPrice,
		Currency:           "usd",
		NextBillingDate:    sub.CurrentPeriodEnd,
		ProrationDate:      at.UTC().Truncate(time.Second),
	}, nil
}

func (p *MemoryProcessor) ChangePrice(_ context.Context, change PriceChange) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ChangePrice"); err != nil {
		return nil, err
	}
	sub, ok := p.subscriptions[change.SubscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, change.SubscriptionID)
	}
	if _, ok := p.prices[change.NewPriceRef]; !ok {
		return nil, fmt.Errorf("%w: no such price %q", ErrInvalidRequest, change.NewPriceRef)
	}
	if !sub.Active() {
		return nil, fmt.Errorf("%w: subscription %s is %s", ErrInvalidRequest, sub.ID, sub.Status)
	}
	sub.PriceRef = change.NewPriceRef
	sub.CancelAtPeriodEnd = false
	cp := *sub
	return &cp, nil
}

func (p *MemoryProcessor) SetCancelAtPeriodEnd(_ context.Context, subscriptionID string, cancel bool) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("SetCancelAtPeriodEnd"); err != nil {
		return nil, err
	}
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, subscriptionID)
	}
	if sub.Ended() {
		return nil, fmt.Errorf("%w: subscription %s has ended", ErrInvalidRequest, sub.ID)
	}
	sub.CancelAtPeriodEnd = cancel
	cp := *sub
	return &cp, nil
}

// ParseWebhook accepts Stripe-format events signed with the configured
// secret, so demo deployments can be driven with the same payloads.
func (p *MemoryProcessor) ParseWebhook(payload []byte, signature string) (*Event, error) {
	return parseStripeEvent(payload, signature, p.webhookSecret)
}

func (s *memorySession) copy() *CheckoutSession {
	cp := s.CheckoutSession
	cp.Metadata = copyMap(s.Metadata)
	cp.PriceRefs = append([]string(nil), s.PriceRefs...)
	return &cp
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

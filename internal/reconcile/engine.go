package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/hearthly/hearth/internal/circles"
	"github.com/hearthly/hearth/internal/entitlement"
	"github.com/hearthly/hearth/internal/logging"
	"github.com/hearthly/hearth/internal/pagination"
	"github.com/hearthly/hearth/internal/plans"
	"github.com/hearthly/hearth/internal/processor"
	"github.com/hearthly/hearth/internal/traces"
)

// Engine applies processor state to entitlements and circles.
type Engine struct {
	ledger    *entitlement.Ledger
	catalog   *plans.Catalog
	processor processor.Processor
	circles   circles.Store
	limiter   *rate.Limiter
	inflight  singleflight.Group
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a reconciliation engine.
func NewEngine(ledger *entitlement.Ledger, proc processor.Processor, circleStore circles.Store, cfg Config, logger *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		ledger:    ledger,
		catalog:   ledger.Catalog(),
		processor: proc,
		circles:   circleStore,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Concurrency),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleEvent applies one verified webhook event. Events the merge does not
// act on are accepted and ignored.
func (e *Engine) HandleEvent(ctx context.Context, ev *processor.Event) (err error) {
	ctx, span := traces.StartSpan(ctx, "reconcile.HandleEvent", traces.EventID(ev.ID), traces.EventType(ev.Type))
	defer func() { traces.End(span, err); observeWebhook(ev.Type, err) }()

	switch {
	case ev.Type == processor.EventCheckoutCompleted && ev.Checkout != nil:
		return e.HandleCheckoutCompleted(ctx, ev.Checkout)
	case (ev.Type == processor.EventSubscriptionCreated || ev.Type == processor.EventSubscriptionUpdated) && ev.Subscription != nil:
		return e.handleSubscription(ctx, ev.Subscription)
	default:
		logging.L(ctx).Debug("webhook event ignored", "event_id", ev.ID, "type", ev.Type)
		return nil
	}
}

// HandleCheckoutCompleted merges a completed checkout: subscription
// checkouts may raise the buyer's tier, add-on checkouts record the purchase
// and recompute the circle's extra slots.
func (e *Engine) HandleCheckoutCompleted(ctx context.Context, cs *processor.CheckoutSession) error {
	userID := cs.Metadata[processor.MetaUserID]
	if !cs.Complete || userID == "" {
		logging.L(ctx).Info("checkout skipped", "session_id", cs.ID, "complete", cs.Complete, "has_user", userID != "")
		return nil
	}
	if err := e.ledger.AttachCustomer(ctx, userID, cs.CustomerID); err != nil {
		return fmt.Errorf("attach customer: %w", err)
	}

	if e.isAddOn(cs) {
		_, err := e.applyAddOn(ctx, userID, cs)
		return err
	}
	if cs.Mode != processor.ModeSubscription || cs.SubscriptionID == "" {
		return nil
	}

	// The session only names the subscription; its current price and status
	// come from the processor, so a stale event cannot resurrect an ended plan.
	sub, err := e.processor.GetSubscription(ctx, cs.SubscriptionID)
	if err != nil {
		return fmt.Errorf("get subscription %s: %w", cs.SubscriptionID, err)
	}
	_, err = e.raiseFrom(ctx, userID, sub, "webhook")
	return err
}

// handleSubscription raises from the subscription as the processor reports
// it now, not as the event payload described it.
func (e *Engine) handleSubscription(ctx context.Context, event *processor.Subscription) error {
	userID := event.Metadata[processor.MetaUserID]
	if userID == "" {
		return nil
	}
	sub, err := e.processor.GetSubscription(ctx, event.ID)
	if errors.Is(err, processor.ErrNotFound) {
		logging.L(ctx).Warn("webhook names unknown subscription", "subscription_id", event.ID, "user_id", userID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get subscription %s: %w", event.ID, err)
	}
	if err := e.ledger.AttachCustomer(ctx, userID, sub.CustomerID); err != nil {
		return fmt.Errorf("attach customer: %w", err)
	}
	_, err = e.raiseFrom(ctx, userID, sub, "webhook")
	return err
}

// raiseFrom raises userID to the tier sub pays for. Inactive subscriptions
// and prices outside the catalogue raise nothing.
func (e *Engine) raiseFrom(ctx context.Context, userID string, sub *processor.Subscription, source string) (bool, error) {
	if sub == nil || !sub.Active() {
		return false, nil
	}
	tier, ok := e.catalog.TierForPrice(sub.PriceRef)
	if !ok || !tier.Paid() {
		return false, nil
	}
	periodEnd := sub.CurrentPeriodEnd
	raised, err := e.ledger.Raise(ctx, userID, tier, &periodEnd, sub.CustomerID, sub.ID)
	if err != nil {
		return false, fmt.Errorf("raise %s to %s: %w", userID, tier, err)
	}
	if raised {
		tierRaises.WithLabelValues(source).Inc()
		logging.L(ctx).Info("entitlement raised", "user_id", userID, "tier", tier, "subscription_id", sub.ID, "source", source)
	}
	return raised, nil
}

func (e *Engine) isAddOn(cs *processor.CheckoutSession) bool {
	return cs.Metadata[processor.MetaKind] == processor.KindExtraMembers || cs.HasPrice(e.catalog.AddOn.PriceRef)
}

// applyAddOn records a paid add-on session and recomputes its circle. It
// reports whether the circle's slots changed.
func (e *Engine) applyAddOn(ctx context.Context, userID string, cs *processor.CheckoutSession) (bool, error) {
	circleID := cs.Metadata[processor.MetaCircleID]
	if !cs.Paid || circleID == "" {
		return false, nil
	}
	_, err := e.circles.RecordAddOnPurchase(ctx, &circles.AddOnPurchase{
		SessionID: cs.ID,
		CircleID:  circleID,
		UserID:    userID,
		CreatedAt: cs.CreatedAt,
	})
	if errors.Is(err, circles.ErrCircleNotFound) {
		logging.L(ctx).Warn("add-on purchase for unknown circle", "session_id", cs.ID, "circle_id", circleID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record add-on %s: %w", cs.ID, err)
	}
	return e.recomputeExtraMembers(ctx, circleID)
}

// recomputeExtraMembers sets the circle's extra slots to exactly what its
// recorded purchases pay for.
func (e *Engine) recomputeExtraMembers(ctx context.Context, circleID string) (bool, error) {
	c, err := e.circles.Get(ctx, circleID)
	if err != nil {
		return false, err
	}
	n, err := e.circles.CountAddOnPurchases(ctx, circleID)
	if err != nil {
		return false, err
	}
	want := n * e.catalog.AddOn.Increment
	if c.ExtraMembers == want {
		return false, nil
	}
	if err := e.circles.SetExtraMembers(ctx, circleID, want); err != nil {
		return false, err
	}
	addOnCorrections.Inc()
	logging.L(ctx).Info("extra members corrected", "circle_id", circleID, "from", c.ExtraMembers, "to", want)
	return true, nil
}

// SyncUser recomputes one user's state from the processor: subscriptions of
// every customer known for the user (from the entitlement record and, when
// given, the email) may raise the tier, and paid add-on sessions are
// recorded before the user's circles are recomputed. Concurrent syncs of
// the same user share one run.
func (e *Engine) SyncUser(ctx context.Context, userID, email string) (*UserReport, error) {
	v, err, _ := e.inflight.Do(userID, func() (any, error) {
		return e.syncUser(ctx, userID, email)
	})
	if err != nil {
		return nil, err
	}
	return v.(*UserReport), nil
}

func (e *Engine) syncUser(ctx context.Context, userID, email string) (_ *UserReport, err error) {
	ctx, span := traces.StartSpan(ctx, "reconcile.SyncUser", traces.UserID(userID))
	defer func() { traces.End(span, err) }()

	r, err := e.ledger.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	customers, err := e.customersFor(ctx, r, email)
	if err != nil {
		return nil, err
	}

	report := &UserReport{UserID: userID}
	var best *processor.Subscription
	touched := make(map[string]struct{})
	for _, customerID := range customers {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		subs, err := e.processor.ListSubscriptions(ctx, customerID)
		if err != nil {
			return nil, fmt.Errorf("list subscriptions for %s: %w", customerID, err)
		}
		for _, sub := range subs {
			if e.ranksAbove(sub, best) {
				best = sub
			}
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		sessions, err := e.processor.ListCheckoutSessions(ctx, customerID)
		if err != nil {
			return nil, fmt.Errorf("list checkout sessions for %s: %w", customerID, err)
		}
		for _, cs := range sessions {
			if !cs.Settled() || !e.isAddOn(cs) {
				continue
			}
			if buyer := cs.Metadata[processor.MetaUserID]; buyer != "" && buyer != userID {
				continue
			}
			circleID := cs.Metadata[processor.MetaCircleID]
			if circleID == "" {
				continue
			}
			if _, err := e.circles.RecordAddOnPurchase(ctx, &circles.AddOnPurchase{
				SessionID: cs.ID,
				CircleID:  circleID,
				UserID:    userID,
				CreatedAt: cs.CreatedAt,
			}); err != nil && !errors.Is(err, circles.ErrCircleNotFound) {
				return nil, fmt.Errorf("record add-on %s: %w", cs.ID, err)
			}
			touched[circleID] = struct{}{}
		}
	}

	if r.CustomerID == "" && len(customers) > 0 {
		if err := e.ledger.AttachCustomer(ctx, userID, customers[0]); err != nil {
			return nil, fmt.Errorf("attach customer: %w", err)
		}
	}
	if report.Raised, err = e.raiseFrom(ctx, userID, best, "sweep"); err != nil {
		return nil, err
	}

	owned, err := e.circles.ListOwned(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, c := range owned {
		touched[c.ID] = struct{}{}
	}
	for circleID := range touched {
		changed, err := e.recomputeExtraMembers(ctx, circleID)
		if errors.Is(err, circles.ErrCircleNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("recompute circle %s: %w", circleID, err)
		}
		if changed {
			report.CirclesCorrected++
		}
	}

	final, err := e.ledger.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	report.Tier = final.Tier
	return report, nil
}

func (e *Engine) customersFor(ctx context.Context, r *entitlement.Record, email string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if _, dup := seen[id]; id != "" && !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	add(r.CustomerID)
	if email == "" {
		return out, nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ids, err := e.processor.FindCustomerByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("find customers: %w", err)
	}
	for _, id := range ids {
		add(id)
	}
	return out, nil
}

// ranksAbove reports whether sub is an active catalogue subscription paying
// for a higher tier than current.
func (e *Engine) ranksAbove(sub, current *processor.Subscription) bool {
	if !sub.Active() {
		return false
	}
	tier, ok := e.catalog.TierForPrice(sub.PriceRef)
	if !ok {
		return false
	}
	if current == nil {
		return true
	}
	currentTier, _ := e.catalog.TierForPrice(current.PriceRef)
	return tier.Higher(currentTier)
}

// SyncAll sweeps every entitlement record. Per-user failures are counted and
// the sweep continues; it stops early only when the processor is
// unavailable. The sweep recomputes rather than appends, so an aborted run
// is simply started again.
func (e *Engine) SyncAll(ctx context.Context) (_ *SweepReport, err error) {
	ctx, span := traces.StartSpan(ctx, "reconcile.SyncAll")
	start := e.now()
	report := &SweepReport{}
	defer func() {
		report.Duration = e.now().Sub(start)
		sweepDuration.Observe(report.Duration.Seconds())
		traces.End(span, err)
	}()

	var (
		mu     sync.Mutex
		cursor *pagination.Cursor
	)
	for {
		page, err := e.ledger.ListPage(ctx, cursor, e.cfg.PageSize)
		if err != nil {
			return report, err
		}
		if len(page) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Concurrency)
		for _, r := range page {
			userID := r.UserID
			g.Go(func() error {
				res, err := e.SyncUser(gctx, userID, "")
				mu.Lock()
				defer mu.Unlock()
				report.Users++
				if err != nil {
					report.Failed++
					sweepUsers.WithLabelValues("failed").Inc()
					if errors.Is(err, processor.ErrUnavailable) {
						return err
					}
					logging.L(gctx).Warn("sync user failed", "user_id", userID, "error", err)
					return nil
				}
				sweepUsers.WithLabelValues("ok").Inc()
				if res.Raised {
					report.Raised++
				}
				report.CirclesCorrected += res.CirclesCorrected
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			e.logger.Warn("sync sweep aborted", "error", err, "users", report.Users)
			return report, err
		}

		last := page[len(page)-1]
		cursor = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.UserID}
		if len(page) < e.cfg.PageSize {
			break
		}
	}

	e.logger.Info("sync sweep complete",
		"users", report.Users,
		"raised", report.Raised,
		"circles_corrected", report.CirclesCorrected,
		"failed", report.Failed)
	return report, nil
}

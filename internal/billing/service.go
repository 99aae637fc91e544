package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hearthly/hearth/internal/circles"
	"github.com/hearthly/hearth/internal/entitlement"
	"github.com/hearthly/hearth/internal/logging"
	"github.com/hearthly/hearth/internal/plans"
	"github.com/hearthly/hearth/internal/processor"
	"github.com/hearthly/hearth/internal/syncutil"
	"github.com/hearthly/hearth/internal/traces"
)

// Service runs billing transitions. Transitions for one user are serialized
// by a keyed lock; the ledger's optimistic version check covers writers that
// do not take it.
type Service struct {
	ledger    *entitlement.Ledger
	catalog   *plans.Catalog
	processor processor.Processor
	circles   circles.Store
	rescue    RescueTrigger
	locks     *syncutil.KeyedMutex
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a billing service.
func NewService(ledger *entitlement.Ledger, proc processor.Processor, circleStore circles.Store, rescue RescueTrigger, cfg Config, logger *slog.Logger) *Service {
	if cfg.DowngradeLead <= 0 {
		cfg.DowngradeLead = time.Hour
	}
	return &Service{
		ledger:    ledger,
		catalog:   ledger.Catalog(),
		processor: proc,
		circles:   circleStore,
		rescue:    rescue,
		locks:     syncutil.NewKeyedMutex(),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Status returns the user's entitlement, defaulting to free.
func (s *Service) Status(ctx context.Context, userID string) (*entitlement.Record, error) {
	return s.ledger.Get(ctx, userID)
}

// StartCheckout opens a subscription checkout for a user without a paid
// subscription. Nothing is written locally; the tier arrives through
// reconciliation once the processor reports the checkout complete.
func (s *Service) StartCheckout(ctx context.Context, in CheckoutInput) (_ *processor.CheckoutSession, err error) {
	ctx, span := traces.StartSpan(ctx, "billing.StartCheckout", traces.UserID(in.UserID), traces.Tier(string(in.Tier)))
	defer func() { traces.End(span, err); observeTransition("checkout", err) }()

	if !in.Tier.Paid() {
		return nil, ErrPaidTierRequired
	}
	r, err := s.ledger.Get(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	switch {
	case r.Tier == plans.TierAdmin:
		return nil, ErrAdminManaged
	case r.Tier == in.Tier:
		return nil, ErrSameTier
	case r.Tier.Paid() && r.SubscriptionID != "":
		return nil, ErrAlreadySubscribed
	}
	return s.createSubscriptionCheckout(ctx, r, in)
}

// StartRescueCheckout opens the checkout a rescue claimant needs to keep the
// circle they took over. Claimants already on a paid tier need none and get
// a nil session.
func (s *Service) StartRescueCheckout(ctx context.Context, userID, email, offerID, circleID string) (*processor.CheckoutSession, error) {
	r, err := s.ledger.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if r.Tier.Paid() || r.Tier == plans.TierAdmin {
		return nil, nil
	}
	return s.createSubscriptionCheckout(ctx, r, CheckoutInput{
		UserID: userID,
		Email:  email,
		Tier:   s.catalog.CheapestPaidTier(),
		Metadata: map[string]string{
			processor.MetaOfferID:  offerID,
			processor.MetaCircleID: circleID,
		},
		IdempotencyKey: "rescue-claim:" + offerID + ":" + userID,
	})
}

func (s *Service) createSubscriptionCheckout(ctx context.Context, r *entitlement.Record, in CheckoutInput) (*processor.CheckoutSession, error) {
	price, err := s.catalog.PriceForTier(in.Tier)
	if err != nil {
		return nil, err
	}
	meta := map[string]string{
		processor.MetaUserID: in.UserID,
		processor.MetaTier:   string(in.Tier),
		processor.MetaKind:   processor.KindSubscription,
	}
	for k, v := range in.Metadata {
		meta[k] = v
	}
	return s.processor.CreateCheckout(ctx, processor.CheckoutRequest{
		Mode:           processor.ModeSubscription,
		PriceRef:       price,
		Quantity:       1,
		CustomerID:     r.CustomerID,
		Email:          in.Email,
		SuccessURL:     s.cfg.SuccessURL,
		CancelURL:      s.cfg.CancelURL,
		Metadata:       meta,
		IdempotencyKey: in.IdempotencyKey,
	})
}

// StartAddonCheckout opens a one-time payment checkout for extra member
// slots on a circle the user owns.
func (s *Service) StartAddonCheckout(ctx context.Context, userID, email, circleID string) (_ *processor.CheckoutSession, err error) {
	ctx, span := traces.StartSpan(ctx, "billing.StartAddonCheckout", traces.UserID(userID), traces.CircleID(circleID))
	defer func() { traces.End(span, err); observeTransition("addon_checkout", err) }()

	circle, err := s.circles.Get(ctx, circleID)
	if err != nil {
		return nil, err
	}
	if circle.OwnerID != userID {
		return nil, ErrNotCircleOwner
	}
	r, err := s.ledger.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.processor.CreateCheckout(ctx, processor.CheckoutRequest{
		Mode:       processor.ModePayment,
		PriceRef:   s.catalog.AddOn.PriceRef,
		Quantity:   1,
		CustomerID: r.CustomerID,
		Email:      email,
		SuccessURL: s.cfg.SuccessURL,
		CancelURL:  s.cfg.CancelURL,
		Metadata: map[string]string{
			processor.MetaUserID:   userID,
			processor.MetaCircleID: circleID,
			processor.MetaKind:     processor.KindExtraMembers,
		},
	})
}

// PreviewUpgrade asks the processor what an in-place upgrade would cost now.
func (s *Service) PreviewUpgrade(ctx context.Context, userID string, tier plans.Tier) (_ *UpgradePreview, err error) {
	ctx, span := traces.StartSpan(ctx, "billing.PreviewUpgrade", traces.UserID(userID), traces.Tier(string(tier)))
	defer func() { traces.End(span, err); observeTransition("preview_upgrade", err) }()

	r, err := s.ledger.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	price, err := s.checkUpgrade(r, tier)
	if err != nil {
		return nil, err
	}
	quote, err := s.processor.PreviewPriceChange(ctx, processor.PriceChange{
		CustomerID:     r.CustomerID,
		SubscriptionID: r.SubscriptionID,
		NewPriceRef:    price,
		Proration:      processor.ProrationAlwaysInvoice,
	})
	if err != nil {
		return nil, err
	}
	return &UpgradePreview{
		Tier:               tier,
		AmountDueNow:       quote.AmountDueNow.StringFixed(2),
		NewRecurringAmount: quote.NewRecurringAmount.StringFixed(2),
		Currency:           quote.Currency,
		NextBillingDate:    quote.NextBillingDate,
		ProrationDate:      quote.ProrationDate,
	}, nil
}

// ConfirmUpgrade swaps the subscription item to the higher tier's price,
// invoicing the proration immediately, then records the new tier. Any
// scheduled cancellation or downgrade is dropped on both sides.
func (s *Service) ConfirmUpgrade(ctx context.Context, userID string, tier plans.Tier, prorationDate time.Time) (_ *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "billing.ConfirmUpgrade", traces.UserID(userID), traces.Tier(string(tier)))
	defer func() { traces.End(span, err); observeTransition("upgrade", err) }()

	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.ledger.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	price, err := s.checkUpgrade(r, tier)
	if err != nil {
		return nil, err
	}
	sub, err := s.processor.ChangePrice(ctx, processor.PriceChange{
		CustomerID:     r.CustomerID,
		SubscriptionID: r.SubscriptionID,
		NewPriceRef:    price,
		Proration:      processor.ProrationAlwaysInvoice,
		ProrationDate:  prorationDate,
	})
	if err != nil {
		return nil, err
	}

	res := s.commit(ctx, "upgrade", sub, r, func(r *entitlement.Record) error {
		return s.ledger.ApplyUpgrade(ctx, r, tier, sub.CurrentPeriodEnd, sub.ID)
	})
	s.withdrawOffers(ctx, userID)
	return res, nil
}

func (s *Service) checkUpgrade(r *entitlement.Record, tier plans.Tier) (string, error) {
	if !tier.Paid() {
		return "", ErrPaidTierRequired
	}
	if r.Tier == plans.TierAdmin {
		return "", ErrAdminManaged
	}
	if r.Tier == tier {
		return "", ErrSameTier
	}
	if !tier.Higher(r.Tier) {
		return "", ErrNotUpgrade
	}
	if r.SubscriptionID == "" {
		return "", ErrNoSubscription
	}
	return s.catalog.PriceForTier(tier)
}

// Cancel sets the subscription to end at the period boundary. The tier and
// caps stay until then. Circles beyond the free tier's cap get rescue offers
// dated at the period end the processor confirmed.
func (s *Service) Cancel(ctx context.Context, userID string) (_ *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "billing.Cancel", traces.UserID(userID))
	defer func() { traces.End(span, err); observeTransition("cancel", err) }()

	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.requireSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if r.CancelAtPeriodEnd {
		return nil, ErrAlreadyCancelling
	}

	sub, err := s.processor.SetCancelAtPeriodEnd(ctx, r.SubscriptionID, true)
	if err != nil {
		return nil, err
	}
	res := s.commit(ctx, "cancel", sub, r, func(r *entitlement.Record) error {
		return s.ledger.MarkCancelling(ctx, r, sub.CurrentPeriodEnd)
	})
	s.triggerRescue(ctx, userID, plans.TierFree, sub.CurrentPeriodEnd)
	return res, nil
}

// Reactivate clears a scheduled cancellation before it takes effect. A
// cancellation can replace a downgrade whose price the rollover job already
// swapped; the price is then moved back to the kept tier in the same update.
func (s *Service) Reactivate(ctx context.Context, userID string) (_ *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "billing.Reactivate", traces.UserID(userID))
	defer func() { traces.End(span, err); observeTransition("reactivate", err) }()

	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.requireSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !r.CancelAtPeriodEnd {
		return nil, ErrNotCancelling
	}

	price, err := s.catalog.PriceForTier(r.Tier)
	if err != nil {
		return nil, err
	}
	sub, err := s.processor.GetSubscription(ctx, r.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.PriceRef != price {
		// ChangePrice also clears cancel-at-period-end.
		sub, err = s.processor.ChangePrice(ctx, processor.PriceChange{
			CustomerID:     r.CustomerID,
			SubscriptionID: r.SubscriptionID,
			ItemID:         sub.ItemID,
			NewPriceRef:    price,
			Proration:      processor.ProrationNone,
		})
	} else {
		sub, err = s.processor.SetCancelAtPeriodEnd(ctx, r.SubscriptionID, false)
	}
	if err != nil {
		return nil, err
	}
	res := s.commit(ctx, "reactivate", sub, r, func(r *entitlement.Record) error {
		return s.ledger.Reactivate(ctx, r, sub.CurrentPeriodEnd)
	})
	s.withdrawOffers(ctx, userID)
	return res, nil
}

// ScheduleDowngrade records a move to a lower paid tier at renewal. The
// processor subscription is read to confirm it is live and to take its
// period end; the price itself is swapped later by the rollover job.
func (s *Service) ScheduleDowngrade(ctx context.Context, userID string, target plans.Tier) (_ *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "billing.ScheduleDowngrade", traces.UserID(userID), traces.Tier(string(target)))
	defer func() { traces.End(span, err); observeTransition("downgrade", err) }()

	if !target.Paid() {
		return nil, ErrPaidTierRequired
	}

	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.requireSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	switch {
	case r.Tier == target || r.PendingTier == target:
		return nil, ErrSameTier
	case !r.Tier.Higher(target):
		return nil, ErrNotDowngrade
	case r.CancelAtPeriodEnd:
		return nil, ErrCancelPending
	}

	sub, err := s.processor.GetSubscription(ctx, r.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if !sub.Active() {
		return nil, ErrNoSubscription
	}

	// No remote mutation happened, so the local write is the commit here.
	if err := s.ledger.SchedulePending(ctx, r, target, sub.CurrentPeriodEnd); err != nil {
		return nil, err
	}
	s.triggerRescue(ctx, userID, target, sub.CurrentPeriodEnd)
	return &Result{Record: r, Synced: true}, nil
}

// CancelPendingDowngrade drops a scheduled downgrade. If the rollover job
// already swapped the processor price, it is swapped back without proration.
func (s *Service) CancelPendingDowngrade(ctx context.Context, userID string) (_ *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "billing.CancelPendingDowngrade", traces.UserID(userID))
	defer func() { traces.End(span, err); observeTransition("cancel_downgrade", err) }()

	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.requireSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !r.HasPending() {
		return nil, ErrNoPendingDowngrade
	}

	price, err := s.catalog.PriceForTier(r.Tier)
	if err != nil {
		return nil, err
	}
	sub, err := s.processor.GetSubscription(ctx, r.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.PriceRef != price {
		if sub, err = s.processor.ChangePrice(ctx, processor.PriceChange{
			CustomerID:     r.CustomerID,
			SubscriptionID: r.SubscriptionID,
			ItemID:         sub.ItemID,
			NewPriceRef:    price,
			Proration:      processor.ProrationNone,
		}); err != nil {
			return nil, err
		}
	}

	res := s.commit(ctx, "cancel_downgrade", sub, r, func(r *entitlement.Record) error {
		return s.ledger.ClearPending(ctx, r)
	})
	s.withdrawOffers(ctx, userID)
	return res, nil
}

func (s *Service) requireSubscription(ctx context.Context, userID string) (*entitlement.Record, error) {
	r, err := s.ledger.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if r.Tier == plans.TierAdmin {
		return nil, ErrAdminManaged
	}
	if !r.Tier.Paid() || r.SubscriptionID == "" {
		return nil, ErrNoSubscription
	}
	return r, nil
}

// commit applies the local half of a transition whose remote half already
// succeeded. A failed write is logged and reported through Result.Synced.
func (s *Service) commit(ctx context.Context, op string, sub *processor.Subscription, r *entitlement.Record, apply func(*entitlement.Record) error) *Result {
	working := r.Clone()
	if err := apply(working); err != nil {
		localWriteFailures.WithLabelValues(op).Inc()
		logging.L(ctx).Error("local entitlement write failed after processor change",
			"user_id", r.UserID,
			"operation", op,
			"subscription_id", sub.ID,
			"error", err,
		)
		return &Result{Record: working, Synced: false}
	}
	return &Result{Record: working, Synced: true}
}

func (s *Service) triggerRescue(ctx context.Context, userID string, target plans.Tier, deadline time.Time) {
	if s.rescue == nil {
		return
	}
	n, err := s.rescue.Trigger(ctx, userID, target, deadline)
	if err != nil {
		logging.L(ctx).Error("rescue trigger failed", "user_id", userID, "target", target, "error", err)
		return
	}
	if n > 0 {
		logging.L(ctx).Info("rescue offers opened", "user_id", userID, "target", target, "offers", n)
	}
}

func (s *Service) withdrawOffers(ctx context.Context, userID string) {
	if s.rescue == nil {
		return
	}
	if n, err := s.rescue.WithdrawForOwner(ctx, userID); err != nil {
		logging.L(ctx).Warn("rescue withdrawal failed", "user_id", userID, "error", err)
	} else if n > 0 {
		logging.L(ctx).Info("rescue offers withdrawn", "user_id", userID, "offers", n)
	}
}

// IsClientError reports whether err is a caller mistake rather than a
// processor or storage failure.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrSameTier, ErrNotUpgrade, ErrNotDowngrade, ErrPaidTierRequired,
		ErrNoSubscription, ErrAlreadySubscribed, ErrAlreadyCancelling,
		ErrNotCancelling, ErrNoPendingDowngrade, ErrCancelPending,
		ErrAdminManaged, ErrNotCircleOwner, plans.ErrUnknownTier,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

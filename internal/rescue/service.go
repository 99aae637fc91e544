package rescue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hearthly/hearth/internal/capacity"
	"github.com/hearthly/hearth/internal/circles"
	"github.com/hearthly/hearth/internal/entitlement"
	"github.com/hearthly/hearth/internal/idgen"
	"github.com/hearthly/hearth/internal/logging"
	"github.com/hearthly/hearth/internal/notify"
	"github.com/hearthly/hearth/internal/plans"
	"github.com/hearthly/hearth/internal/processor"
	"github.com/hearthly/hearth/internal/traces"
)

// CheckoutStarter opens the subscription checkout a claimant needs to keep
// the circle. It returns nil when the claimant already pays for a plan.
type CheckoutStarter interface {
	StartRescueCheckout(ctx context.Context, userID, email, offerID, circleID string) (*processor.CheckoutSession, error)
}

// EntitlementReader returns a user's entitlement record.
type EntitlementReader interface {
	Get(ctx context.Context, userID string) (*entitlement.Record, error)
}

// Notifier delivers a notification at most once per key.
type Notifier interface {
	Notify(ctx context.Context, n *notify.Notification) (bool, error)
}

const expireBatch = 200

// ClaimResult is a successful claim. CheckoutURL is empty when the claimant
// already has a paid plan.
type ClaimResult struct {
	Offer       *Offer `json:"offer"`
	CheckoutURL string `json:"checkoutUrl,omitempty"`
}

// Service runs the rescue workflow.
type Service struct {
	store        Store
	circles      circles.Store
	entitlements EntitlementReader
	catalog      *plans.Catalog
	notifier     Notifier
	checkout     CheckoutStarter
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a rescue service. The checkout starter is attached
// separately with SetCheckout because billing depends on this service too.
func NewService(store Store, circleStore circles.Store, entitlements EntitlementReader, catalog *plans.Catalog, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		circles:      circleStore,
		entitlements: entitlements,
		catalog:      catalog,
		notifier:     notifier,
		logger:       logger,
		now:          time.Now,
	}
}

// SetCheckout attaches the checkout starter used by Claim.
func (s *Service) SetCheckout(c CheckoutStarter) {
	s.checkout = c
}

// Plan splits an owner's circles into the ones a tier allowing keep circles
// retains (oldest first) and the ones that need rescuing.
func Plan(owned []*circles.Circle, keep int) (kept, affected []*circles.Circle) {
	if keep == plans.Unlimited || len(owned) <= keep {
		return owned, nil
	}
	sorted := make([]*circles.Circle, len(owned))
	copy(sorted, owned)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return sorted[:keep], sorted[keep:]
}

// Trigger opens an offer for every circle the owner would lose on the target
// tier and notifies each circle's members. It is safe to call again for the
// same change: existing open offers are reused and notifications are keyed
// per offer and recipient. It returns the number of offers newly opened.
func (s *Service) Trigger(ctx context.Context, ownerID string, target plans.Tier, deadline time.Time) (_ int, err error) {
	ctx, span := traces.StartSpan(ctx, "rescue.Trigger", traces.UserID(ownerID), traces.Tier(string(target)))
	defer func() { traces.End(span, err) }()

	owned, err := s.circles.ListOwned(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("list owned circles: %w", err)
	}
	_, affected := Plan(owned, s.catalog.LimitsFor(target).MaxCircles)
	if len(affected) == 0 {
		return 0, nil
	}

	var (
		opened int
		errs   []error
	)
	for _, c := range affected {
		offer, created, err := s.openOffer(ctx, c, target, deadline)
		if err != nil {
			errs = append(errs, fmt.Errorf("circle %s: %w", c.ID, err))
			continue
		}
		if created {
			opened++
			offersOpened.Inc()
		}
		if err := s.notifyMembers(ctx, offer); err != nil {
			errs = append(errs, fmt.Errorf("notify circle %s: %w", c.ID, err))
		}
	}
	return opened, errors.Join(errs...)
}

func (s *Service) openOffer(ctx context.Context, c *circles.Circle, target plans.Tier, deadline time.Time) (*Offer, bool, error) {
	now := s.now().UTC()
	offer := &Offer{
		ID:         idgen.Ordered("ro_"),
		CircleID:   c.ID,
		CircleName: c.Name,
		OwnerID:    c.OwnerID,
		TargetTier: target,
		Deadline:   deadline.UTC(),
		Status:     StatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	created, err := s.store.CreateOpen(ctx, offer)
	if err != nil {
		return nil, false, err
	}
	if created {
		return offer, true, nil
	}
	existing, err := s.store.GetOpenByCircle(ctx, c.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Service) notifyMembers(ctx context.Context, offer *Offer) error {
	members, err := s.circles.ListMemberIDs(ctx, offer.CircleID)
	if err != nil {
		return err
	}
	deadline := offer.Deadline.Format(time.RFC3339)
	for _, userID := range members {
		if userID == offer.OwnerID {
			continue
		}
		_, err := s.notifier.Notify(ctx, &notify.Notification{
			UserID: userID,
			Key:    "rescue:" + offer.ID + ":" + userID,
			Kind:   notify.KindRescueOffer,
			Title:  offer.CircleName + " needs a new owner",
			Body:   "The owner's plan no longer covers this circle. Take it over before " + deadline + " to keep it active.",
			Data: map[string]string{
				"offer_id":  offer.ID,
				"circle_id": offer.CircleID,
				"deadline":  deadline,
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ListForMember returns open offers on circles the user belongs to without
// owning them.
func (s *Service) ListForMember(ctx context.Context, userID string) ([]*Offer, error) {
	joined, err := s.circles.ListJoined(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(joined))
	for i, c := range joined {
		ids[i] = c.ID
	}
	offers, err := s.store.ListOpenForCircles(ctx, ids)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := offers[:0]
	for _, o := range offers {
		if o.IsOpenAt(now) {
			out = append(out, o)
		}
	}
	return out, nil
}

// Claim hands a circle to one of its members. The claimant's checkout is
// opened first so a processor failure leaves the offer untouched; the
// conditional claim then picks a single winner among concurrent claimants.
func (s *Service) Claim(ctx context.Context, offerID, claimantID, email string) (_ *ClaimResult, err error) {
	ctx, span := traces.StartSpan(ctx, "rescue.Claim", traces.OfferID(offerID), traces.UserID(claimantID))
	defer func() { traces.End(span, err); observeClaim(err) }()

	offer, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if !offer.IsOpenAt(s.now()) {
		return nil, ErrOfferUnavailable
	}
	if claimantID == offer.OwnerID {
		return nil, ErrNotEligible
	}
	member, err := s.circles.IsMember(ctx, offer.CircleID, claimantID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, ErrNotEligible
	}
	if err := s.checkClaimantAllowance(ctx, claimantID); err != nil {
		return nil, err
	}

	var session *processor.CheckoutSession
	if s.checkout != nil {
		session, err = s.checkout.StartRescueCheckout(ctx, claimantID, email, offer.ID, offer.CircleID)
		if err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	if err := s.store.Claim(ctx, offer.ID, claimantID, now); err != nil {
		return nil, err
	}
	if err := s.circles.TransferOwnership(ctx, offer.CircleID, offer.OwnerID, claimantID); err != nil {
		if rerr := s.store.Transition(ctx, offer.ID, StatusClaimed, StatusOpen, s.now().UTC()); rerr != nil {
			logging.L(ctx).Error("rescue claim revert failed", "offer_id", offer.ID, "error", rerr)
		}
		return nil, fmt.Errorf("transfer ownership: %w", err)
	}

	offer.Status = StatusClaimed
	offer.ClaimedBy = claimantID
	offer.ClaimedAt = &now
	offer.UpdatedAt = now
	logging.L(ctx).Info("rescue offer claimed", "offer_id", offer.ID, "circle_id", offer.CircleID,
		"previous_owner", offer.OwnerID, "claimant", claimantID)

	if _, err := s.notifier.Notify(ctx, &notify.Notification{
		UserID: offer.OwnerID,
		Key:    "rescue-claimed:" + offer.ID,
		Kind:   notify.KindRescueClaimed,
		Title:  offer.CircleName + " has a new owner",
		Body:   "A member took over the circle. You remain a member.",
		Data:   map[string]string{"offer_id": offer.ID, "circle_id": offer.CircleID, "claimed_by": claimantID},
	}); err != nil {
		logging.L(ctx).Warn("rescue claim notification failed", "offer_id", offer.ID, "error", err)
	}

	res := &ClaimResult{Offer: offer}
	if session != nil {
		res.CheckoutURL = session.URL
	}
	return res, nil
}

// checkClaimantAllowance refuses a claim that would take the claimant past
// the circle cap of the tier they hold after the claim. A free claimant is
// checked out onto the cheapest paid tier.
func (s *Service) checkClaimantAllowance(ctx context.Context, claimantID string) error {
	r, err := s.entitlements.Get(ctx, claimantID)
	if err != nil && !errors.Is(err, entitlement.ErrNotFound) {
		return fmt.Errorf("load claimant entitlement: %w", err)
	}
	tier := s.catalog.CheapestPaidTier()
	if r != nil && (r.Tier.Paid() || r.Tier == plans.TierAdmin) {
		tier = capacity.CapacityTier(r)
	}
	limit := s.catalog.LimitsFor(tier).MaxCircles
	if limit == plans.Unlimited {
		return nil
	}
	owned, err := s.circles.ListOwned(ctx, claimantID)
	if err != nil {
		return fmt.Errorf("list claimant circles: %w", err)
	}
	if len(owned) >= limit {
		return ErrCircleLimit
	}
	return nil
}

// ExpireDue closes open offers whose deadline has passed.
func (s *Service) ExpireDue(ctx context.Context) (expired int, err error) {
	ctx, span := traces.StartSpan(ctx, "rescue.ExpireDue")
	defer func() { traces.End(span, err) }()

	for {
		due, err := s.store.ListExpirable(ctx, s.now(), expireBatch)
		if err != nil {
			return expired, err
		}
		progressed := false
		for _, o := range due {
			err := s.store.Transition(ctx, o.ID, StatusOpen, StatusExpired, s.now().UTC())
			if errors.Is(err, ErrOfferUnavailable) {
				continue
			}
			if err != nil {
				return expired, err
			}
			expired++
			progressed = true
			offersClosed.WithLabelValues(string(StatusExpired)).Inc()
		}
		if len(due) < expireBatch || !progressed {
			break
		}
	}
	if expired > 0 {
		s.logger.Info("rescue offers expired", "count", expired)
	}
	return expired, nil
}

// WithdrawForOwner closes the owner's open offers after the owner restored
// a plan that covers their circles.
func (s *Service) WithdrawForOwner(ctx context.Context, ownerID string) (int, error) {
	open, err := s.store.ListOpenByOwner(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range open {
		err := s.store.Transition(ctx, o.ID, StatusOpen, StatusWithdrawn, s.now().UTC())
		if errors.Is(err, ErrOfferUnavailable) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		offersClosed.WithLabelValues(string(StatusWithdrawn)).Inc()
	}
	return n, nil
}

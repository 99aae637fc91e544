package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hearthly/hearth/internal/pagination"
	"github.com/hearthly/hearth/internal/plans"
	"github.com/hearthly/hearth/internal/processor"
	"github.com/hearthly/hearth/internal/traces"
)

const (
	rolloverBatch = 200
	healPageSize  = 100
)

type rolloverAction int

const (
	actionSkipped rolloverAction = iota
	actionSwapped
	actionApplied
	actionHealed
)

// RunRollover carries scheduled changes across period boundaries:
//
//   - inside the lead window before the period end, a pending downgrade is
//     pushed to the processor as a price swap without proration;
//   - once the processor has renewed the subscription, the pending tier
//     becomes the local tier with the new period end;
//   - once a cancelling subscription has ended, the record becomes free.
//
// It then heals records whose processor subscription is set to cancel while
// the local flag is missing. Reconciliation never lowers a tier, so this job
// is the only asynchronous path that applies downgrade-class state.
func (s *Service) RunRollover(ctx context.Context) (_ *RolloverReport, err error) {
	ctx, span := traces.StartSpan(ctx, "billing.Rollover")
	defer func() { traces.End(span, err) }()

	start := s.now()
	report := &RolloverReport{}
	defer report.record()

	due, err := s.ledger.ListDue(ctx, start.Add(s.cfg.DowngradeLead), rolloverBatch)
	if err != nil {
		return report, fmt.Errorf("list due entitlements: %w", err)
	}
	for _, r := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		action, err := s.rolloverOne(ctx, r.UserID)
		if err != nil {
			report.Failed++
			s.logger.Warn("rollover failed", "user_id", r.UserID, "error", err)
			if errors.Is(err, processor.ErrUnavailable) {
				return report, err
			}
			continue
		}
		report.add(action)
	}

	if err := s.healFlags(ctx, report); err != nil {
		return report, err
	}

	s.logger.Info("rollover finished",
		"due", len(due),
		"swapped", report.Swapped,
		"applied", report.Applied,
		"healed", report.Healed,
		"failed", report.Failed,
		"duration", time.Since(start),
	)
	return report, nil
}

func (r *RolloverReport) add(a rolloverAction) {
	switch a {
	case actionSwapped:
		r.Swapped++
	case actionApplied:
		r.Applied++
	case actionHealed:
		r.Healed++
	default:
		r.Skipped++
	}
}

func (s *Service) rolloverOne(ctx context.Context, userID string) (rolloverAction, error) {
	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return actionSkipped, err
	}
	defer unlock()

	r, err := s.ledger.Get(ctx, userID)
	if err != nil {
		return actionSkipped, err
	}
	if (!r.HasPending() && !r.CancelAtPeriodEnd) || r.CurrentPeriodEnd == nil {
		return actionSkipped, nil
	}
	now := s.now()
	periodOver := !now.Before(*r.CurrentPeriodEnd)

	var sub *processor.Subscription
	if r.SubscriptionID != "" {
		sub, err = s.processor.GetSubscription(ctx, r.SubscriptionID)
		if err != nil && !errors.Is(err, processor.ErrNotFound) {
			return actionSkipped, err
		}
	}
	ended := sub == nil || sub.Ended()

	if r.CancelAtPeriodEnd {
		switch {
		case !periodOver:
			return actionSkipped, nil
		case ended:
			return actionApplied, s.ledger.ApplyRollover(ctx, r, plans.TierFree, nil)
		case !sub.CancelAtPeriodEnd && sub.CurrentPeriodEnd.After(*r.CurrentPeriodEnd):
			// Reactivated at the processor and already renewed.
			return actionHealed, s.ledger.Reactivate(ctx, r, sub.CurrentPeriodEnd)
		default:
			return actionSkipped, nil
		}
	}

	if ended {
		if !periodOver {
			return actionSkipped, nil
		}
		return actionApplied, s.ledger.ApplyRollover(ctx, r, plans.TierFree, nil)
	}

	pendingPrice, err := s.catalog.PriceForTier(r.PendingTier)
	if err != nil {
		return actionSkipped, err
	}
	renewed := sub.CurrentPeriodEnd.After(*r.CurrentPeriodEnd)

	if sub.PriceRef != pendingPrice {
		if _, err := s.processor.ChangePrice(ctx, processor.PriceChange{
			CustomerID:     r.CustomerID,
			SubscriptionID: sub.ID,
			ItemID:         sub.ItemID,
			NewPriceRef:    pendingPrice,
			Proration:      processor.ProrationNone,
		}); err != nil {
			return actionSkipped, err
		}
		if renewed {
			// The swap missed the boundary and the user paid a full period
			// at the old price, so the downgrade moves to the next boundary.
			return actionSwapped, s.ledger.SchedulePending(ctx, r, r.PendingTier, sub.CurrentPeriodEnd)
		}
		return actionSwapped, nil
	}

	if periodOver && renewed {
		end := sub.CurrentPeriodEnd
		return actionApplied, s.ledger.ApplyRollover(ctx, r, r.PendingTier, &end)
	}
	return actionSkipped, nil
}

// healFlags re-applies cancellations the processor reports but the local
// record lacks, which happens when the local write after a confirmed cancel
// failed.
func (s *Service) healFlags(ctx context.Context, report *RolloverReport) error {
	var after *pagination.Cursor
	for {
		page, err := s.ledger.ListPage(ctx, after, healPageSize)
		if err != nil {
			return fmt.Errorf("list entitlements: %w", err)
		}
		for _, r := range page {
			if !r.Tier.Paid() || r.SubscriptionID == "" || r.CancelAtPeriodEnd {
				continue
			}
			healed, err := s.healOne(ctx, r.UserID)
			if err != nil {
				report.Failed++
				s.logger.Warn("heal failed", "user_id", r.UserID, "error", err)
				if errors.Is(err, processor.ErrUnavailable) {
					return err
				}
				continue
			}
			if healed {
				report.Healed++
			}
		}
		if len(page) < healPageSize {
			return nil
		}
		last := page[len(page)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.UserID}
	}
}

func (s *Service) healOne(ctx context.Context, userID string) (bool, error) {
	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return false, err
	}
	defer unlock()

	r, err := s.ledger.Get(ctx, userID)
	if err != nil || !r.Tier.Paid() || r.SubscriptionID == "" || r.CancelAtPeriodEnd {
		return false, err
	}
	sub, err := s.processor.GetSubscription(ctx, r.SubscriptionID)
	if err != nil {
		if errors.Is(err, processor.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !sub.CancelAtPeriodEnd || !sub.Active() {
		return false, nil
	}

	if err := s.ledger.MarkCancelling(ctx, r, sub.CurrentPeriodEnd); err != nil {
		return false, err
	}
	s.logger.Info("healed missing cancellation", "user_id", userID, "subscription_id", sub.ID)
	s.triggerRescue(ctx, userID, plans.TierFree, sub.CurrentPeriodEnd)
	return true, nil
}

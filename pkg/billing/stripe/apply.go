package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/plansync/plansync/pkg/plansync"
)

// applySubscription writes the resolved plan and a snapshot of the Stripe
// subscription onto the user's metadata record.
//
// Returns (applied=false, nil) when the event was skipped as stale.
func (p *Provider) applySubscription(
	ctx context.Context, userID string, plan plansync.Plan, sub *stripe.Subscription, eventTime time.Time,
) (bool, error) {
	existing, err := p.store.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, plansync.ErrUserNotFound) {
		return false, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	if existing != nil && isStaleEvent(&existing.Metadata, sub.ID, eventTime) {
		p.logger.Debug("skipping stale event",
			plansync.Field{Key: "subscription_id", Value: sub.ID},
		)
		return false, nil
	}

	patch := &plansync.MetadataPatch{
		Plan: plan,
		Subscription: &plansync.Subscription{
			ID:          sub.ID,
			Status:      string(sub.Status),
			CancelledAt: unixTime(sub.CanceledAt),
			EventTime:   &eventTime,
			UpdatedAt:   time.Now().UTC(),
		},
	}

	if err := p.store.UpdateUserMetadata(ctx, userID, patch); err != nil {
		return false, fmt.Errorf("failed to update user %s: %w", userID, err)
	}

	if existing != nil && existing.Metadata.Plan != plan {
		p.metrics.RecordPlanChange(providerName, string(existing.Metadata.Plan), string(plan))
	}

	p.logger.Info("updated user plan",
		plansync.Field{Key: "user_id", Value: userID},
		plansync.Field{Key: "plan", Value: plan},
		plansync.Field{Key: "subscription_id", Value: sub.ID},
	)
	return true, nil
}

// isStaleEvent guards against out-of-order delivery: an event older than the
// stored snapshot for the same subscription must not overwrite newer state.
func isStaleEvent(meta *plansync.Metadata, subscriptionID string, eventTime time.Time) bool {
	stored := meta.Subscription
	if stored == nil || stored.EventTime == nil || stored.ID != subscriptionID {
		return false
	}
	return !eventTime.After(*stored.EventTime)
}

func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

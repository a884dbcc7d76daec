package polar

import (
	"context"
	"fmt"
	"time"

	"github.com/plansync/plansync/pkg/plansync"
)

// applyEvent writes the resolved plan and subscription snapshot onto the
// user's metadata record. The write replaces the whole subscription
// sub-object keyed by the event's own subscription id and status, so
// provider retries of the same event converge on the same stored state.
//
// Returns (applied=false, nil) when the event was skipped as stale.
func (p *Provider) applyEvent(ctx context.Context, userID string, plan plansync.Plan, ev *webhookEvent) (bool, error) {
	existing, err := p.store.GetUser(ctx, userID)
	if err != nil && !isNotFound(err) {
		return false, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	if existing != nil && isStaleEvent(&existing.Metadata, ev) {
		p.logger.Debug("skipping stale event",
			plansync.Field{Key: "event_type", Value: ev.Type},
			plansync.Field{Key: "subscription_id", Value: ev.Subscription.ID},
		)
		return false, nil
	}

	sub := &ev.Subscription
	patch := &plansync.MetadataPatch{
		Plan: plan,
		Subscription: &plansync.Subscription{
			ID:               sub.ID,
			Status:           sub.Status,
			CurrentPeriodEnd: parseTime(sub.CurrentPeriodEnd),
			CancelledAt:      parseTime(sub.CancelledAt),
			ExpiresAt:        parseTime(sub.ExpiresAt),
			EventTime:        ev.Timestamp,
			UpdatedAt:        time.Now().UTC(),
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
		plansync.Field{Key: "event_type", Value: ev.Type},
	)
	return true, nil
}

// isStaleEvent guards against out-of-order delivery: when both the inbound
// event and the stored snapshot for the same subscription carry a provider
// timestamp, an older event must not overwrite newer state. Events without a
// timestamp fall back to last-write-wins.
func isStaleEvent(meta *plansync.Metadata, ev *webhookEvent) bool {
	if ev.Timestamp == nil {
		return false
	}
	stored := meta.Subscription
	if stored == nil || stored.EventTime == nil || stored.ID != ev.Subscription.ID {
		return false
	}
	return !ev.Timestamp.After(*stored.EventTime)
}

package stripe

import (
	"github.com/stripe/stripe-go/v83"

	"github.com/plansync/plansync/pkg/plansync"
)

// planFromSubscription maps a Stripe subscription onto the plan taxonomy.
//
// An active or trialing subscription resolves through the product map on its
// price ids, defaulting to pro when no price is mapped. Terminal and
// delinquent statuses map to their transitional plans so entitlement checks
// degrade access without losing the fact that the user once paid.
func (p *Provider) planFromSubscription(sub *stripe.Subscription) plansync.Plan {
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return p.planFromItems(sub)
	case stripe.SubscriptionStatusCanceled:
		return plansync.PlanCancelled
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return plansync.PlanPastDue
	case stripe.SubscriptionStatusIncompleteExpired:
		return plansync.PlanExpired
	default:
		return plansync.PlanFree
	}
}

// planFromItems resolves the highest mapped plan across the subscription's
// line items. Unmapped prices on a live subscription default to pro.
func (p *Provider) planFromItems(sub *stripe.Subscription) plansync.Plan {
	best := plansync.PlanFree
	mapped := false

	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			plan, ok := p.products.Lookup(item.Price.ID)
			if !ok {
				continue
			}
			mapped = true
			if plan.AtLeast(best) {
				best = plan
			}
		}
	}

	if !mapped {
		return plansync.PlanPro
	}
	return best
}

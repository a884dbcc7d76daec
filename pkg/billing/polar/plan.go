package polar

import "github.com/plansync/plansync/pkg/plansync"

// Polar subscription status values.
const (
	statusActive    = "active"
	statusTrialing  = "trialing"
	statusCancelled = "cancelled"
	statusExpired   = "expired"
	statusPastDue   = "past_due"
)

// planFromStatus maps a subscription's status and product onto a plan.
// Active and trialing subscriptions take the product mapping, defaulting to
// pro when the product is unknown. Pure function over its inputs plus the
// immutable product map.
func (p *Provider) planFromStatus(sub *subscriptionObject) plansync.Plan {
	switch sub.Status {
	case statusActive, statusTrialing:
		if plan, ok := p.products.Lookup(sub.ProductID); ok {
			return plan
		}
		return plansync.PlanPro
	case statusCancelled:
		return plansync.PlanCancelled
	case statusExpired, statusPastDue:
		return plansync.PlanExpired
	default:
		return plansync.PlanFree
	}
}

// resolvePlan computes the target plan for a classified event. Event types
// with a fixed business meaning override the status table.
// Returns false for kinds that never mutate plan state.
func (p *Provider) resolvePlan(ev *webhookEvent) (plansync.Plan, bool) {
	switch ev.Kind {
	case kindApplyStatus:
		return p.planFromStatus(&ev.Subscription), true
	case kindForceCancelled:
		return plansync.PlanCancelled, true
	case kindForceFree:
		return plansync.PlanFree, true
	case kindForcePastDue:
		return plansync.PlanPastDue, true
	default:
		return plansync.PlanFree, false
	}
}

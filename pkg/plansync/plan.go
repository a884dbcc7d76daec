package plansync

// Plan is the internal coarse-grained entitlement tier for a user.
// Paid tiers are "pro" and "premium"; the remaining values are transitional
// states a subscription passes through before the user lands back on "free".
type Plan string

const (
	// PlanFree is the default tier for users without a subscription
	PlanFree Plan = "free"
	// PlanPro is the entry-level paid tier
	PlanPro Plan = "pro"
	// PlanPremium is the top paid tier
	PlanPremium Plan = "premium"
	// PlanCancelled marks a subscription the user cancelled but that may
	// still be inside its paid period
	PlanCancelled Plan = "cancelled"
	// PlanExpired marks a subscription whose paid period has ended
	PlanExpired Plan = "expired"
	// PlanPastDue marks a subscription with a failed renewal payment
	PlanPastDue Plan = "past_due"
)

// planRank orders plans by entitlement level. Transitional states grant
// nothing, so they rank with free.
var planRank = map[Plan]int{
	PlanFree:      0,
	PlanCancelled: 0,
	PlanExpired:   0,
	PlanPastDue:   0,
	PlanPro:       1,
	PlanPremium:   2,
}

// Valid reports whether p is one of the known plan values.
func (p Plan) Valid() bool {
	_, ok := planRank[p]
	return ok
}

// Paid reports whether p is a paid tier (pro or premium).
func (p Plan) Paid() bool {
	return p == PlanPro || p == PlanPremium
}

// AtLeast reports whether p grants at least the entitlement level of min.
// Unknown plans rank as free.
func (p Plan) AtLeast(min Plan) bool {
	return planRank[p] >= planRank[min]
}

// ParsePlan normalizes a raw string into a Plan, returning ErrInvalidPlan
// for unknown values.
func ParsePlan(s string) (Plan, error) {
	p := Plan(s)
	if !p.Valid() {
		return PlanFree, ErrInvalidPlan
	}
	return p, nil
}

package plansync

import (
	"encoding/json"
	"time"
)

// Subscription is the snapshot of provider-side subscription state stored on
// a user's metadata record. It is replaced wholesale on every reconciliation
// write, keyed by the provider's own subscription id, which makes repeated
// application of the same event naturally idempotent.
type Subscription struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`

	// EventTime is the provider timestamp of the event that produced this
	// snapshot. Used to skip stale out-of-order deliveries for the same
	// subscription. Nil when the provider did not supply one.
	EventTime *time.Time `json:"event_time,omitempty"`

	// UpdatedAt is when the reconciler last wrote this snapshot.
	UpdatedAt time.Time `json:"updated_at"`
}

// Metadata is a user's JSON metadata document. The reconciler owns only the
// "plan" and "subscription" keys; everything else round-trips through Extra
// and must survive patches untouched.
type Metadata struct {
	Plan         Plan
	Subscription *Subscription
	Extra        map[string]any
}

// MarshalJSON flattens the reconciler-owned keys and Extra into one object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(m.Extra)+2)
	for k, v := range m.Extra {
		doc[k] = v
	}
	if m.Plan != "" {
		doc["plan"] = m.Plan
	}
	if m.Subscription != nil {
		doc["subscription"] = m.Subscription
	}
	return json.Marshal(doc)
}

// UnmarshalJSON splits the reconciler-owned keys out of the document and
// keeps the remainder in Extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*m = Metadata{}
	if raw, ok := doc["plan"]; ok {
		var plan Plan
		if err := json.Unmarshal(raw, &plan); err != nil {
			return err
		}
		m.Plan = plan
		delete(doc, "plan")
	}
	if raw, ok := doc["subscription"]; ok {
		var sub Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return err
		}
		m.Subscription = &sub
		delete(doc, "subscription")
	}
	if len(doc) > 0 {
		m.Extra = make(map[string]any, len(doc))
		for k, raw := range doc {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			m.Extra[k] = v
		}
	}
	return nil
}

// ActivePlan returns the effective plan at the given time. A paid plan whose
// subscription expiry or period end has passed degrades to expired without
// waiting for the provider to send the expiration event.
func (m *Metadata) ActivePlan(now time.Time) Plan {
	plan := m.Plan
	if plan == "" {
		return PlanFree
	}
	if !plan.Paid() || m.Subscription == nil {
		return plan
	}
	if t := m.Subscription.ExpiresAt; t != nil && t.Before(now) {
		return PlanExpired
	}
	if t := m.Subscription.CurrentPeriodEnd; t != nil && t.Before(now) {
		return PlanExpired
	}
	return plan
}

// User is a record in the identity/metadata store.
type User struct {
	// ID is the opaque stable identifier, primary key into the store
	ID string

	// ExternalID is a secondary attribute holding the billing provider's
	// customer id, set at checkout time
	ExternalID string

	// Email is informational only; never used for resolution
	Email string

	Metadata Metadata
}

// MetadataPatch is a partial update to a user's metadata. Only the plan and
// subscription keys are written; a nil Subscription leaves the stored
// snapshot in place.
type MetadataPatch struct {
	Plan         Plan
	Subscription *Subscription
}

// Validate checks the patch is well formed.
func (p *MetadataPatch) Validate() error {
	if p == nil || !p.Plan.Valid() {
		return ErrInvalidPatch
	}
	return nil
}

// Apply merges the patch into a metadata document, preserving Extra.
func (p *MetadataPatch) Apply(m Metadata) Metadata {
	m.Plan = p.Plan
	if p.Subscription != nil {
		sub := *p.Subscription
		m.Subscription = &sub
	}
	return m
}

// ProductMap is the immutable mapping from a provider product identifier to
// a paid plan tier. Built once at startup and passed into provider configs;
// safe for unsynchronized concurrent reads.
type ProductMap map[string]Plan

// Lookup returns the plan for a product id and whether the product is known.
func (pm ProductMap) Lookup(productID string) (Plan, bool) {
	plan, ok := pm[productID]
	return plan, ok
}

// Validate ensures every mapped value is a paid tier.
func (pm ProductMap) Validate() error {
	for _, plan := range pm {
		if !plan.Paid() {
			return ErrInvalidPlan
		}
	}
	return nil
}

package api

import "time"

// PlanResponse represents the effective plan state for a user
type PlanResponse struct {
	UserID       string            `json:"user_id"`
	Plan         string            `json:"plan"`
	Status       string            `json:"status"` // "active", "expired", "default"
	Subscription *SubscriptionInfo `json:"subscription,omitempty"`
}

// SubscriptionInfo is the stored subscription snapshot, as exposed to clients
type SubscriptionInfo struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CheckoutResponse carries the hosted checkout URL back to the client
type CheckoutResponse struct {
	URL string `json:"url"`
}

// SyncResponse reports the plan resulting from a forced provider sync
type SyncResponse struct {
	UserID string `json:"user_id"`
	Plan   string `json:"plan"`
}

package polar

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Polar webhook event types this provider understands. Anything else is
// acknowledged without side effects.
const (
	eventSubscriptionCreated     = "subscription.created"
	eventSubscriptionUpdated     = "subscription.updated"
	eventSubscriptionCancelled   = "subscription.cancelled"
	eventSubscriptionExpired     = "subscription.expired"
	eventSubscriptionRenewed     = "subscription.renewed"
	eventSubscriptionReactivated = "subscription.reactivated"
	eventPaymentSucceeded        = "payment.succeeded"
	eventPaymentFailed           = "payment.failed"
	eventCustomerCreated         = "customer.created"
	eventCustomerUpdated         = "customer.updated"
)

// eventKind classifies an event type by its business meaning. The payload is
// parsed into this tagged form at the boundary so nothing downstream handles
// loosely-typed maps.
type eventKind int

const (
	// kindApplyStatus derives the plan from subscription status + product
	kindApplyStatus eventKind = iota
	// kindForceCancelled forces plan=cancelled regardless of status
	kindForceCancelled
	// kindForceFree forces plan=free (subscription fully expired)
	kindForceFree
	// kindForcePastDue forces plan=past_due (renewal payment failed)
	kindForcePastDue
	// kindCustomer is a customer lifecycle event; acknowledged, no mutation
	kindCustomer
	// kindUnknown is an unrecognized event type; acknowledged and logged
	kindUnknown
)

func classifyEvent(eventType string) eventKind {
	switch eventType {
	case eventSubscriptionCreated, eventSubscriptionUpdated,
		eventSubscriptionRenewed, eventSubscriptionReactivated,
		eventPaymentSucceeded:
		return kindApplyStatus
	case eventSubscriptionCancelled:
		return kindForceCancelled
	case eventSubscriptionExpired:
		return kindForceFree
	case eventPaymentFailed:
		return kindForcePastDue
	case eventCustomerCreated, eventCustomerUpdated:
		return kindCustomer
	default:
		return kindUnknown
	}
}

// mutates reports whether events of this kind produce a plan write.
func (k eventKind) mutates() bool {
	switch k {
	case kindCustomer, kindUnknown:
		return false
	default:
		return true
	}
}

// webhookPayload is the wire shape of a Polar webhook body.
type webhookPayload struct {
	Type string `json:"type"`

	// Timestamp is the provider-side event creation time. Older payload
	// versions omit it; the stale-event guard then falls back to
	// last-write-wins.
	Timestamp string `json:"timestamp"`

	Data struct {
		Object subscriptionObject `json:"object"`
	} `json:"data"`
}

// subscriptionObject is the nested subscription (or customer) object.
// Timestamps arrive as RFC3339 strings.
type subscriptionObject struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	UserID           string `json:"user_id"`
	CustomerID       string `json:"customer_id"`
	ProductID        string `json:"product_id"`
	CurrentPeriodEnd string `json:"current_period_end"`
	CancelledAt      string `json:"cancelled_at"`
	ExpiresAt        string `json:"expires_at"`
}

// webhookEvent is the parsed, classified event handed to the reconciler.
type webhookEvent struct {
	Type         string
	Kind         eventKind
	Timestamp    *time.Time
	Subscription subscriptionObject
}

// parseWebhookEvent parses and classifies a raw webhook body.
func parseWebhookEvent(body []byte) (*webhookEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	eventType := strings.TrimSpace(payload.Type)
	if eventType == "" {
		return nil, fmt.Errorf("event type missing")
	}

	return &webhookEvent{
		Type:         eventType,
		Kind:         classifyEvent(eventType),
		Timestamp:    parseTime(payload.Timestamp),
		Subscription: payload.Data.Object,
	}, nil
}

// parseTime parses an RFC3339 timestamp, returning nil for empty or
// malformed values. Provider payloads are not trusted to be well-formed.
func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil
		}
	}
	t = t.UTC()
	return &t
}

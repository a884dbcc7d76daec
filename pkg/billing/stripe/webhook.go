package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/plansync/plansync/pkg/billing/internal"
	"github.com/plansync/plansync/pkg/plansync"
)

// handleWebhook processes incoming Stripe webhook events
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		p.metrics.RecordWebhookError(providerName, "not_configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		if errors.Is(err, plansync.ErrUserNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			p.metrics.RecordWebhookError(providerName, "user_not_found")
		} else {
			http.Error(w, "failed to process webhook", http.StatusInternalServerError)
			p.metrics.RecordWebhookError(providerName, "processing_error")
		}
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent dispatches a verified event to its handler.
// Unknown event types are acknowledged without changing state.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	eventTime := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		return p.handleSubscriptionChange(ctx, event, eventTime)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event, eventTime)
	case "invoice.payment_succeeded":
		return p.handleInvoicePayment(ctx, event, eventTime, false)
	case "invoice.payment_failed":
		return p.handleInvoicePayment(ctx, event, eventTime, true)
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event, eventTime)
	default:
		p.logger.Debug("ignoring webhook event",
			plansync.Field{Key: "event_type", Value: string(event.Type)},
		)
		return nil
	}
}

// handleSubscriptionChange processes subscription lifecycle events that carry
// the subscription object in the payload.
func (p *Provider) handleSubscriptionChange(ctx context.Context, event *stripe.Event, eventTime time.Time) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	userID, err := p.extractUserID(ctx, &subscription)
	if err != nil {
		return err
	}

	plan := p.planFromSubscription(&subscription)
	_, err = p.applySubscription(ctx, userID, plan, &subscription, eventTime)
	return err
}

// handleSubscriptionDeleted forces the cancelled plan regardless of the
// status the deleted subscription reports.
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event, eventTime time.Time) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	userID, err := p.extractUserID(ctx, &subscription)
	if err != nil {
		return err
	}

	_, err = p.applySubscription(ctx, userID, plansync.PlanCancelled, &subscription, eventTime)
	return err
}

// handleInvoicePayment processes invoice payment outcomes. Payment failure
// marks the user past due; success re-derives the plan from the subscription.
// Invoices without a subscription reference are acknowledged and ignored.
func (p *Provider) handleInvoicePayment(
	ctx context.Context, event *stripe.Event, eventTime time.Time, failed bool,
) error {
	subscriptionID := extractInvoiceSubscriptionID(event.Data.Raw)
	if subscriptionID == "" {
		return nil
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription: %w", err)
	}

	userID, err := p.extractUserID(ctx, sub)
	if err != nil {
		return err
	}

	plan := p.planFromSubscription(sub)
	if failed {
		plan = plansync.PlanPastDue
	}

	_, err = p.applySubscription(ctx, userID, plan, sub, eventTime)
	return err
}

// handleCheckoutSessionCompleted links the new subscription back to the user
// that started the checkout and applies the plan immediately instead of
// waiting for the subscription webhook.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event, eventTime time.Time) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	userID := ""
	if session.Metadata != nil {
		userID = session.Metadata[userIDMetadataKey]
	}
	if userID == "" {
		return fmt.Errorf("%w: metadata.user_id missing on checkout session %s", plansync.ErrUserNotFound, session.ID)
	}

	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if subscriptionID == "" {
		// One-time payment checkout, nothing to reconcile
		return nil
	}

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription: %w", err)
	}

	if sub.Metadata == nil || sub.Metadata[userIDMetadataKey] == "" {
		params := &stripe.SubscriptionUpdateParams{}
		params.AddMetadata(userIDMetadataKey, userID)
		sub, err = p.stripeClient.V1Subscriptions.Update(ctx, subscriptionID, params)
		if err != nil {
			return fmt.Errorf("failed to patch subscription metadata: %w", err)
		}
	}

	plan := p.planFromSubscription(sub)
	_, err = p.applySubscription(ctx, userID, plan, sub, eventTime)
	return err
}

// extractUserID resolves the internal user for a Stripe subscription:
// subscription metadata first, then the identity store's external-id index
// keyed by the Stripe customer id, then customer metadata fetched from the
// Stripe API.
func (p *Provider) extractUserID(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if sub.Metadata != nil {
		if userID := sub.Metadata[userIDMetadataKey]; userID != "" {
			return userID, nil
		}
	}

	if sub.Customer != nil && sub.Customer.ID != "" {
		users, err := p.store.FindUsersByExternalID(ctx, sub.Customer.ID)
		if err != nil {
			return "", fmt.Errorf("failed to look up users for customer %s: %w", sub.Customer.ID, err)
		}
		if len(users) > 0 {
			if len(users) > 1 {
				p.logger.Warn("multiple users share a customer id",
					plansync.Field{Key: "customer_id", Value: sub.Customer.ID},
					plansync.Field{Key: "matches", Value: len(users)},
				)
			}
			return users[0].ID, nil
		}

		cust, err := p.stripeClient.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
		if err == nil && cust.Metadata != nil {
			if userID := cust.Metadata[userIDMetadataKey]; userID != "" {
				return userID, nil
			}
		}
	}

	return "", fmt.Errorf("%w: no user for subscription %s", plansync.ErrUserNotFound, sub.ID)
}

// extractInvoiceSubscriptionID pulls the subscription reference out of a raw
// invoice payload. Stripe serializes it as either an id string or an
// expanded object depending on the event.
func extractInvoiceSubscriptionID(raw json.RawMessage) string {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return ""
	}

	switch v := data["subscription"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/plansync/plansync/pkg/billing"
	"github.com/plansync/plansync/pkg/plansync"
)

// syncUserFromAPI reconciles a user's plan against the Stripe API. It is the
// recovery path for missed webhooks: the most recently created subscription
// wins, and a user with no subscriptions at all is reset to free.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (plansync.Plan, error) {
	startTime := time.Now()

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		if errors.Is(err, billing.ErrCustomerNotFound) || errors.Is(err, plansync.ErrUserNotFound) {
			return p.syncToFree(ctx, userID, startTime)
		}
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return plansync.PlanFree, err
	}

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var latest *stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions", "error")
			p.metrics.RecordUserSync(providerName, "error")
			p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
			return plansync.PlanFree, fmt.Errorf("%w: failed to list subscriptions: %v", billing.ErrProviderAPIError, err)
		}
		if latest == nil || sub.Created > latest.Created {
			latest = sub
		}
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions", "200")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions", time.Since(startTime))

	if latest == nil {
		return p.syncToFree(ctx, userID, startTime)
	}

	plan := p.planFromSubscription(latest)
	if _, err := p.applySubscription(ctx, userID, plan, latest, time.Now().UTC()); err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return plan, err
	}

	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	return plan, nil
}

// syncToFree resets a user's plan when Stripe has no record of them.
func (p *Provider) syncToFree(ctx context.Context, userID string, startTime time.Time) (plansync.Plan, error) {
	patch := &plansync.MetadataPatch{Plan: plansync.PlanFree}
	if err := p.store.UpdateUserMetadata(ctx, userID, patch); err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return plansync.PlanFree, fmt.Errorf("failed to reset user %s: %w", userID, err)
	}

	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	return plansync.PlanFree, nil
}

// resolveCustomerID finds the Stripe customer id for an internal user.
// Order: the user's stored external id, the optional resolver hook, then the
// Stripe Search API as the slow path.
func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	user, err := p.store.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, plansync.ErrUserNotFound) {
		return "", err
	}
	if user != nil && user.ExternalID != "" {
		return user.ExternalID, nil
	}

	if p.customerIDResolver != nil {
		customerID, err := p.customerIDResolver(ctx, userID)
		if err == nil && customerID != "" {
			return customerID, nil
		}
	}

	return p.searchCustomerByMetadata(ctx, userID)
}

// searchCustomerByMetadata looks the customer up through the Stripe Search
// API. Slow and eventually consistent; only used when no local link exists.
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", userIDMetadataKey, userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("%w: customer search: %v", billing.ErrProviderAPIError, err)
		}
		// The Search API can return partial matches
		if cust.Metadata != nil && cust.Metadata[userIDMetadataKey] == userID {
			return cust.ID, nil
		}
	}

	return "", billing.ErrCustomerNotFound
}

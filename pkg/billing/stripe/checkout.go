package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/plansync/plansync/pkg/billing"
)

// CheckoutRequest describes a hosted checkout session to create.
type CheckoutRequest struct {
	// UserID is the internal user id of the authenticated buyer (required).
	UserID string

	// PriceID is the Stripe price to subscribe to (required).
	PriceID string

	// SuccessURL and CancelURL are the Stripe redirect targets.
	SuccessURL string
	CancelURL  string
}

// CheckoutURL creates a Stripe Checkout Session and returns its URL.
// The user id is injected into the subscription metadata so the
// checkout.session.completed webhook can link the purchase back.
func (p *Provider) CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error) {
	startTime := time.Now()

	if req.UserID == "" || req.PriceID == "" {
		return "", fmt.Errorf("%w: user id and price id are required", billing.ErrInvalidWebhookPayload)
	}

	// Attach the existing customer when one is known; failing on real store
	// errors avoids creating duplicate Stripe customers.
	customerID, err := p.resolveCustomerID(ctx, req.UserID)
	if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata:   map[string]string{userIDMetadataKey: req.UserID},
	}

	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(userIDMetadataKey, req.UserID)

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		params.ClientReferenceID = stripe.String(req.UserID)
		params.CustomerCreation = stripe.String("always")
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		return "", fmt.Errorf("%w: failed to create checkout session: %v", billing.ErrProviderAPIError, err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	return session.URL, nil
}

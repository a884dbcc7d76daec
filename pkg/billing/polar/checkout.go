package polar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/plansync/plansync/pkg/billing"
)

// CheckoutRequest describes a hosted checkout session to create.
type CheckoutRequest struct {
	// UserID is the internal user id of the authenticated buyer (required).
	UserID string

	// ProductID is the Polar product to purchase (required).
	ProductID string

	// Email pre-fills the checkout form.
	Email string

	// SuccessURL is where Polar redirects after payment.
	SuccessURL string
}

// checkoutCreateBody is the wire shape of POST /v1/checkouts.
// ExternalCustomerID and the metadata echo are what let later webhooks
// resolve the buyer in O(1) instead of scanning.
type checkoutCreateBody struct {
	Products           []string          `json:"products"`
	SuccessURL         string            `json:"success_url,omitempty"`
	ExternalCustomerID string            `json:"external_customer_id"`
	CustomerEmail      string            `json:"customer_email,omitempty"`
	Metadata           map[string]string `json:"metadata"`
}

type checkoutCreateResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CheckoutURL creates a hosted checkout session and returns its URL.
// Stateless: nothing is written to the identity store here; the plan lands
// via the subscription.created webhook once payment completes.
func (p *Provider) CheckoutURL(ctx context.Context, req CheckoutRequest) (string, error) {
	startTime := time.Now()

	if p.accessToken == "" {
		return "", billing.ErrProviderNotConfigured
	}
	if req.UserID == "" || req.ProductID == "" {
		return "", fmt.Errorf("%w: user id and product id are required", billing.ErrInvalidWebhookPayload)
	}

	body, err := json.Marshal(checkoutCreateBody{
		Products:           []string{req.ProductID},
		SuccessURL:         req.SuccessURL,
		ExternalCustomerID: req.UserID,
		CustomerEmail:      req.Email,
		Metadata:           map[string]string{"user_id": req.UserID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode checkout request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBaseURL+"/checkouts", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.accessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	res, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkouts", "error")
		return "", fmt.Errorf("checkout request failed: %w", err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkouts", "error")
		return "", fmt.Errorf("failed to read checkout response: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/checkouts", fmt.Sprintf("%d", res.StatusCode))
	p.metrics.RecordAPICallDuration(providerName, "/checkouts", time.Since(startTime))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("%w: checkout returned status %d", billing.ErrProviderAPIError, res.StatusCode)
	}

	var checkout checkoutCreateResponse
	if err := json.Unmarshal(resBody, &checkout); err != nil {
		return "", fmt.Errorf("failed to parse checkout response: %w", err)
	}
	if checkout.URL == "" {
		return "", fmt.Errorf("%w: checkout response missing url", billing.ErrProviderAPIError)
	}

	return checkout.URL, nil
}

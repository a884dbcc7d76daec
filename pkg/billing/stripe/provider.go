// Package stripe implements the billing.Provider interface for Stripe.
// Webhook signatures are verified with the Stripe SDK; subscription state is
// mapped onto the internal plan taxonomy and written to the identity store.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/plansync/plansync/pkg/billing"
	"github.com/plansync/plansync/pkg/billing/internal"
	"github.com/plansync/plansync/pkg/plansync"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxBodyBytes             = 256 * 1024

	userIDMetadataKey = "user_id"
)

// Config extends billing.Config with Stripe-specific options.
// billing.Config.AccessToken carries the Stripe secret API key.
type Config struct {
	billing.Config

	// CustomerIDResolver is an optional hook that maps an internal user id
	// to a Stripe customer id. When set, SyncUser and checkout use it
	// before falling back to the Stripe Search API.
	CustomerIDResolver func(context.Context, string) (string, error)
}

// Provider implements the billing.Provider interface for Stripe.
type Provider struct {
	store              plansync.IdentityStore
	products           plansync.ProductMap
	webhookSecret      []byte
	apiKey             string
	httpClient         *http.Client
	rateLimiter        *internal.RateLimiter
	stripeClient       *stripe.Client
	customerIDResolver func(context.Context, string) (string, error)
	logger             plansync.Logger
	metrics            billing.Metrics
}

// NewProvider creates a new Stripe billing provider.
// Unlike webhook verification, every Stripe code path goes through the SDK
// client, so a missing API key is a constructor error.
func NewProvider(config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	apiKey := strings.TrimSpace(config.AccessToken)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	logger := config.Logger
	if logger == nil {
		logger = &plansync.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		store:              config.Store,
		products:           config.Products,
		webhookSecret:      []byte(strings.TrimSpace(config.WebhookSecret)),
		apiKey:             apiKey,
		httpClient:         httpClient,
		rateLimiter:        internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		stripeClient:       stripe.NewClient(apiKey),
		customerIDResolver: config.CustomerIDResolver,
		logger:             logger,
		metrics:            metrics,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}

// SyncUser synchronizes a user's plan from the Stripe API.
func (p *Provider) SyncUser(ctx context.Context, userID string) (plansync.Plan, error) {
	return p.syncUserFromAPI(ctx, userID)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

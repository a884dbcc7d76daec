// Package polar implements the billing.Provider interface for Polar.
// It receives Polar webhook events, verifies their HMAC signature, maps
// subscription state onto the internal plan taxonomy and persists the result
// into the configured identity store.
package polar

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/plansync/plansync/pkg/billing"
	"github.com/plansync/plansync/pkg/billing/internal"
	"github.com/plansync/plansync/pkg/plansync"
)

const (
	providerName             = "polar"
	polarAPIBaseURL          = "https://api.polar.sh/v1"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxBodyBytes             = 256 * 1024

	// Polar has historically sent the signature under either name.
	signatureHeader    = "X-Polar-Signature"
	signatureHeaderAlt = "Polar-Signature"

	// Metadata key the checkout flow writes so later webhooks can be
	// matched to a user without the external-id index.
	customerIDMetadataKey = "polar_customer_id"
)

// Config extends billing.Config with Polar-specific options.
type Config struct {
	billing.Config

	// APIBaseURL overrides the Polar API endpoint (sandbox, tests).
	// Defaults to the production API.
	APIBaseURL string

	// ScanPageSize and ScanMaxPages bound the last-resort metadata scan
	// used when a customer id has no external-id match. Defaults: 500 / 10.
	// The scan exists for accounts created before the external-id link was
	// set up; exceeding the cap reports the user as not found.
	ScanPageSize int
	ScanMaxPages int
}

// Provider implements the billing.Provider interface for Polar.
type Provider struct {
	store         plansync.IdentityStore
	products      plansync.ProductMap
	webhookSecret []byte
	accessToken   string
	apiBaseURL    string
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	scanPageSize  int
	scanMaxPages  int
	logger        plansync.Logger
	metrics       billing.Metrics
}

// NewProvider creates a new Polar billing provider.
// An empty webhook secret is not a constructor error: the endpoint answers
// such requests with a configuration failure instead, so a half-configured
// deployment degrades per-request rather than refusing to boot.
func NewProvider(config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	apiBaseURL := strings.TrimSuffix(config.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = polarAPIBaseURL
	}

	scanPageSize := config.ScanPageSize
	if scanPageSize <= 0 {
		scanPageSize = 500
	}
	scanMaxPages := config.ScanMaxPages
	if scanMaxPages <= 0 {
		scanMaxPages = 10
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
		store:         config.Store,
		products:      config.Products,
		webhookSecret: []byte(strings.TrimSpace(config.WebhookSecret)),
		accessToken:   strings.TrimSpace(config.AccessToken),
		apiBaseURL:    apiBaseURL,
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		scanPageSize:  scanPageSize,
		scanMaxPages:  scanMaxPages,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Polar webhooks.
// GET handles the provider's verification handshake; POST processes events.
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			p.handleChallenge(w, r)
		case http.MethodPost:
			p.handleWebhook(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	return p.rateLimiter.Middleware(handler)
}

// SyncUser synchronizes a user's plan from the Polar API.
func (p *Provider) SyncUser(ctx context.Context, userID string) (plansync.Plan, error) {
	return p.syncUserFromAPI(ctx, userID)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

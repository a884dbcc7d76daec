package billing

import (
	"net/http"

	"github.com/plansync/plansync/pkg/plansync"
)

// Config defines the standard configuration all providers accept.
// Everything a provider needs is passed in here explicitly; providers keep
// no ambient global state.
type Config struct {
	// Store is the identity/metadata store that plan writes land in (required).
	Store plansync.IdentityStore

	// Products maps provider product/price IDs to paid plan tiers.
	// Unknown products on an active subscription default to plansync.PlanPro.
	Products plansync.ProductMap

	// WebhookSecret is the shared secret used to verify inbound webhook
	// signatures. A provider whose secret is empty rejects every webhook
	// with a configuration error rather than failing startup.
	WebhookSecret string

	// AccessToken authenticates outbound API calls to the billing provider
	// (checkout creation, SyncUser).
	AccessToken string

	// HTTPClient is an optional client for outbound API calls.
	// If nil, a default client with a 10s timeout is used.
	HTTPClient *http.Client

	// Logger receives structured reconciliation logs. Log lines never
	// include the signing secret or raw request bodies.
	// If nil, logging is a no-op.
	Logger plansync.Logger

	// Metrics is an optional collector for webhook and API call metrics.
	// If nil, metrics are silently dropped.
	// Use billing/metrics/prometheus.NewMetrics for Prometheus.
	Metrics Metrics
}

// Validate checks the parts of the configuration every provider requires.
func (c *Config) Validate() error {
	if c.Store == nil {
		return ErrProviderNotConfigured
	}
	if err := c.Products.Validate(); err != nil {
		return err
	}
	return nil
}

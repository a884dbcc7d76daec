package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/plansync/plansync/pkg/billing"
	"github.com/plansync/plansync/pkg/plansync"
)

// CheckoutRequest is the provider-neutral description of a hosted checkout
// to start. The application adapts it to the concrete provider (Polar
// product id, Stripe price id) in the StartCheckout callback.
type CheckoutRequest struct {
	// UserID is the internal id of the authenticated buyer.
	UserID string

	// ProductID identifies what is being purchased, in the provider's
	// own namespace.
	ProductID string

	// Email optionally pre-fills the checkout form.
	Email string

	// SuccessURL is where the provider redirects after payment.
	SuccessURL string
}

// Config holds configuration for the plan API handler
type Config struct {
	// Store is the identity store to read plan state from (required)
	Store plansync.IdentityStore

	// GetUserID extracts user ID from HTTP request (required)
	// Same pattern as middleware/http
	GetUserID func(*http.Request) string

	// Providers are mounted under /webhooks/<name>. The first provider is
	// also the default target for POST /sync.
	Providers []billing.Provider

	// StartCheckout creates a hosted checkout session and returns its URL.
	// If nil, POST /checkout responds 501.
	StartCheckout func(ctx context.Context, req CheckoutRequest) (string, error)

	// Now returns the current time; defaults to time.Now. Overridable for tests.
	Now func() time.Time

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional; defaults to NoopLogger
	Logger plansync.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new plan API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = &plansync.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

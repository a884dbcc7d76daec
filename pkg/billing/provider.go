package billing

import (
	"context"
	"net/http"

	"github.com/plansync/plansync/pkg/plansync"
)

// Provider is the generic interface a billing backend must implement.
// The application mounts the webhook handler and otherwise never talks to
// the provider package directly, which keeps backends swappable.
type Provider interface {
	// Name returns the provider name (e.g. "polar", "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes inbound
	// provider events. The implementation handles signature verification,
	// parsing, user resolution and the plan write internally.
	WebhookHandler() http.Handler

	// SyncUser forces a synchronization of the user's subscription state
	// from the provider into the identity store. Used for "restore
	// purchases" flows or nightly reconciliation jobs.
	// Returns the resulting plan and any error.
	SyncUser(ctx context.Context, userID string) (plansync.Plan, error)
}

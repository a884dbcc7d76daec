package polar

import (
	"errors"
	"net/http"
	"time"

	"github.com/plansync/plansync/pkg/billing/internal"
	"github.com/plansync/plansync/pkg/plansync"
)

// handleWebhook processes an inbound Polar event:
// verify signature -> parse -> classify -> resolve user -> resolve plan -> persist.
// Every internal failure is translated to an HTTP outcome here; responses
// never echo the signing secret or the raw body.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if len(p.webhookSecret) == 0 {
		// Misconfiguration is request-fatal, not process-fatal. 500 keeps
		// the provider retrying until an operator sets the secret.
		p.logger.Error("webhook secret not configured")
		p.metrics.RecordWebhookError(providerName, "not_configured")
		internal.WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "webhook not configured"})
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			internal.WriteJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
		} else {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			internal.WriteJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payload"})
		}
		return
	}

	if !p.verifySignature(body, extractSignature(r)) {
		// Do not parse further and do not log the body.
		p.logger.Warn("invalid webhook signature")
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		internal.WriteJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
		return
	}

	ev, err := parseWebhookEvent(body)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		internal.WriteJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "malformed event"})
		return
	}

	status := p.processEvent(w, r, ev)
	p.metrics.RecordWebhookEvent(providerName, ev.Type, status)
	p.metrics.RecordWebhookProcessingDuration(providerName, ev.Type, time.Since(startTime))
}

// processEvent runs the verified, parsed event through resolution and
// persistence and writes the HTTP response. Returns the metric status label.
func (p *Provider) processEvent(w http.ResponseWriter, r *http.Request, ev *webhookEvent) string {
	ctx := r.Context()

	if !ev.Kind.mutates() {
		if ev.Kind == kindUnknown {
			p.logger.Info("unhandled webhook event",
				plansync.Field{Key: "event_type", Value: ev.Type})
		}
		internal.WriteJSON(w, http.StatusOK, receivedResponse{Received: true})
		return "noop"
	}

	userID, err := p.resolveUserID(ctx, &ev.Subscription)
	if err != nil {
		if isNotFound(err) {
			p.logger.Warn("no user for subscription",
				plansync.Field{Key: "event_type", Value: ev.Type},
				plansync.Field{Key: "subscription_id", Value: ev.Subscription.ID},
			)
			p.metrics.RecordWebhookError(providerName, "user_not_found")
			internal.WriteJSON(w, http.StatusNotFound, errorResponse{Error: "user not found"})
			return "error"
		}
		p.logger.Error("user resolution failed",
			plansync.Field{Key: "event_type", Value: ev.Type},
			plansync.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookError(providerName, "store_error")
		internal.WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to process webhook"})
		return "error"
	}

	plan, mutate := p.resolvePlan(ev)
	if !mutate {
		internal.WriteJSON(w, http.StatusOK, receivedResponse{Received: true})
		return "noop"
	}

	applied, err := p.applyEvent(ctx, userID, plan, ev)
	if err != nil {
		if isNotFound(err) {
			// The event named a user id the store has no row for yet,
			// usually the checkout race. 404 keeps the provider retrying.
			p.logger.Warn("no user for subscription",
				plansync.Field{Key: "event_type", Value: ev.Type},
				plansync.Field{Key: "subscription_id", Value: ev.Subscription.ID},
			)
			p.metrics.RecordWebhookError(providerName, "user_not_found")
			internal.WriteJSON(w, http.StatusNotFound, errorResponse{Error: "user not found"})
			return "error"
		}
		// The store write failed; do not claim success so the provider
		// retries with backoff.
		p.logger.Error("failed to persist plan",
			plansync.Field{Key: "event_type", Value: ev.Type},
			plansync.Field{Key: "subscription_id", Value: ev.Subscription.ID},
			plansync.Field{Key: "error", Value: err.Error()},
		)
		p.metrics.RecordWebhookError(providerName, "store_error")
		internal.WriteJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to process webhook"})
		return "error"
	}

	internal.WriteJSON(w, http.StatusOK, receivedResponse{Received: true})
	if !applied {
		return "noop"
	}
	return "success"
}

// handleChallenge answers Polar's endpoint verification handshake: echo the
// challenge parameter when present, otherwise a static acknowledgement.
func (p *Provider) handleChallenge(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	if challenge := r.URL.Query().Get("challenge"); challenge != "" {
		internal.WriteJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
		return
	}
	internal.WriteJSON(w, http.StatusOK, map[string]string{"message": "polar webhook endpoint"})
}

type receivedResponse struct {
	Received bool `json:"received"`
}

type errorResponse struct {
	Error string `json:"error"`
}

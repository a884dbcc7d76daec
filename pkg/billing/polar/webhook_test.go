package polar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plansync/plansync/identity/memory"
	"github.com/plansync/plansync/pkg/billing"
	"github.com/plansync/plansync/pkg/plansync"
)

// trackingStore wraps the memory store to count and optionally fail
// metadata writes.
type trackingStore struct {
	*memory.Store
	updateCalls int
	failUpdates bool
}

func newTrackingStore() *trackingStore {
	return &trackingStore{Store: memory.New()}
}

func (s *trackingStore) UpdateUserMetadata(ctx context.Context, id string, patch *plansync.MetadataPatch) error {
	s.updateCalls++
	if s.failUpdates {
		return errors.New("store write failed")
	}
	return s.Store.UpdateUserMetadata(ctx, id, patch)
}

func newWebhookTestProvider(t *testing.T, store plansync.IdentityStore) *Provider {
	t.Helper()
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Store:         store,
			WebhookSecret: testSecret,
			Products:      testProducts(),
		},
	})
	require.NoError(t, err)
	return provider
}

func postEvent(t *testing.T, handler http.Handler, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/polar", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func eventBody(t *testing.T, eventType string, sub map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type": eventType,
		"data": map[string]any{"object": sub},
	})
	require.NoError(t, err)
	return body
}

func TestWebhookNewSubscription(t *testing.T) {
	store := newTrackingStore()
	store.SeedUser(&plansync.User{ID: "u1"})
	provider := newWebhookTestProvider(t, store)
	handler := provider.WebhookHandler()

	body := eventBody(t, "subscription.created", map[string]any{
		"id":         "sub_1",
		"status":     "active",
		"user_id":    "u1",
		"product_id": testProductPremium,
	})

	rec := postEvent(t, handler, body, Sign(body, testSecret))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	user, err := store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, plansync.PlanPremium, user.Metadata.Plan)
	assert.Equal(t, "sub_1", user.Metadata.Subscription.ID)
}

func TestWebhookCancellationOverridesStatusTable(t *testing.T) {
	store := newTrackingStore()
	store.SeedUser(&plansync.User{ID: "u1", Metadata: plansync.Metadata{Plan: plansync.PlanPremium}})
	provider := newWebhookTestProvider(t, store)

	body := eventBody(t, "subscription.cancelled", map[string]any{
		"id":      "sub_1",
		"status":  "cancelled",
		"user_id": "u1",
	})

	rec := postEvent(t, provider.WebhookHandler(), body, Sign(body, testSecret))
	assert.Equal(t, http.StatusOK, rec.Code)

	user, err := store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, plansync.PlanCancelled, user.Metadata.Plan)
}

func TestWebhookUnknownProductDefaultsToPro(t *testing.T) {
	store := newTrackingStore()
	store.SeedUser(&plansync.User{ID: "u1"})
	provider := newWebhookTestProvider(t, store)

	body := eventBody(t, "subscription.created", map[string]any{
		"id":         "sub_1",
		"status":     "active",
		"user_id":    "u1",
		"product_id": testUnknownProductID,
	})

	rec := postEvent(t, provider.WebhookHandler(), body, Sign(body, testSecret))
	assert.Equal(t, http.StatusOK, rec.Code)

	user, err := store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, plansync.PlanPro, user.Metadata.Plan)
}

func TestWebhookBadSignatureNoMutation(t *testing.T) {
	store := newTrackingStore()
	store.SeedUser(&plansync.User{ID: "u1"})
	provider := newWebhookTestProvider(t, store)
	handler := provider.WebhookHandler()

	body := eventBody(t, "subscription.created", map[string]any{
		"id": "sub_1", "status": "active", "user_id": "u1",
	})

	// Wrong secret
	rec := postEvent(t, handler, body, Sign(body, "wrong-secret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Missing header
	rec = postEvent(t, handler, body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Zero(t, store.updateCalls, "no store write may happen on auth failure")
}

func TestWebhookCustomerIDResolution(t *testing.T) {
	store := newTrackingStore()
	store.SeedUser(&plansync.User{ID: "u9", ExternalID: testCustomerID})
	provider := newWebhookTestProvider(t, store)

	body := eventBody(t, "subscription.created", map[string]any{
		"id":          "sub_1",
		"status":      "active",
		"customer_id": testCustomerID,
		"product_id":  testProductPro,
	})

	rec := postEvent(t, provider.WebhookHandler(), body, Sign(body, testSecret))
	assert.Equal(t, http.StatusOK, rec.Code)

	user, err := store.GetUser(context.Background(), "u9")
	require.NoError(t, err)
	assert.Equal(t, plansync.PlanPro, user.Metadata.Plan)
}

func TestWebhookUnresolvableUser(t *testing.T) {
	store := newTrackingStore()
	provider := newWebhookTestProvider(t, store)

	body := eventBody(t, "subscription.created", map[string]any{
		"id":          "sub_1",
		"status":      "active",
		"customer_id": "cus_nobody",
	})

	rec := postEvent(t, provider.WebhookHandler(), body, Sign(body, testSecret))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, store.updateCalls)
}

func TestWebhookDirectUserIDForMissingUserIs404(t *testing.T) {
	store := newTrackingStore()
	provider := newWebhookTestProvider(t, store)

	// The event's user_id path bypasses resolution, so the missing row
	// only shows up on the write. Still a 404, not a store error.
	body := eventBody(t, "subscription.created", map[string]any{
		"id":      "sub_1",
		"status":  "active",
		"user_id": "u_not_yet",
	})

	rec := postEvent(t, provider.WebhookHandler(), body, Sign(body, testSecret))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookCustomerEventsAcknowledgedWithoutMutation(t *testing.T) {
	store := newTrackingStore()
	store.SeedUser(&plansync.User{ID: "u1"})
	provider := newWebhookTestProvider(t, store)
	handler := provider.WebhookHandler()

	for _, eventType := range []string{"customer.created", "customer.updated", "order.refunded"} {
		body := eventBody(t, eventType, map[string]any{"id": "obj_1", "user_id": "u1"})
		rec := postEvent(t, handler, body, Sign(body, testSecret))
		assert.Equal(t, http.StatusOK, rec.Code, eventType)
		assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	}
	assert.Zero(t, store.updateCalls)
}

func TestWebhookPaymentFailedSetsPastDue(t *testing.T) {
	store := newTrackingStore()
	store.SeedUser(&plansync.User{ID: "u1", Metadata: plansync.Metadata{Plan: plansync.PlanPro}})
	provider := newWebhookTestProvider(t, store)

	body := eventBody(t, "payment.failed", map[string]any{
		"id": "sub_1", "status": "active", "user_id": "u1",
	})

	rec := postEvent(t, provider.WebhookHandler(), body, Sign(body, testSecret))
	assert.Equal(t, http.StatusOK, rec.Code)

	user, err := store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, plansync.PlanPastDue, user.Metadata.Plan)
}

func TestWebhookMalformedBody(t *testing.T) {
	provider := newWebhookTestProvider(t, newTrackingStore())
	body := []byte(`{"type": 12`)

	rec := postEvent(t, provider.WebhookHandler(), body, Sign(body, testSecret))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWebhookMissingSecretIsConfigError(t *testing.T) {
	store := newTrackingStore()
	provider, err := NewProvider(Config{
		Config: billing.Config{Store: store},
	})
	require.NoError(t, err)

	body := eventBody(t, "subscription.created", map[string]any{"id": "sub_1"})
	rec := postEvent(t, provider.WebhookHandler(), body, Sign(body, testSecret))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, store.updateCalls)
}

func TestWebhookStoreWriteFailureIsRetryable(t *testing.T) {
	store := newTrackingStore()
	store.SeedUser(&plansync.User{ID: "u1"})
	store.failUpdates = true
	provider := newWebhookTestProvider(t, store)

	body := eventBody(t, "subscription.created", map[string]any{
		"id": "sub_1", "status": "active", "user_id": "u1",
	})

	rec := postEvent(t, provider.WebhookHandler(), body, Sign(body, testSecret))
	// Must not claim success; the provider retries on 5xx
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebhookResponseNeverLeaksSecret(t *testing.T) {
	provider := newWebhookTestProvider(t, newTrackingStore())
	body := eventBody(t, "subscription.created", map[string]any{"id": "sub_1", "user_id": "ghost"})

	rec := postEvent(t, provider.WebhookHandler(), body, "sha256=deadbeef")
	assert.NotContains(t, rec.Body.String(), testSecret)
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	provider := newWebhookTestProvider(t, newTrackingStore())

	req := httptest.NewRequest(http.MethodPut, "/webhooks/polar", nil)
	rec := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookChallengeEcho(t *testing.T) {
	provider := newWebhookTestProvider(t, newTrackingStore())
	handler := provider.WebhookHandler()

	req := httptest.NewRequest(http.MethodGet, "/webhooks/polar?challenge=abc123", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"challenge":"abc123"}`, rec.Body.String())

	// No challenge parameter: static acknowledgement
	req = httptest.NewRequest(http.MethodGet, "/webhooks/polar", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "polar webhook endpoint")
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	store := newTrackingStore()
	store.SeedUser(&plansync.User{ID: "u1"})
	provider := newWebhookTestProvider(t, store)
	handler := provider.WebhookHandler()

	body, err := json.Marshal(map[string]any{
		"type":      "subscription.created",
		"timestamp": "2026-03-01T10:00:00Z",
		"data": map[string]any{"object": map[string]any{
			"id": "sub_1", "status": "active", "user_id": "u1", "product_id": testProductPro,
		}},
	})
	require.NoError(t, err)
	sig := Sign(body, testSecret)

	rec := postEvent(t, handler, body, sig)
	assert.Equal(t, http.StatusOK, rec.Code)
	first, err := store.GetUser(context.Background(), "u1")
	require.NoError(t, err)

	rec = postEvent(t, handler, body, sig)
	assert.Equal(t, http.StatusOK, rec.Code)
	second, err := store.GetUser(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, first.Metadata.Plan, second.Metadata.Plan)
	assert.Equal(t, *first.Metadata.Subscription, *second.Metadata.Subscription)
}

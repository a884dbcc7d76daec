package stripe

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripe/stripe-go/v83"

	"github.com/plansync/plansync/identity/memory"
	"github.com/plansync/plansync/pkg/plansync"
)

func subscriptionEvent(t *testing.T, eventType string, sub *stripe.Subscription, created time.Time) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(sub)
	require.NoError(t, err)
	return &stripe.Event{
		ID:      "evt_test",
		Type:    stripe.EventType(eventType),
		Created: created.Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func activeSub(priceID string) *stripe.Subscription {
	sub := subWithStatus(stripe.SubscriptionStatusActive, priceID)
	sub.Metadata = map[string]string{userIDMetadataKey: testUserID}
	sub.Customer = &stripe.Customer{ID: testCustomerID}
	return sub
}

func TestProcessWebhookEventSubscriptionCreated(t *testing.T) {
	store := memory.New()
	store.SeedUser(&plansync.User{ID: testUserID})
	provider := newTestProvider(t, store)
	ctx := context.Background()

	event := subscriptionEvent(t, "customer.subscription.created", activeSub(testPricePremium), time.Now())
	require.NoError(t, provider.processWebhookEvent(ctx, event))

	user, err := store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, plansync.PlanPremium, user.Metadata.Plan)
	require.NotNil(t, user.Metadata.Subscription)
	assert.Equal(t, "sub_1", user.Metadata.Subscription.ID)
	assert.Equal(t, "active", user.Metadata.Subscription.Status)
	require.NotNil(t, user.Metadata.Subscription.EventTime)
}

func TestProcessWebhookEventSubscriptionDeleted(t *testing.T) {
	store := memory.New()
	store.SeedUser(&plansync.User{ID: testUserID})
	provider := newTestProvider(t, store)
	ctx := context.Background()

	created := subscriptionEvent(t, "customer.subscription.created", activeSub(testPricePro), time.Now().Add(-time.Minute))
	require.NoError(t, provider.processWebhookEvent(ctx, created))

	// The deletion payload still reports the last status; the plan must be
	// forced to cancelled regardless.
	sub := activeSub(testPricePro)
	sub.CanceledAt = time.Now().Unix()
	deleted := subscriptionEvent(t, "customer.subscription.deleted", sub, time.Now())
	require.NoError(t, provider.processWebhookEvent(ctx, deleted))

	user, err := store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, plansync.PlanCancelled, user.Metadata.Plan)
	require.NotNil(t, user.Metadata.Subscription.CancelledAt)
}

func TestProcessWebhookEventResolvesUserByCustomerID(t *testing.T) {
	store := memory.New()
	store.SeedUser(&plansync.User{ID: testUserID, ExternalID: testCustomerID})
	provider := newTestProvider(t, store)
	ctx := context.Background()

	sub := subWithStatus(stripe.SubscriptionStatusActive, testPricePro)
	sub.Customer = &stripe.Customer{ID: testCustomerID}
	event := subscriptionEvent(t, "customer.subscription.updated", sub, time.Now())
	require.NoError(t, provider.processWebhookEvent(ctx, event))

	user, err := store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, plansync.PlanPro, user.Metadata.Plan)
}

func TestProcessWebhookEventUnresolvableUser(t *testing.T) {
	provider := newTestProvider(t, memory.New())

	sub := subWithStatus(stripe.SubscriptionStatusActive, testPricePro)
	event := subscriptionEvent(t, "customer.subscription.created", sub, time.Now())

	err := provider.processWebhookEvent(context.Background(), event)
	assert.ErrorIs(t, err, plansync.ErrUserNotFound)
}

// unavailableStore fails external-id lookups, simulating a store outage
// during user resolution.
type unavailableStore struct {
	*memory.Store
}

func (s *unavailableStore) FindUsersByExternalID(context.Context, string) ([]*plansync.User, error) {
	return nil, plansync.ErrStoreUnavailable
}

func TestProcessWebhookEventStoreOutageIsNotUserNotFound(t *testing.T) {
	provider := newTestProvider(t, &unavailableStore{Store: memory.New()})

	sub := subWithStatus(stripe.SubscriptionStatusActive, testPricePro)
	sub.Customer = &stripe.Customer{ID: testCustomerID}
	event := subscriptionEvent(t, "customer.subscription.created", sub, time.Now())

	err := provider.processWebhookEvent(context.Background(), event)
	assert.ErrorIs(t, err, plansync.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, plansync.ErrUserNotFound)
}

func TestProcessWebhookEventUnknownTypeIgnored(t *testing.T) {
	store := memory.New()
	store.SeedUser(&plansync.User{ID: testUserID})
	provider := newTestProvider(t, store)
	ctx := context.Background()

	event := &stripe.Event{
		Type:    "charge.refunded",
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: json.RawMessage(`{}`)},
	}
	require.NoError(t, provider.processWebhookEvent(ctx, event))

	user, err := store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, plansync.Plan(""), user.Metadata.Plan)
}

func TestProcessWebhookEventStaleEventSkipped(t *testing.T) {
	store := memory.New()
	store.SeedUser(&plansync.User{ID: testUserID})
	provider := newTestProvider(t, store)
	ctx := context.Background()

	now := time.Now()
	newer := subscriptionEvent(t, "customer.subscription.updated", activeSub(testPricePremium), now)
	require.NoError(t, provider.processWebhookEvent(ctx, newer))

	// A delayed older event for the same subscription must not downgrade
	sub := activeSub(testPricePro)
	sub.Status = stripe.SubscriptionStatusCanceled
	older := subscriptionEvent(t, "customer.subscription.updated", sub, now.Add(-time.Hour))
	require.NoError(t, provider.processWebhookEvent(ctx, older))

	user, err := store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, plansync.PlanPremium, user.Metadata.Plan)
}

func TestProcessWebhookEventInvoiceWithoutSubscription(t *testing.T) {
	store := memory.New()
	store.SeedUser(&plansync.User{ID: testUserID})
	provider := newTestProvider(t, store)
	ctx := context.Background()

	event := &stripe.Event{
		Type:    "invoice.payment_succeeded",
		Created: time.Now().Unix(),
		Data:    &stripe.EventData{Raw: json.RawMessage(`{"id":"in_1"}`)},
	}
	require.NoError(t, provider.processWebhookEvent(ctx, event))

	user, err := store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, plansync.Plan(""), user.Metadata.Plan)
}

func TestExtractInvoiceSubscriptionID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"id string", `{"subscription":"sub_42"}`, "sub_42"},
		{"expanded object", `{"subscription":{"id":"sub_43"}}`, "sub_43"},
		{"missing", `{"id":"in_1"}`, ""},
		{"null", `{"subscription":null}`, ""},
		{"malformed", `not json`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractInvoiceSubscriptionID(json.RawMessage(tt.raw)))
		})
	}
}

func TestIsStaleEvent(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Hour)

	withSnapshot := func(id string, eventTime *time.Time) *plansync.Metadata {
		return &plansync.Metadata{
			Subscription: &plansync.Subscription{ID: id, EventTime: eventTime},
		}
	}

	assert.False(t, isStaleEvent(&plansync.Metadata{}, "sub_1", now))
	assert.False(t, isStaleEvent(withSnapshot("sub_1", nil), "sub_1", now))
	assert.False(t, isStaleEvent(withSnapshot("sub_other", &now), "sub_1", earlier))
	assert.False(t, isStaleEvent(withSnapshot("sub_1", &earlier), "sub_1", now))
	assert.True(t, isStaleEvent(withSnapshot("sub_1", &now), "sub_1", earlier))
	assert.True(t, isStaleEvent(withSnapshot("sub_1", &now), "sub_1", now))
}

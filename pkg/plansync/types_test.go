package plansync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataJSONPreservesExtraKeys(t *testing.T) {
	raw := []byte(`{
		"plan": "premium",
		"subscription": {"id": "sub_1", "status": "active", "updated_at": "2026-01-02T03:04:05Z"},
		"polar_customer_id": "cus_42",
		"onboarding_complete": true,
		"theme": "dark"
	}`)

	var m Metadata
	require.NoError(t, json.Unmarshal(raw, &m))

	assert.Equal(t, PlanPremium, m.Plan)
	require.NotNil(t, m.Subscription)
	assert.Equal(t, "sub_1", m.Subscription.ID)
	assert.Equal(t, "cus_42", m.Extra["polar_customer_id"])
	assert.Equal(t, true, m.Extra["onboarding_complete"])

	// Round-trip keeps keys the reconciler does not own
	out, err := json.Marshal(m)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "premium", doc["plan"])
	assert.Equal(t, "cus_42", doc["polar_customer_id"])
	assert.Equal(t, "dark", doc["theme"])
}

func TestMetadataPatchApply(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m := Metadata{
		Plan:         PlanFree,
		Subscription: &Subscription{ID: "sub_old", Status: "expired"},
		Extra:        map[string]any{"locale": "de"},
	}

	patch := &MetadataPatch{
		Plan:         PlanPro,
		Subscription: &Subscription{ID: "sub_new", Status: "active", UpdatedAt: now},
	}
	require.NoError(t, patch.Validate())

	got := patch.Apply(m)
	assert.Equal(t, PlanPro, got.Plan)
	assert.Equal(t, "sub_new", got.Subscription.ID)
	assert.Equal(t, "de", got.Extra["locale"])
}

func TestMetadataPatchApplyNilSubscriptionKeepsSnapshot(t *testing.T) {
	m := Metadata{
		Plan:         PlanPro,
		Subscription: &Subscription{ID: "sub_1", Status: "active"},
	}

	got := (&MetadataPatch{Plan: PlanFree}).Apply(m)
	assert.Equal(t, PlanFree, got.Plan)
	require.NotNil(t, got.Subscription)
	assert.Equal(t, "sub_1", got.Subscription.ID)
}

func TestMetadataPatchValidate(t *testing.T) {
	assert.ErrorIs(t, (&MetadataPatch{Plan: Plan("gold")}).Validate(), ErrInvalidPatch)

	var nilPatch *MetadataPatch
	assert.ErrorIs(t, nilPatch.Validate(), ErrInvalidPatch)
}

func TestActivePlan(t *testing.T) {
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name string
		meta Metadata
		want Plan
	}{
		{
			name: "empty metadata is free",
			meta: Metadata{},
			want: PlanFree,
		},
		{
			name: "active pro stays pro",
			meta: Metadata{Plan: PlanPro, Subscription: &Subscription{ExpiresAt: &future}},
			want: PlanPro,
		},
		{
			name: "pro past expiry degrades to expired",
			meta: Metadata{Plan: PlanPro, Subscription: &Subscription{ExpiresAt: &past}},
			want: PlanExpired,
		},
		{
			name: "premium past period end degrades to expired",
			meta: Metadata{Plan: PlanPremium, Subscription: &Subscription{CurrentPeriodEnd: &past}},
			want: PlanExpired,
		},
		{
			name: "cancelled is reported as-is",
			meta: Metadata{Plan: PlanCancelled, Subscription: &Subscription{ExpiresAt: &past}},
			want: PlanCancelled,
		},
		{
			name: "paid plan without subscription is trusted",
			meta: Metadata{Plan: PlanPremium},
			want: PlanPremium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.meta.ActivePlan(now))
		})
	}
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plansync/plansync/pkg/plansync"
)

func TestGetUser(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.SeedUser(&plansync.User{ID: "u1", ExternalID: "cus_1"})

	user, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "cus_1", user.ExternalID)

	_, err = store.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, plansync.ErrUserNotFound)
}

func TestGetUserReturnsCopy(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.SeedUser(&plansync.User{
		ID: "u1",
		Metadata: plansync.Metadata{
			Plan:  plansync.PlanPro,
			Extra: map[string]any{"theme": "dark"},
		},
	})

	user, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	user.Metadata.Plan = plansync.PlanFree
	user.Metadata.Extra["theme"] = "light"

	fresh, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plansync.PlanPro, fresh.Metadata.Plan)
	assert.Equal(t, "dark", fresh.Metadata.Extra["theme"])
}

func TestFindUsersByExternalID(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.SeedUser(&plansync.User{ID: "u1", ExternalID: "cus_1"})
	store.SeedUser(&plansync.User{ID: "u2", ExternalID: "cus_2"})
	store.SeedUser(&plansync.User{ID: "u3", ExternalID: "cus_2"})

	users, err := store.FindUsersByExternalID(ctx, "cus_2")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u2", users[0].ID)

	users, err = store.FindUsersByExternalID(ctx, "cus_404")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestListUsersPagination(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		store.SeedUser(&plansync.User{ID: id})
	}

	var seen []string
	cursor := ""
	for {
		page, next, err := store.ListUsers(ctx, plansync.ListOptions{Cursor: cursor, Limit: 2})
		require.NoError(t, err)
		for _, u := range page {
			seen = append(seen, u.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, seen)
}

func TestListUsersInvalidCursor(t *testing.T) {
	store := New()
	_, _, err := store.ListUsers(context.Background(), plansync.ListOptions{Cursor: "bogus"})
	assert.Error(t, err)
}

func TestUpdateUserMetadata(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.SeedUser(&plansync.User{
		ID: "u1",
		Metadata: plansync.Metadata{
			Plan:  plansync.PlanFree,
			Extra: map[string]any{"locale": "de", "polar_customer_id": "cus_1"},
		},
	})

	now := time.Now().UTC()
	err := store.UpdateUserMetadata(ctx, "u1", &plansync.MetadataPatch{
		Plan:         plansync.PlanPremium,
		Subscription: &plansync.Subscription{ID: "sub_1", Status: "active", UpdatedAt: now},
	})
	require.NoError(t, err)

	user, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, plansync.PlanPremium, user.Metadata.Plan)
	require.NotNil(t, user.Metadata.Subscription)
	assert.Equal(t, "sub_1", user.Metadata.Subscription.ID)

	// Keys the reconciler does not own survive the patch
	assert.Equal(t, "de", user.Metadata.Extra["locale"])
	assert.Equal(t, "cus_1", user.Metadata.Extra["polar_customer_id"])
}

func TestUpdateUserMetadataNotFound(t *testing.T) {
	store := New()
	err := store.UpdateUserMetadata(context.Background(), "missing", &plansync.MetadataPatch{Plan: plansync.PlanPro})
	assert.ErrorIs(t, err, plansync.ErrUserNotFound)
}

func TestUpdateUserMetadataInvalidPatch(t *testing.T) {
	store := New()
	store.SeedUser(&plansync.User{ID: "u1"})
	err := store.UpdateUserMetadata(context.Background(), "u1", &plansync.MetadataPatch{Plan: plansync.Plan("gold")})
	assert.ErrorIs(t, err, plansync.ErrInvalidPatch)
}

package echo

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plansync/plansync/identity/memory"
	"github.com/plansync/plansync/pkg/plansync"
)

func newTestServer(cfg Config) (*echo.Echo, *plansync.Plan) {
	e := echo.New()

	seen := new(plansync.Plan)
	e.GET("/premium", func(c echo.Context) error {
		if plan, ok := PlanFromContext(c); ok {
			*seen = plan
		}
		return c.NoContent(http.StatusOK)
	}, RequirePlan(cfg))
	return e, seen
}

func seedStore(plan plansync.Plan) *memory.Store {
	store := memory.New()
	store.SeedUser(&plansync.User{
		ID:       "u1",
		Metadata: plansync.Metadata{Plan: plan},
	})
	return store
}

func doRequest(e *echo.Echo, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRequirePlanAllows(t *testing.T) {
	e, seen := newTestServer(Config{
		Store:     seedStore(plansync.PlanPremium),
		GetUserID: UserIDFromHeader("X-User-ID"),
	})

	rec := doRequest(e, "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, plansync.PlanPremium, *seen)
}

func TestRequirePlanRejectsInsufficient(t *testing.T) {
	e, _ := newTestServer(Config{
		Store:     seedStore(plansync.PlanFree),
		GetUserID: UserIDFromHeader("X-User-ID"),
	})

	rec := doRequest(e, "u1")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), `"required":"pro"`)
}

func TestRequirePlanUnauthorized(t *testing.T) {
	e, _ := newTestServer(Config{
		Store:     seedStore(plansync.PlanPro),
		GetUserID: UserIDFromHeader("X-User-ID"),
	})

	rec := doRequest(e, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequirePlanCustomCallback(t *testing.T) {
	e, _ := newTestServer(Config{
		Store:     seedStore(plansync.PlanFree),
		GetUserID: UserIDFromHeader("X-User-ID"),
		OnInsufficientPlan: func(c echo.Context, plan plansync.Plan) error {
			return c.String(http.StatusForbidden, string(plan))
		},
	})

	rec := doRequest(e, "u1")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "free", rec.Body.String())
}

func TestRequirePlanMinPlan(t *testing.T) {
	e, _ := newTestServer(Config{
		Store:     seedStore(plansync.PlanPro),
		GetUserID: UserIDFromHeader("X-User-ID"),
		MinPlan:   plansync.PlanPremium,
	})

	rec := doRequest(e, "u1")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

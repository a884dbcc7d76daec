// Package echo provides Echo middleware for plan entitlement enforcement
package echo

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/plansync/plansync/pkg/plansync"
)

// planContextKey is where the resolved plan lands in the Echo context.
const planContextKey = "plansync.plan"

// UserIDExtractor extracts the user ID from an Echo context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Store is the identity store plans are read from (required)
	Store plansync.IdentityStore

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// MinPlan is the minimum plan required to pass
	// Default: plansync.PlanPro
	MinPlan plansync.Plan

	// Now overrides the clock used for expiry checks. Tests only.
	Now func() time.Time

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 JSON
	OnUnauthorized func(c echo.Context) error

	// OnInsufficientPlan is called when the user's plan does not reach MinPlan
	// If nil, returns 402 JSON with the current and required plans
	OnInsufficientPlan func(c echo.Context, plan plansync.Plan) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 JSON
	OnError func(c echo.Context, err error) error
}

// RequirePlan creates an Echo middleware that rejects requests from users
// whose effective plan does not reach the configured minimum.
func RequirePlan(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("plansync/echo: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("plansync/echo: Config.GetUserID is required")
	}

	if cfg.MinPlan == "" {
		cfg.MinPlan = plansync.PlanPro
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}

			plan := plansync.PlanFree
			user, err := cfg.Store.GetUser(c.Request().Context(), userID)
			switch {
			case err == nil:
				plan = user.Metadata.ActivePlan(cfg.Now())
			case errors.Is(err, plansync.ErrUserNotFound):
				// Unknown users hold the free plan
			default:
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}

			if !plan.AtLeast(cfg.MinPlan) {
				if cfg.OnInsufficientPlan != nil {
					return cfg.OnInsufficientPlan(c, plan)
				}
				return c.JSON(http.StatusPaymentRequired, map[string]string{
					"error":    fmt.Sprintf("plan %s required", cfg.MinPlan),
					"plan":     string(plan),
					"required": string(cfg.MinPlan),
				})
			}

			c.Set(planContextKey, plan)
			return next(c)
		}
	}
}

// PlanFromContext returns the plan resolved by the middleware, if any.
func PlanFromContext(c echo.Context) (plansync.Plan, bool) {
	plan, ok := c.Get(planContextKey).(plansync.Plan)
	return plan, ok
}

// Common extractors for convenience

// UserIDFromHeader returns a UserIDExtractor that reads a header value.
func UserIDFromHeader(header string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(header)
	}
}

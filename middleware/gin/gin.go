// Package gin provides Gin middleware for plan entitlement enforcement
package gin

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/plansync/plansync/pkg/plansync"
)

// planContextKey is where the resolved plan lands in the Gin context.
const planContextKey = "plansync.plan"

// UserIDExtractor extracts the user ID from a Gin context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c *gongin.Context) string

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
	OnUnauthorized func(c *gongin.Context)

	// OnInsufficientPlan is called when the user's plan does not reach MinPlan
	// If nil, returns 402 JSON with the current and required plans
	OnInsufficientPlan func(c *gongin.Context, plan plansync.Plan)

	// OnError is called when an internal error occurs
	// If nil, returns 500 JSON
	OnError func(c *gongin.Context, err error)
}

// RequirePlan creates a Gin middleware that rejects requests from users whose
// effective plan does not reach the configured minimum.
func RequirePlan(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("plansync/gin: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("plansync/gin: Config.GetUserID is required")
	}

	if cfg.MinPlan == "" {
		cfg.MinPlan = plansync.PlanPro
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "unauthorized"})
			}
			c.Abort()
			return
		}

		plan := plansync.PlanFree
		user, err := cfg.Store.GetUser(c.Request.Context(), userID)
		switch {
		case err == nil:
			plan = user.Metadata.ActivePlan(cfg.Now())
		case errors.Is(err, plansync.ErrUserNotFound):
			// Unknown users hold the free plan
		default:
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "internal error"})
			}
			c.Abort()
			return
		}

		if !plan.AtLeast(cfg.MinPlan) {
			if cfg.OnInsufficientPlan != nil {
				cfg.OnInsufficientPlan(c, plan)
			} else {
				c.AbortWithStatusJSON(http.StatusPaymentRequired, gongin.H{
					"error":    fmt.Sprintf("plan %s required", cfg.MinPlan),
					"plan":     string(plan),
					"required": string(cfg.MinPlan),
				})
			}
			c.Abort()
			return
		}

		c.Set(planContextKey, plan)
		c.Next()
	}
}

// PlanFromContext returns the plan resolved by the middleware, if any.
func PlanFromContext(c *gongin.Context) (plansync.Plan, bool) {
	v, ok := c.Get(planContextKey)
	if !ok {
		return "", false
	}
	plan, ok := v.(plansync.Plan)
	return plan, ok
}

// Common extractors for convenience

// UserIDFromHeader returns a UserIDExtractor that reads a header value.
func UserIDFromHeader(header string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(header)
	}
}

// UserIDFromContext returns a UserIDExtractor that reads a context key set
// by an upstream auth middleware.
func UserIDFromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetString(key)
	}
}

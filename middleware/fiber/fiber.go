// Package fiber provides Fiber middleware for plan entitlement enforcement
package fiber

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/plansync/plansync/pkg/plansync"
)

// planLocalsKey is where the resolved plan lands in the Fiber locals.
const planLocalsKey = "plansync.plan"

// UserIDExtractor extracts the user ID from a Fiber context.
// Return empty string if user is not authenticated.
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnInsufficientPlan is called when the user's plan does not reach MinPlan
	// If nil, returns 402 JSON with the current and required plans
	OnInsufficientPlan func(c *fiber.Ctx, plan plansync.Plan) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 JSON
	OnError func(c *fiber.Ctx, err error) error
}

// RequirePlan creates a Fiber middleware that rejects requests from users
// whose effective plan does not reach the configured minimum.
func RequirePlan(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("plansync/fiber: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("plansync/fiber: Config.GetUserID is required")
	}

	if cfg.MinPlan == "" {
		cfg.MinPlan = plansync.PlanPro
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}

		plan := plansync.PlanFree
		user, err := cfg.Store.GetUser(c.UserContext(), userID)
		switch {
		case err == nil:
			plan = user.Metadata.ActivePlan(cfg.Now())
		case errors.Is(err, plansync.ErrUserNotFound):
			// Unknown users hold the free plan
		default:
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		}

		if !plan.AtLeast(cfg.MinPlan) {
			if cfg.OnInsufficientPlan != nil {
				return cfg.OnInsufficientPlan(c, plan)
			}
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":    fmt.Sprintf("plan %s required", cfg.MinPlan),
				"plan":     string(plan),
				"required": string(cfg.MinPlan),
			})
		}

		c.Locals(planLocalsKey, plan)
		return c.Next()
	}
}

// PlanFromContext returns the plan resolved by the middleware, if any.
func PlanFromContext(c *fiber.Ctx) (plansync.Plan, bool) {
	plan, ok := c.Locals(planLocalsKey).(plansync.Plan)
	return plan, ok
}

// Common extractors for convenience

// UserIDFromHeader returns a UserIDExtractor that reads a header value.
func UserIDFromHeader(header string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(header)
	}
}

// Package http provides HTTP middleware for plan entitlement enforcement
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/plansync/plansync/pkg/plansync"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Store is the identity store plans are read from (required)
	Store plansync.IdentityStore

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// MinPlan is the minimum plan required to pass
	// Default: plansync.PlanPro
	MinPlan plansync.Plan

	// Now overrides the clock used for expiry checks. Tests only.
	Now func() time.Time

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnInsufficientPlan is called when the user's plan does not reach MinPlan
	// If nil, returns 402 Payment Required
	OnInsufficientPlan func(w http.ResponseWriter, r *http.Request, plan plansync.Plan)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

type planContextKey struct{}

// ContextWithPlan returns a context carrying the resolved plan.
func ContextWithPlan(ctx context.Context, plan plansync.Plan) context.Context {
	return context.WithValue(ctx, planContextKey{}, plan)
}

// PlanFromContext returns the plan resolved by the middleware, if any.
func PlanFromContext(ctx context.Context) (plansync.Plan, bool) {
	plan, ok := ctx.Value(planContextKey{}).(plansync.Plan)
	return plan, ok
}

// RequirePlan creates an HTTP middleware that rejects requests from users
// whose effective plan does not reach the configured minimum. Expired paid
// plans degrade before the comparison, so a lapsed subscription stops
// passing the moment its period ends. The resolved plan is stored on the
// request context for downstream handlers.
func RequirePlan(config Config) func(http.Handler) http.Handler {
	// Validate required configuration at startup (fail fast)
	if config.Store == nil {
		panic("plansync/http: Config.Store is required")
	}
	if config.GetUserID == nil {
		panic("plansync/http: Config.GetUserID is required")
	}

	if config.MinPlan == "" {
		config.MinPlan = plansync.PlanPro
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			plan := plansync.PlanFree
			user, err := config.Store.GetUser(r.Context(), userID)
			switch {
			case err == nil:
				plan = user.Metadata.ActivePlan(config.Now())
			case errors.Is(err, plansync.ErrUserNotFound):
				// Unknown users hold the free plan
			default:
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !plan.AtLeast(config.MinPlan) {
				if config.OnInsufficientPlan != nil {
					config.OnInsufficientPlan(w, r, plan)
				} else {
					msg := fmt.Sprintf("Plan %s required, current plan is %s", config.MinPlan, plan)
					http.Error(w, msg, http.StatusPaymentRequired)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithPlan(r.Context(), plan)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces plan entitlements
// (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequirePlan(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// Common extractors for convenience

// UserIDFromHeader returns a UserIDExtractor that reads a header value.
func UserIDFromHeader(header string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(header)
	}
}

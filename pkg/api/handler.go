package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/plansync/plansync/pkg/billing"
	"github.com/plansync/plansync/pkg/plansync"
)

const (
	statusActive  = "active"
	statusExpired = "expired"
	statusDefault = "default"
	maxUserIDLen  = 255

	webhookPathPrefix = "/webhooks/"
	maxCheckoutBody   = 16 * 1024
)

// Handler provides HTTP endpoints for plan inspection, checkout and sync
type Handler struct {
	config Config
}

// Mux returns a ServeMux with all endpoints mounted: each provider's webhook
// handler under /webhooks/<name>, plus /plan, /checkout and /sync.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	for _, provider := range h.config.Providers {
		mux.Handle(webhookPathPrefix+provider.Name(), provider.WebhookHandler())
	}
	mux.HandleFunc("/plan", h.GetPlan)
	mux.HandleFunc("/checkout", h.StartCheckout)
	mux.HandleFunc("/sync", h.SyncUser)
	return mux
}

// GetPlan returns the user's effective plan and stored subscription snapshot.
// A paid plan whose stored expiry has passed is reported as expired even if
// the provider's expiration event has not arrived yet.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	response := PlanResponse{
		UserID: userID,
		Plan:   string(plansync.PlanFree),
		Status: statusDefault,
	}

	user, err := h.config.Store.GetUser(ctx, userID)
	switch {
	case err == nil:
		active := user.Metadata.ActivePlan(h.config.Now())
		response.Plan = string(active)
		switch {
		case active == plansync.PlanExpired:
			response.Status = statusExpired
		case active.Paid():
			response.Status = statusActive
		}
		if sub := user.Metadata.Subscription; sub != nil {
			response.Subscription = &SubscriptionInfo{
				ID:               sub.ID,
				Status:           sub.Status,
				CurrentPeriodEnd: sub.CurrentPeriodEnd,
				CancelledAt:      sub.CancelledAt,
				ExpiresAt:        sub.ExpiresAt,
				UpdatedAt:        sub.UpdatedAt,
			}
		}
	case errors.Is(err, plansync.ErrUserNotFound):
		// Unknown users read as free, same as the middleware path.
	default:
		h.handleError(w, r, fmt.Errorf("failed to get user: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, response)
}

// checkoutRequestBody is the JSON body accepted by POST /checkout.
type checkoutRequestBody struct {
	ProductID  string `json:"product_id"`
	Email      string `json:"email,omitempty"`
	SuccessURL string `json:"success_url,omitempty"`
}

// StartCheckout creates a hosted checkout session for the authenticated user
// and returns its URL. The user id always comes from the request identity,
// never from the body, so a client cannot start checkout for someone else.
func (h *Handler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if h.config.StartCheckout == nil {
		h.handleError(w, r, fmt.Errorf("checkout not configured"), http.StatusNotImplemented)
		return
	}

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}

	var body checkoutRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckoutBody)).Decode(&body); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	if body.ProductID == "" {
		h.handleError(w, r, fmt.Errorf("product_id is required"), http.StatusBadRequest)
		return
	}

	url, err := h.config.StartCheckout(r.Context(), CheckoutRequest{
		UserID:     userID,
		ProductID:  body.ProductID,
		Email:      body.Email,
		SuccessURL: body.SuccessURL,
	})
	if err != nil {
		h.config.Logger.Error("checkout failed",
			plansync.Field{Key: "user_id", Value: userID},
			plansync.Field{Key: "error", Value: err.Error()})
		switch {
		case errors.Is(err, billing.ErrProviderAPIError):
			h.handleError(w, r, err, http.StatusBadGateway)
		case errors.Is(err, billing.ErrProviderNotConfigured):
			h.handleError(w, r, err, http.StatusServiceUnavailable)
		default:
			h.handleError(w, r, err, http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, CheckoutResponse{URL: url})
}

// SyncUser forces a provider-side reconciliation of the authenticated user,
// the "restore purchases" flow. The provider is selected with the ?provider
// query parameter; with one configured provider the parameter is optional.
func (h *Handler) SyncUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}

	provider, err := h.selectProvider(r.URL.Query().Get("provider"))
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	plan, err := provider.SyncUser(r.Context(), userID)
	if err != nil {
		h.config.Logger.Error("sync failed",
			plansync.Field{Key: "user_id", Value: userID},
			plansync.Field{Key: "provider", Value: provider.Name()},
			plansync.Field{Key: "error", Value: err.Error()})
		switch {
		case errors.Is(err, plansync.ErrUserNotFound):
			h.handleError(w, r, err, http.StatusNotFound)
		case errors.Is(err, billing.ErrProviderAPIError):
			h.handleError(w, r, err, http.StatusBadGateway)
		default:
			h.handleError(w, r, err, http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, SyncResponse{
		UserID: userID,
		Plan:   string(plan),
	})
}

func (h *Handler) selectProvider(name string) (billing.Provider, error) {
	if len(h.config.Providers) == 0 {
		return nil, fmt.Errorf("no billing provider configured")
	}
	if name == "" {
		if len(h.config.Providers) == 1 {
			return h.config.Providers[0], nil
		}
		return nil, fmt.Errorf("provider query parameter is required")
	}
	for _, p := range h.config.Providers {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("unknown provider %q", name)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already sent; nothing left to do.
		return
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		_ = encodeErr
	}
}

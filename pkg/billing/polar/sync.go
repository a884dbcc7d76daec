package polar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plansync/plansync/pkg/billing"
	"github.com/plansync/plansync/pkg/plansync"
)

// subscriptionListResponse is the wire shape of GET /v1/subscriptions.
type subscriptionListResponse struct {
	Items      []apiSubscription `json:"items"`
	Pagination struct {
		TotalCount int `json:"total_count"`
		MaxPage    int `json:"max_page"`
	} `json:"pagination"`
}

// apiSubscription mirrors subscriptionObject plus the modification time the
// list API exposes, used to pick the authoritative subscription.
type apiSubscription struct {
	subscriptionObject
	ModifiedAt string `json:"modified_at"`
	CreatedAt  string `json:"created_at"`
}

// syncUserFromAPI reconciles a user's plan from the Polar API instead of a
// webhook: fetch all subscriptions for the external customer, pick the most
// recently modified one and run it through the same resolver + apply path.
// Used for "restore purchases" and nightly reconciliation sweeps.
func (p *Provider) syncUserFromAPI(ctx context.Context, userID string) (plansync.Plan, error) {
	startTime := time.Now()

	if p.accessToken == "" {
		return plansync.PlanFree, billing.ErrProviderNotConfigured
	}

	subs, err := p.listSubscriptions(ctx, userID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return plansync.PlanFree, err
	}

	defer func() {
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	}()

	latest := pickLatestSubscription(subs)
	if latest == nil {
		// No subscription on the provider side: the user is on the free
		// plan. Only the plan key is patched; any stored snapshot stays.
		patch := &plansync.MetadataPatch{Plan: plansync.PlanFree}
		if err := p.store.UpdateUserMetadata(ctx, userID, patch); err != nil {
			p.metrics.RecordUserSync(providerName, "error")
			return plansync.PlanFree, fmt.Errorf("failed to update user %s: %w", userID, err)
		}
		p.metrics.RecordUserSync(providerName, "success")
		return plansync.PlanFree, nil
	}

	// Synthesize an event so sync and webhooks share one apply path.
	ev := &webhookEvent{
		Type:         eventSubscriptionUpdated,
		Kind:         kindApplyStatus,
		Timestamp:    parseTime(latest.ModifiedAt),
		Subscription: latest.subscriptionObject,
	}
	ev.Subscription.UserID = userID

	plan, _ := p.resolvePlan(ev)
	if _, err := p.applyEvent(ctx, userID, plan, ev); err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return plan, err
	}

	p.metrics.RecordUserSync(providerName, "success")
	return plan, nil
}

// listSubscriptions fetches every subscription page for the external
// customer. The first page reveals the page count; remaining pages are
// fetched concurrently.
func (p *Provider) listSubscriptions(ctx context.Context, userID string) ([]apiSubscription, error) {
	first, err := p.fetchSubscriptionPage(ctx, userID, 1)
	if err != nil {
		return nil, err
	}

	subs := first.Items
	if first.Pagination.MaxPage <= 1 {
		return subs, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for page := 2; page <= first.Pagination.MaxPage; page++ {
		g.Go(func() error {
			res, err := p.fetchSubscriptionPage(gctx, userID, page)
			if err != nil {
				return err
			}
			mu.Lock()
			subs = append(subs, res.Items...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return subs, nil
}

func (p *Provider) fetchSubscriptionPage(ctx context.Context, userID string, page int) (*subscriptionListResponse, error) {
	endpoint := fmt.Sprintf("%s/subscriptions?external_customer_id=%s&page=%d",
		p.apiBaseURL, url.QueryEscape(userID), page)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	req.Header.Set("Accept", "application/json")

	startTime := time.Now()
	res, err := p.httpClient.Do(req)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions", "error")
		return nil, fmt.Errorf("failed to fetch subscriptions: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions", "error")
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/subscriptions", fmt.Sprintf("%d", res.StatusCode))
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions", time.Since(startTime))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: subscriptions returned status %d", billing.ErrProviderAPIError, res.StatusCode)
	}

	var payload subscriptionListResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &payload, nil
}

// pickLatestSubscription returns the most recently modified subscription, or
// nil when the list is empty. Falls back to created_at when the provider
// omits modification times.
func pickLatestSubscription(subs []apiSubscription) *apiSubscription {
	var latest *apiSubscription
	var latestTime time.Time

	for i := range subs {
		sub := &subs[i]
		t := parseTime(sub.ModifiedAt)
		if t == nil {
			t = parseTime(sub.CreatedAt)
		}
		when := time.Time{}
		if t != nil {
			when = *t
		}
		if latest == nil || when.After(latestTime) {
			latest = sub
			latestTime = when
		}
	}
	return latest
}

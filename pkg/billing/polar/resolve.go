package polar

import (
	"context"
	"errors"
	"fmt"

	"github.com/plansync/plansync/pkg/plansync"
)

// resolveUserID maps the provider-side subscription reference to the internal
// user id. Ordered strategies, first match wins:
//
//  1. subscription.user_id echoed back by the provider (set at checkout, O(1))
//  2. external-id index lookup by customer_id
//  3. capped metadata scan for a stored polar_customer_id
//
// Not finding a user is a normal outcome, reported as plansync.ErrUserNotFound.
func (p *Provider) resolveUserID(ctx context.Context, sub *subscriptionObject) (string, error) {
	if sub.UserID != "" {
		return sub.UserID, nil
	}

	if sub.CustomerID == "" {
		return "", plansync.ErrUserNotFound
	}

	users, err := p.store.FindUsersByExternalID(ctx, sub.CustomerID)
	if err != nil {
		return "", fmt.Errorf("external-id lookup failed: %w", err)
	}
	if len(users) > 0 {
		// More than one match means the external-id attribute was reused;
		// take the first and leave a trace for the operator.
		if len(users) > 1 {
			p.logger.Warn("multiple users share external id",
				plansync.Field{Key: "customer_id", Value: sub.CustomerID},
				plansync.Field{Key: "matches", Value: len(users)},
			)
		}
		return users[0].ID, nil
	}

	return p.scanForCustomerID(ctx, sub.CustomerID)
}

// scanForCustomerID is the last-resort compatibility path for accounts
// created before the external-id link existed: page through the store
// looking for a polar_customer_id metadata key. The scan is capped; hitting
// the cap reports not found rather than walking the whole user base.
func (p *Provider) scanForCustomerID(ctx context.Context, customerID string) (string, error) {
	cursor := ""
	for page := 0; page < p.scanMaxPages; page++ {
		users, next, err := p.store.ListUsers(ctx, plansync.ListOptions{
			Cursor: cursor,
			Limit:  p.scanPageSize,
		})
		if err != nil {
			return "", fmt.Errorf("user scan failed: %w", err)
		}

		for _, user := range users {
			if stored, ok := user.Metadata.Extra[customerIDMetadataKey].(string); ok && stored == customerID {
				return user.ID, nil
			}
		}

		if next == "" {
			return "", plansync.ErrUserNotFound
		}
		cursor = next
	}

	p.logger.Warn("customer scan hit page cap",
		plansync.Field{Key: "customer_id", Value: customerID},
		plansync.Field{Key: "max_pages", Value: p.scanMaxPages},
	)
	return "", plansync.ErrUserNotFound
}

// isNotFound reports whether err is the expected no-match outcome.
func isNotFound(err error) bool {
	return errors.Is(err, plansync.ErrUserNotFound)
}

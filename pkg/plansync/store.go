package plansync

import "context"

// ListOptions controls pagination for ListUsers.
type ListOptions struct {
	// Cursor is an opaque continuation token from a previous call.
	// Empty starts from the beginning.
	Cursor string

	// Limit is the maximum number of users per page. Implementations
	// apply their own default when zero.
	Limit int
}

// IdentityStore is the interface the reconciler consumes for reading and
// patching user records. All methods use concrete types from this package.
type IdentityStore interface {
	// GetUser retrieves a user by primary id.
	// Returns ErrUserNotFound when no record exists.
	GetUser(ctx context.Context, id string) (*User, error)

	// FindUsersByExternalID retrieves users whose external-id attribute
	// equals the given value. An empty slice is not an error.
	FindUsersByExternalID(ctx context.Context, externalID string) ([]*User, error)

	// ListUsers returns a page of users and the cursor for the next page.
	// An empty cursor marks the end. Only the fallback scan path uses this.
	ListUsers(ctx context.Context, opts ListOptions) ([]*User, string, error)

	// UpdateUserMetadata merges the patch into the user's metadata record.
	// Only the plan and subscription keys are overwritten; all other
	// metadata on the record is preserved.
	// Returns ErrUserNotFound when no record exists.
	UpdateUserMetadata(ctx context.Context, id string, patch *MetadataPatch) error
}

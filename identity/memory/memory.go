// Package memory provides an in-memory implementation of the
// plansync.IdentityStore interface, intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/plansync/plansync/pkg/plansync"
)

const defaultPageSize = 100

// Store implements plansync.IdentityStore using an in-memory map.
type Store struct {
	mu    sync.RWMutex
	users map[string]*plansync.User
}

// New creates a new in-memory identity store.
func New() *Store {
	return &Store{users: make(map[string]*plansync.User)}
}

// SeedUser inserts or replaces a user record. Test/dev helper; the
// reconciler itself never creates users.
func (s *Store) SeedUser(user *plansync.User) {
	if user == nil || user.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = copyUser(user)
}

// GetUser implements plansync.IdentityStore.
func (s *Store) GetUser(ctx context.Context, id string) (*plansync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, plansync.ErrUserNotFound
	}
	return copyUser(user), nil
}

// FindUsersByExternalID implements plansync.IdentityStore.
func (s *Store) FindUsersByExternalID(ctx context.Context, externalID string) ([]*plansync.User, error) {
	if externalID == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*plansync.User
	for _, id := range s.sortedIDs() {
		user := s.users[id]
		if user.ExternalID == externalID {
			matches = append(matches, copyUser(user))
		}
	}
	return matches, nil
}

// ListUsers implements plansync.IdentityStore with offset-based cursors.
func (s *Store) ListUsers(ctx context.Context, opts plansync.ListOptions) ([]*plansync.User, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	offset := 0
	if opts.Cursor != "" {
		n, err := strconv.Atoi(opts.Cursor)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("invalid cursor %q", opts.Cursor)
		}
		offset = n
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.sortedIDs()
	if offset >= len(ids) {
		return nil, "", nil
	}

	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}

	page := make([]*plansync.User, 0, end-offset)
	for _, id := range ids[offset:end] {
		page = append(page, copyUser(s.users[id]))
	}

	next := ""
	if end < len(ids) {
		next = strconv.Itoa(end)
	}
	return page, next, nil
}

// UpdateUserMetadata implements plansync.IdentityStore. Only the plan and
// subscription keys are overwritten; Extra is preserved.
func (s *Store) UpdateUserMetadata(ctx context.Context, id string, patch *plansync.MetadataPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return plansync.ErrUserNotFound
	}
	user.Metadata = patch.Apply(user.Metadata)
	return nil
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = make(map[string]*plansync.User)
}

func (s *Store) sortedIDs() []string {
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// copyUser returns a deep-enough copy to keep callers from mutating the map.
func copyUser(u *plansync.User) *plansync.User {
	c := *u
	if u.Metadata.Subscription != nil {
		sub := *u.Metadata.Subscription
		c.Metadata.Subscription = &sub
	}
	if u.Metadata.Extra != nil {
		extra := make(map[string]any, len(u.Metadata.Extra))
		for k, v := range u.Metadata.Extra {
			extra[k] = v
		}
		c.Metadata.Extra = extra
	}
	return &c
}

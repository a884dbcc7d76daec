// Package firestore provides a Firestore implementation of the
// plansync.IdentityStore interface. Metadata patches run inside Firestore
// transactions and merge-set only the metadata field, so application-owned
// fields on the user document are never clobbered.
package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/plansync/plansync/pkg/plansync"
)

const (
	defaultUsersCollection = "users"
	defaultPageSize        = 100

	externalIDField = "externalId"
	emailField      = "email"
	metadataField   = "metadata"
)

// Store implements plansync.IdentityStore using Google Cloud Firestore.
type Store struct {
	client          *firestore.Client
	usersCollection string
}

// Config holds Firestore store configuration.
type Config struct {
	// UsersCollection is the Firestore collection holding user documents
	// Default: "users"
	UsersCollection string
}

// New creates a new Firestore identity store.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = defaultUsersCollection
	}

	return &Store{
		client:          client,
		usersCollection: config.UsersCollection,
	}, nil
}

func (s *Store) userDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(id)
}

// SaveUser creates or replaces a user document.
func (s *Store) SaveUser(ctx context.Context, user *plansync.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user with id is required")
	}

	metadata, err := metadataToDoc(&user.Metadata)
	if err != nil {
		return err
	}

	_, err = s.userDoc(user.ID).Set(ctx, map[string]interface{}{
		externalIDField: user.ExternalID,
		emailField:      user.Email,
		metadataField:   metadata,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to save user %s: %v", plansync.ErrStoreUnavailable, user.ID, err)
	}
	return nil
}

// DeleteUser removes a user document. Deleting a missing user is a no-op.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	_, err := s.userDoc(id).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("%w: failed to delete user %s: %v", plansync.ErrStoreUnavailable, id, err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*plansync.User, error) {
	snap, err := s.userDoc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, plansync.ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", plansync.ErrStoreUnavailable, err)
	}
	if !snap.Exists() {
		return nil, plansync.ErrUserNotFound
	}

	return snapToUser(snap)
}

// FindUsersByExternalID returns all users carrying the given external id,
// ordered by user id.
func (s *Store) FindUsersByExternalID(ctx context.Context, externalID string) ([]*plansync.User, error) {
	if externalID == "" {
		return nil, nil
	}

	snaps, err := s.client.Collection(s.usersCollection).
		Where(externalIDField, "==", externalID).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plansync.ErrStoreUnavailable, err)
	}

	users := make([]*plansync.User, 0, len(snaps))
	for _, snap := range snaps {
		user, err := snapToUser(snap)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// ListUsers pages through all users in document id order. The cursor is the
// last id of the previous page; an empty next cursor means the listing is
// exhausted.
func (s *Store) ListUsers(ctx context.Context, opts plansync.ListOptions) ([]*plansync.User, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	query := s.client.Collection(s.usersCollection).
		OrderBy(firestore.DocumentID, firestore.Asc)
	if opts.Cursor != "" {
		query = query.StartAfter(opts.Cursor)
	}

	snaps, err := query.Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", plansync.ErrStoreUnavailable, err)
	}

	users := make([]*plansync.User, 0, len(snaps))
	for _, snap := range snaps {
		user, err := snapToUser(snap)
		if err != nil {
			return nil, "", err
		}
		users = append(users, user)
	}

	next := ""
	if len(users) == limit {
		next = users[len(users)-1].ID
	}
	return users, next, nil
}

// UpdateUserMetadata applies a metadata patch inside a transaction and writes
// the result with a merge set.
func (s *Store) UpdateUserMetadata(ctx context.Context, id string, patch *plansync.MetadataPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}

	doc := s.userDoc(id)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return plansync.ErrUserNotFound
			}
			return err
		}
		if !snap.Exists() {
			return plansync.ErrUserNotFound
		}

		metadata, err := docToMetadata(snap.Data()[metadataField])
		if err != nil {
			return err
		}

		merged := patch.Apply(*metadata)

		encoded, err := metadataToDoc(&merged)
		if err != nil {
			return err
		}

		return tx.Set(doc, map[string]interface{}{
			metadataField: encoded,
		}, firestore.MergeAll)
	})
	if err != nil {
		if errors.Is(err, plansync.ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("%w: failed to update user %s: %v", plansync.ErrStoreUnavailable, id, err)
	}
	return nil
}

func snapToUser(snap *firestore.DocumentSnapshot) (*plansync.User, error) {
	data := snap.Data()

	user := &plansync.User{ID: snap.Ref.ID}
	if v, ok := data[externalIDField].(string); ok {
		user.ExternalID = v
	}
	if v, ok := data[emailField].(string); ok {
		user.Email = v
	}

	metadata, err := docToMetadata(data[metadataField])
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata for user %s: %w", user.ID, err)
	}
	user.Metadata = *metadata
	return user, nil
}

// metadataToDoc flattens metadata to a plain map through its JSON form so
// Firestore stores the same shape other backends keep in their JSON columns.
func metadataToDoc(m *plansync.Metadata) (map[string]interface{}, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return doc, nil
}

func docToMetadata(v interface{}) (*plansync.Metadata, error) {
	metadata := &plansync.Metadata{}
	if v == nil {
		return metadata, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if err := json.Unmarshal(raw, metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return metadata, nil
}

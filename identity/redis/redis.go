// Package redis provides a Redis implementation of the plansync.IdentityStore
// interface. Users are stored as JSON blobs; the external-id index and the
// listing order are kept in separate keys so lookups stay O(1) and pagination
// stays lexicographic.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/plansync/plansync/pkg/plansync"
)

const (
	defaultKeyPrefix  = "plansync:"
	defaultMaxRetries = 3
	defaultPageSize   = 100
)

// Store implements plansync.IdentityStore using Redis.
type Store struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis store configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "plansync:")
	KeyPrefix string

	// MaxRetries bounds optimistic-lock retries on concurrent metadata
	// updates (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  defaultKeyPrefix,
		MaxRetries: defaultMaxRetries,
	}
}

// New creates a new Redis identity store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = defaultKeyPrefix
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}

	return &Store{client: client, config: config}, nil
}

func (s *Store) userKey(id string) string {
	return s.config.KeyPrefix + "user:" + id
}

func (s *Store) externalIDKey(externalID string) string {
	return s.config.KeyPrefix + "extid:" + externalID
}

func (s *Store) indexKey() string {
	return s.config.KeyPrefix + "users"
}

// SaveUser creates or replaces a user record and maintains the external-id
// index and the listing order.
func (s *Store) SaveUser(ctx context.Context, user *plansync.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user with id is required")
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.userKey(user.ID), data, 0)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: user.ID})
	if user.ExternalID != "" {
		pipe.SAdd(ctx, s.externalIDKey(user.ExternalID), user.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save user %s: %w", user.ID, err)
	}
	return nil
}

// DeleteUser removes a user and its index entries.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, plansync.ErrUserNotFound) {
			return nil
		}
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.userKey(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	if user.ExternalID != "" {
		pipe.SRem(ctx, s.externalIDKey(user.ExternalID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete user %s: %w", id, err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*plansync.User, error) {
	data, err := s.client.Get(ctx, s.userKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, plansync.ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", plansync.ErrStoreUnavailable, err)
	}

	var user plansync.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to decode user %s: %w", id, err)
	}
	return &user, nil
}

// FindUsersByExternalID returns all users carrying the given external id,
// ordered by user id.
func (s *Store) FindUsersByExternalID(ctx context.Context, externalID string) ([]*plansync.User, error) {
	if externalID == "" {
		return nil, nil
	}

	ids, err := s.client.SMembers(ctx, s.externalIDKey(externalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plansync.ErrStoreUnavailable, err)
	}
	sort.Strings(ids)

	users := make([]*plansync.User, 0, len(ids))
	for _, id := range ids {
		user, err := s.GetUser(ctx, id)
		if err != nil {
			if errors.Is(err, plansync.ErrUserNotFound) {
				// Index entry outlived the user record
				continue
			}
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

// ListUsers pages through all users in id order. The cursor is the last id of
// the previous page; an empty next cursor means the listing is exhausted.
func (s *Store) ListUsers(ctx context.Context, opts plansync.ListOptions) ([]*plansync.User, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	min := "-"
	if opts.Cursor != "" {
		min = "(" + opts.Cursor
	}

	ids, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{
		Min:   min,
		Max:   "+",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", plansync.ErrStoreUnavailable, err)
	}

	users := make([]*plansync.User, 0, len(ids))
	for _, id := range ids {
		user, err := s.GetUser(ctx, id)
		if err != nil {
			if errors.Is(err, plansync.ErrUserNotFound) {
				continue
			}
			return nil, "", err
		}
		users = append(users, user)
	}

	next := ""
	if len(ids) == limit {
		next = ids[len(ids)-1]
	}
	return users, next, nil
}

// UpdateUserMetadata applies a metadata patch under an optimistic lock so
// concurrent webhook deliveries cannot lose each other's writes. The patch
// only touches the plan and subscription keys; everything else on the record
// survives untouched.
func (s *Store) UpdateUserMetadata(ctx context.Context, id string, patch *plansync.MetadataPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}

	key := s.userKey(id)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return plansync.ErrUserNotFound
			}
			return fmt.Errorf("%w: %v", plansync.ErrStoreUnavailable, err)
		}

		var user plansync.User
		if err := json.Unmarshal(data, &user); err != nil {
			return fmt.Errorf("failed to decode user %s: %w", id, err)
		}

		user.Metadata = patch.Apply(user.Metadata)

		updated, err := json.Marshal(&user)
		if err != nil {
			return fmt.Errorf("failed to encode user %s: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < s.config.MaxRetries; i++ {
		err = s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: concurrent update retries exhausted: %v", plansync.ErrStoreUnavailable, err)
}

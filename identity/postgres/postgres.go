// Package postgres provides a PostgreSQL implementation of the
// plansync.IdentityStore interface. Metadata lives in a JSONB column;
// patches run inside a transaction with SELECT FOR UPDATE so concurrent
// webhook deliveries serialize instead of losing writes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plansync/plansync/pkg/plansync"
)

const defaultPageSize = 100

// Store implements plansync.IdentityStore using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL identity store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the users table and its indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id          TEXT PRIMARY KEY,
			external_id TEXT,
			email       TEXT,
			metadata    JSONB NOT NULL DEFAULT '{}'::jsonb
		);
		CREATE INDEX IF NOT EXISTS users_external_id_idx ON users (external_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveUser creates or replaces a user record.
func (s *Store) SaveUser(ctx context.Context, user *plansync.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user with id is required")
	}

	metadata, err := json.Marshal(&user.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO users (id, external_id, email, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET external_id = EXCLUDED.external_id,
		    email = EXCLUDED.email,
		    metadata = EXCLUDED.metadata
	`, user.ID, user.ExternalID, user.Email, metadata)
	if err != nil {
		return fmt.Errorf("%w: failed to save user %s: %v", plansync.ErrStoreUnavailable, user.ID, err)
	}
	return nil
}

// DeleteUser removes a user record. Deleting a missing user is a no-op.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: failed to delete user %s: %v", plansync.ErrStoreUnavailable, id, err)
	}
	return nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*plansync.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, external_id, email, metadata FROM users WHERE id = $1`, id)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, plansync.ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", plansync.ErrStoreUnavailable, err)
	}
	return user, nil
}

// FindUsersByExternalID returns all users carrying the given external id,
// ordered by user id.
func (s *Store) FindUsersByExternalID(ctx context.Context, externalID string) ([]*plansync.User, error) {
	if externalID == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, external_id, email, metadata FROM users WHERE external_id = $1 ORDER BY id`,
		externalID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plansync.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	return collectUsers(rows)
}

// ListUsers pages through all users in id order. The cursor is the last id of
// the previous page; an empty next cursor means the listing is exhausted.
func (s *Store) ListUsers(ctx context.Context, opts plansync.ListOptions) ([]*plansync.User, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, external_id, email, metadata FROM users
		WHERE id > $1 ORDER BY id LIMIT $2
	`, opts.Cursor, limit)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", plansync.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	users, err := collectUsers(rows)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(users) == limit {
		next = users[len(users)-1].ID
	}
	return users, next, nil
}

// UpdateUserMetadata applies a metadata patch inside a transaction. The row
// is locked for the duration so concurrent patches serialize.
func (s *Store) UpdateUserMetadata(ctx context.Context, id string, patch *plansync.MetadataPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", plansync.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx,
		`SELECT metadata FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return plansync.ErrUserNotFound
		}
		return fmt.Errorf("%w: %v", plansync.ErrStoreUnavailable, err)
	}

	var metadata plansync.Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return fmt.Errorf("failed to decode metadata for user %s: %w", id, err)
	}

	metadata = patch.Apply(metadata)

	updated, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for user %s: %w", id, err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET metadata = $1 WHERE id = $2`, updated, id); err != nil {
		return fmt.Errorf("%w: failed to update user %s: %v", plansync.ErrStoreUnavailable, id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to commit: %v", plansync.ErrStoreUnavailable, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*plansync.User, error) {
	var user plansync.User
	var externalID, email *string
	var raw []byte

	if err := row.Scan(&user.ID, &externalID, &email, &raw); err != nil {
		return nil, err
	}
	if externalID != nil {
		user.ExternalID = *externalID
	}
	if email != nil {
		user.Email = *email
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &user.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for user %s: %w", user.ID, err)
		}
	}
	return &user, nil
}

func collectUsers(rows pgx.Rows) ([]*plansync.User, error) {
	var users []*plansync.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", plansync.ErrStoreUnavailable, err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", plansync.ErrStoreUnavailable, err)
	}
	return users, nil
}

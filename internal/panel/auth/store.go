package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// APIKey is a stored north-bound API key. The key itself is shown once at
// creation; only the bcrypt hash persists.
type APIKey struct {
	ID         string
	Name       string
	KeyPrefix  string
	KeyHash    string
	Scope      string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Store provides database operations for API keys.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new Store instance.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// CreateAPIKey inserts a key record and returns its id.
func (s *Store) CreateAPIKey(ctx context.Context, name, prefix, hash, scope string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(ctx, `
		INSERT INTO api_keys (id, name, key_prefix, key_hash, scope)
		VALUES ($1, $2, $3, $4, $5)
	`, id, name, prefix, hash, scope)
	if err != nil {
		return "", fmt.Errorf("create api key: %w", err)
	}
	return id, nil
}

// GetAPIKeyByPrefix looks up a key record for validation.
func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	var key APIKey
	err := s.db.QueryRow(ctx, `
		SELECT id, name, key_prefix, key_hash, scope, created_at, last_used_at
		FROM api_keys WHERE key_prefix = $1
	`, prefix).Scan(&key.ID, &key.Name, &key.KeyPrefix, &key.KeyHash, &key.Scope,
		&key.CreatedAt, &key.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("api key not found")
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// UpdateLastUsed bumps the key's last_used_at timestamp.
func (s *Store) UpdateLastUsed(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update last used: %w", err)
	}
	return nil
}

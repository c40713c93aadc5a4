package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (APIKey, error) {
	var key APIKey
	var ipJSON []byte
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, prefix, key_hash, scopes, ip_whitelist, revoked_at, created_at, updated_at
		FROM api_keys
		WHERE prefix = $1
	`, prefix)
	if err := row.Scan(&key.ID, &key.UserID, &key.Prefix, &key.KeyHash, &key.Scopes, &ipJSON,
		&key.RevokedAt, &key.CreatedAt, &key.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return APIKey{}, ErrNotFound
		}
		return APIKey{}, err
	}
	if len(ipJSON) > 0 {
		if err := json.Unmarshal(ipJSON, &key.IPWhitelist); err != nil {
			return APIKey{}, err
		}
	}
	return key, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, key APIKey) (APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now

	ipJSON, err := json.Marshal(key.IPWhitelist)
	if err != nil {
		return APIKey{}, err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, prefix, key_hash, scopes, ip_whitelist, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
	`, key.ID, key.UserID, key.Prefix, key.KeyHash, key.Scopes, ipJSON, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		return APIKey{}, err
	}
	return key, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, userID, keyID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = now(), updated_at = now()
		WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL
	`, keyID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

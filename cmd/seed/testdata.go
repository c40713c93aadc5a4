package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
	"github.com/code-vibe/cryptotrade-exchange/libs/apikey"
)

const (
	revokedKeyPrefix = "revoked0001"
	revokedKeySecret = "revokedsecret0001"
)

// seedTestData adds the fixtures edge-case tests rely on: a revoked API key
// on the demo user and a frozen account that must reject order flow.
func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	frozenUserID := uuid.MustParse("00000000-0000-0000-0000-000000000005")
	revokedKeyID := uuid.MustParse("00000000-0000-0000-0000-000000000303")

	now := time.Now()
	if err := upsertAccount(ctx, pool, frozenUserID, "USDT", "10000", now); err != nil {
		return err
	}
	_, err := pool.Exec(ctx, `
		UPDATE accounts SET status = 'frozen', updated_at = $1
		WHERE user_id = $2 AND currency = 'USDT'
	`, now, frozenUserID)
	if err != nil {
		return err
	}

	// Reseed the revoked key from scratch so reruns stay idempotent.
	if _, err := pool.Exec(ctx, `DELETE FROM api_keys WHERE prefix = $1`, revokedKeyPrefix); err != nil {
		return err
	}

	store := storage.New(pool, nil)
	key, err := store.CreateAPIKey(ctx, storage.APIKey{
		ID:      revokedKeyID,
		UserID:  demoUserID,
		Prefix:  revokedKeyPrefix,
		KeyHash: apikey.Hash(revokedKeyPrefix, revokedKeySecret),
		Scopes:  []string{"trade", "read"},
	})
	if err != nil {
		return err
	}
	return store.RevokeAPIKey(ctx, key.UserID, key.ID)
}

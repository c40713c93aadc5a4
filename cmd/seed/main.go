package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/code-vibe/cryptotrade-exchange/libs/apikey"
)

const (
	demoKeyPrefix   = "demo0001"
	demoKeySecret   = "demosecret0001"
	traderKeyPrefix = "trader0001"
	traderKeySecret = "tradersecret0001"
)

var (
	demoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")

	btcUSDTPairID = uuid.MustParse("00000000-0000-0000-0000-000000000201")
	ethUSDTPairID = uuid.MustParse("00000000-0000-0000-0000-000000000202")
	btcUSDPairID  = uuid.MustParse("00000000-0000-0000-0000-000000000203")
	ethUSDPairID  = uuid.MustParse("00000000-0000-0000-0000-000000000204")
)

func main() {
	env := getEnv("CEX_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: CEX_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "cex_core")
	user := getEnv("POSTGRES_USER", "cex")
	password := getEnv("POSTGRES_PASSWORD", "cex")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedTradingPairs(ctx, pool); err != nil {
		log.Fatalf("seed trading pairs: %v", err)
	}
	fmt.Println("✓ Trading pairs seeded")

	if err := seedAccounts(ctx, pool); err != nil {
		log.Fatalf("seed accounts: %v", err)
	}
	fmt.Println("✓ Accounts seeded")

	apiKeys, err := seedAPIKeys(ctx, pool, env)
	if err != nil {
		log.Fatalf("seed api keys: %v", err)
	}
	fmt.Println("✓ API keys seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo user ids:")
	fmt.Printf("  demo:   %s\n", demoUserID)
	fmt.Printf("  trader: %s\n", traderUserID)

	if env == "dev" {
		fmt.Println("\nAPI Keys (DEV ONLY):")
		for name, key := range apiKeys {
			fmt.Printf("  %s: %s\n", name, key)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func seedTradingPairs(ctx context.Context, pool *pgxpool.Pool) error {
	pairs := []struct {
		id                uuid.UUID
		symbol            string
		base              string
		quote             string
		minOrderSize      string
		maxOrderSize      string
		pricePrecision    int
		quantityPrecision int
		makerFee          string
		takerFee          string
	}{
		{btcUSDTPairID, "BTC-USDT", "BTC", "USDT", "0.0001", "100", 2, 8, "0.001", "0.002"},
		{ethUSDTPairID, "ETH-USDT", "ETH", "USDT", "0.001", "1000", 2, 8, "0.001", "0.002"},
		{btcUSDPairID, "BTC-USD", "BTC", "USD", "0.0001", "100", 2, 8, "0.001", "0.002"},
		{ethUSDPairID, "ETH-USD", "ETH", "USD", "0.001", "1000", 2, 8, "0.001", "0.002"},
	}

	now := time.Now()
	for _, pair := range pairs {
		_, err := pool.Exec(ctx, `
			INSERT INTO trading_pairs (id, symbol, base_currency, quote_currency, is_active,
				min_order_size, max_order_size, price_precision, quantity_precision,
				maker_fee, taker_fee, created_at)
			VALUES ($1, $2, $3, $4, true, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (symbol) DO UPDATE
			SET is_active = true,
			    min_order_size = EXCLUDED.min_order_size,
			    max_order_size = EXCLUDED.max_order_size,
			    price_precision = EXCLUDED.price_precision,
			    quantity_precision = EXCLUDED.quantity_precision,
			    maker_fee = EXCLUDED.maker_fee,
			    taker_fee = EXCLUDED.taker_fee
		`, pair.id, pair.symbol, pair.base, pair.quote, pair.minOrderSize, pair.maxOrderSize,
			pair.pricePrecision, pair.quantityPrecision, pair.makerFee, pair.takerFee, now)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedAccounts(ctx context.Context, pool *pgxpool.Pool) error {
	demoBalances := map[string]string{
		"BTC":  "10",
		"ETH":  "100",
		"USD":  "100000",
		"USDT": "50000",
	}
	traderBalances := map[string]string{
		"BTC":  "5",
		"ETH":  "50",
		"USD":  "50000",
		"USDT": "25000",
	}

	now := time.Now()
	for currency, balance := range demoBalances {
		if err := upsertAccount(ctx, pool, demoUserID, currency, balance, now); err != nil {
			return err
		}
	}
	for currency, balance := range traderBalances {
		if err := upsertAccount(ctx, pool, traderUserID, currency, balance, now); err != nil {
			return err
		}
	}
	return nil
}

func upsertAccount(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID, currency, balance string, now time.Time) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO accounts (id, user_id, currency, balance, available_balance, locked_balance, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4, 0, 'active', $5, $5)
		ON CONFLICT (user_id, currency) DO UPDATE
		SET balance = EXCLUDED.balance,
		    available_balance = EXCLUDED.available_balance,
		    locked_balance = 0,
		    status = 'active',
		    updated_at = EXCLUDED.updated_at
	`, uuid.New(), userID, currency, balance, now)
	return err
}

func seedAPIKeys(ctx context.Context, pool *pgxpool.Pool, env string) (map[string]string, error) {
	demoKeyID := uuid.MustParse("00000000-0000-0000-0000-000000000301")
	traderKeyID := uuid.MustParse("00000000-0000-0000-0000-000000000302")

	demoFullKey := fmt.Sprintf("ck_%s_%s.%s", env, demoKeyPrefix, demoKeySecret)
	demoHash := apikey.Hash(demoKeyPrefix, demoKeySecret)

	traderFullKey := fmt.Sprintf("ck_%s_%s.%s", env, traderKeyPrefix, traderKeySecret)
	traderHash := apikey.Hash(traderKeyPrefix, traderKeySecret)

	scopes := []string{"trade", "read"}
	ipJSON, _ := json.Marshal([]string{})
	now := time.Now()

	keys := []struct {
		id     uuid.UUID
		userID uuid.UUID
		prefix string
		hash   string
	}{
		{demoKeyID, demoUserID, demoKeyPrefix, demoHash},
		{traderKeyID, traderUserID, traderKeyPrefix, traderHash},
	}

	for _, key := range keys {
		_, err := pool.Exec(ctx, `
			INSERT INTO api_keys (id, user_id, prefix, key_hash, scopes, ip_whitelist, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
			ON CONFLICT (prefix) DO UPDATE
			SET user_id = EXCLUDED.user_id,
			    key_hash = EXCLUDED.key_hash,
			    scopes = EXCLUDED.scopes,
			    ip_whitelist = EXCLUDED.ip_whitelist,
			    revoked_at = NULL,
			    updated_at = EXCLUDED.updated_at
		`, key.id, key.userID, key.prefix, key.hash, scopes, ipJSON, now, now)
		if err != nil {
			return nil, err
		}
	}

	return map[string]string{
		"demo":   demoFullKey,
		"trader": traderFullKey,
	}, nil
}

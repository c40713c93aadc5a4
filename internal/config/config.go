package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	base "github.com/code-vibe/cryptotrade-exchange/libs/config"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type KafkaTopics struct {
	OrdersAccepted  string
	OrdersRejected  string
	OrdersCancelled string
	OrdersExpired   string
	TradesExecuted  string
	TradesSettled   string
	BalancesUpdated string
	DeadLetter      string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	OrdersPerWindow int
	Window          time.Duration
}

type OracleConfig struct {
	QuoteCurrencies []string
	StaticRates     map[string]string
	CacheTTL        time.Duration
}

type Config struct {
	App                  base.AppConfig
	DB                   DBConfig
	Kafka                KafkaConfig
	Redis                RedisConfig
	RateLimit            RateLimitConfig
	Oracle               OracleConfig
	JWTSecret            string
	MarketBuySlippageBps int
	ExpirySweepInterval  time.Duration
	PairRefreshInterval  time.Duration
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("CEX_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("CEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("CEX_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "exchange-core")
	v.SetDefault("kafka.topics.orders_accepted", "orders.accepted")
	v.SetDefault("kafka.topics.orders_rejected", "orders.rejected")
	v.SetDefault("kafka.topics.orders_cancelled", "orders.cancelled")
	v.SetDefault("kafka.topics.orders_expired", "orders.expired")
	v.SetDefault("kafka.topics.trades_executed", "trades.executed")
	v.SetDefault("kafka.topics.trades_settled", "trades.settled")
	v.SetDefault("kafka.topics.balances_updated", "balances.updated")
	v.SetDefault("kafka.topics.dead_letter", "dead_letter")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("market_buy_slippage_bps", 50)

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("DB_HOST", envString("POSTGRES_HOST", "localhost")),
			Port:     envInt("DB_PORT", envInt("POSTGRES_PORT", 5432)),
			Name:     envString("DB_NAME", envString("POSTGRES_DB", "cex_core")),
			User:     envString("DB_USER", envString("POSTGRES_USER", "cex")),
			Password: envString("DB_PASSWORD", envString("POSTGRES_PASSWORD", "cex")),
			SSLMode:  envString("DB_SSLMODE", envString("POSTGRES_SSLMODE", "disable")),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				OrdersAccepted:  envString("KAFKA_ORDERS_ACCEPTED_TOPIC", v.GetString("kafka.topics.orders_accepted")),
				OrdersRejected:  envString("KAFKA_ORDERS_REJECTED_TOPIC", v.GetString("kafka.topics.orders_rejected")),
				OrdersCancelled: envString("KAFKA_ORDERS_CANCELLED_TOPIC", v.GetString("kafka.topics.orders_cancelled")),
				OrdersExpired:   envString("KAFKA_ORDERS_EXPIRED_TOPIC", v.GetString("kafka.topics.orders_expired")),
				TradesExecuted:  envString("KAFKA_TRADES_TOPIC", v.GetString("kafka.topics.trades_executed")),
				TradesSettled:   envString("KAFKA_TRADES_SETTLED_TOPIC", v.GetString("kafka.topics.trades_settled")),
				BalancesUpdated: envString("KAFKA_BALANCES_TOPIC", v.GetString("kafka.topics.balances_updated")),
				DeadLetter:      envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", ""),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			OrdersPerWindow: envInt("ORDER_RATE_LIMIT", 30),
			Window:          envDuration("ORDER_RATE_WINDOW", time.Minute),
		},
		Oracle: OracleConfig{
			QuoteCurrencies: envCSV("ORACLE_QUOTE_CURRENCIES", []string{"USDT", "USD"}),
			StaticRates:     envRates("ORACLE_STATIC_RATES", map[string]string{"USDT": "1", "USD": "1"}),
			CacheTTL:        envDuration("ORACLE_CACHE_TTL", 30*time.Second),
		},
		JWTSecret:            envString("JWT_SECRET", v.GetString("jwt_secret")),
		MarketBuySlippageBps: envInt("MARKET_BUY_SLIPPAGE_BPS", v.GetInt("market_buy_slippage_bps")),
		ExpirySweepInterval:  envDuration("EXPIRY_SWEEP_INTERVAL", 15*time.Second),
		PairRefreshInterval:  envDuration("PAIR_REFRESH_INTERVAL", time.Minute),
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Kafka.Topics.TradesExecuted == "" || cfg.Kafka.Topics.TradesSettled == "" {
		return nil, fmt.Errorf("kafka trade topics required")
	}
	if cfg.MarketBuySlippageBps < 0 {
		return nil, fmt.Errorf("market_buy_slippage_bps must be non-negative")
	}
	if cfg.RateLimit.OrdersPerWindow <= 0 || cfg.RateLimit.Window <= 0 {
		return nil, fmt.Errorf("order rate limit must be positive")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv("CEX_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv("CEX_" + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv("CEX_" + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	for _, full := range []string{"CEX_" + key, key} {
		v := os.Getenv(full)
		if v == "" {
			continue
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

// envRates parses "USDT=1,BUSD=0.999" style pairs.
func envRates(key string, def map[string]string) map[string]string {
	for _, full := range []string{"CEX_" + key, key} {
		v := os.Getenv(full)
		if v == "" {
			continue
		}
		out := make(map[string]string)
		for _, part := range strings.Split(v, ",") {
			kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
			if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
				continue
			}
			out[strings.ToUpper(kv[0])] = kv[1]
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/code-vibe/cryptotrade-exchange/internal/cache"
	"github.com/code-vibe/cryptotrade-exchange/internal/config"
	"github.com/code-vibe/cryptotrade-exchange/internal/consumer"
	"github.com/code-vibe/cryptotrade-exchange/internal/handlers"
	"github.com/code-vibe/cryptotrade-exchange/internal/pricing"
	"github.com/code-vibe/cryptotrade-exchange/internal/rate"
	"github.com/code-vibe/cryptotrade-exchange/internal/service"
	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
	"github.com/code-vibe/cryptotrade-exchange/libs/health"
	"github.com/code-vibe/cryptotrade-exchange/libs/httpmiddleware"
	"github.com/code-vibe/cryptotrade-exchange/libs/kafka"
	"github.com/code-vibe/cryptotrade-exchange/libs/logging"
	"github.com/code-vibe/cryptotrade-exchange/libs/metrics"
	"github.com/code-vibe/cryptotrade-exchange/libs/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	exchangeMetrics := service.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool, logger)

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	defer consumerGroup.Close()
	consumerGroup.WithDeadLetter(producer, cfg.Kafka.Topics.DeadLetter)

	pairCache := cache.NewPairCache()
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := pairCache.Load(loadCtx, store); err != nil {
		loadCancel()
		logger.Error("trading pair load failed", "error", err)
		os.Exit(1)
	}
	loadCancel()
	logger.Info("trading pairs loaded", "count", pairCache.Size())

	topics := service.Topics{
		OrdersAccepted:  cfg.Kafka.Topics.OrdersAccepted,
		OrdersRejected:  cfg.Kafka.Topics.OrdersRejected,
		OrdersCancelled: cfg.Kafka.Topics.OrdersCancelled,
		OrdersExpired:   cfg.Kafka.Topics.OrdersExpired,
		TradesSettled:   cfg.Kafka.Topics.TradesSettled,
		BalancesUpdated: cfg.Kafka.Topics.BalancesUpdated,
	}

	orderSvc := service.NewOrderService(store, pairCache, producer, logger, exchangeMetrics, topics, cfg.MarketBuySlippageBps)
	settlementSvc := service.NewSettlementService(store, producer, logger, exchangeMetrics, topics)

	oracle := pricing.NewMarketOracle(store, cfg.Oracle.QuoteCurrencies, staticRates(cfg.Oracle.StaticRates, logger), cfg.Oracle.CacheTTL)
	portfolioSvc := service.NewPortfolioService(store, oracle, logger, exchangeMetrics)

	limiter := newOrderLimiter(cfg, logger)

	handler := handlers.New(orderSvc, portfolioSvc, store, store, limiter, exchangeMetrics, logger)
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler.Register(router, []byte(cfg.JWTSecret))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	tradeConsumer := consumer.NewTradeConsumer(settlementSvc, logger)

	ready.SetReady(true)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go func() {
		logger.Info("exchange http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		logger.Info("exchange consumer starting", "topic", cfg.Kafka.Topics.TradesExecuted)
		if err := consumerGroup.Consume(workerCtx, []string{cfg.Kafka.Topics.TradesExecuted}, tradeConsumer); err != nil {
			logger.Error("kafka consumer error", "error", err)
		}
	}()

	go runExpirySweep(workerCtx, orderSvc, cfg.ExpirySweepInterval, logger)
	go runPairRefresh(workerCtx, pairCache, store, cfg.PairRefreshInterval, logger)

	waitForShutdown(httpServer, ready, workerCancel, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// newOrderLimiter prefers Redis so the limit holds across replicas, and
// falls back to the in-process limiter when Redis is not configured.
func newOrderLimiter(cfg *config.Config, logger *slog.Logger) handlers.Limiter {
	if cfg.Redis.Addr == "" {
		return rate.New(cfg.RateLimit.OrdersPerWindow, cfg.RateLimit.Window)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, using in-process rate limiter", "error", err)
		return rate.New(cfg.RateLimit.OrdersPerWindow, cfg.RateLimit.Window)
	}
	return rate.NewRedisLimiter(client, cfg.RateLimit.OrdersPerWindow, cfg.RateLimit.Window, "")
}

func staticRates(raw map[string]string, logger *slog.Logger) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(raw))
	for currency, rate := range raw {
		parsed, err := decimal.NewFromString(rate)
		if err != nil || parsed.LessThanOrEqual(decimal.Zero) {
			logger.Warn("skipping invalid static rate", "currency", currency, "rate", rate)
			continue
		}
		out[currency] = parsed
	}
	return out
}

func runExpirySweep(ctx context.Context, orders *service.OrderService, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			expired, err := orders.ExpireDueOrders(ctx, now.UTC())
			if err != nil {
				logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				logger.Info("orders expired", "count", expired)
			}
		}
	}
}

func runPairRefresh(ctx context.Context, pairs *cache.PairCache, store *storage.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pairs.Refresh(ctx, store); err != nil {
				logger.Error("trading pair refresh failed", "error", err, "stale_since", pairs.LastRefresh())
			}
		}
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

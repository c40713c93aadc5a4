package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"log/slog"

	"github.com/code-vibe/cryptotrade-exchange/internal/service"
	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
	"github.com/code-vibe/cryptotrade-exchange/internal/validation"
	"github.com/code-vibe/cryptotrade-exchange/libs/apikey"
	"github.com/code-vibe/cryptotrade-exchange/libs/auth"
)

type OrderService interface {
	SubmitOrder(ctx context.Context, input service.SubmitOrderInput) (*service.SubmitOrderResult, error)
	CancelOrder(ctx context.Context, input service.CancelOrderInput) (storage.Order, error)
	GetOrder(ctx context.Context, userID, orderID uuid.UUID) (storage.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, status string, limit int, cursor string) ([]storage.Order, string, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (storage.OrderBook, error)
	ListRecentTrades(ctx context.Context, symbol string, limit int) ([]storage.Trade, error)
	ListUserTrades(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Trade, error)
	ListPairs() []storage.TradingPair
	SymbolFor(pairID uuid.UUID) string
}

type PortfolioService interface {
	GetPortfolio(ctx context.Context, userID uuid.UUID) (service.Portfolio, error)
	GetPortfolioHistory(ctx context.Context, userID uuid.UUID, days int) ([]storage.PortfolioSnapshot, error)
}

type BalanceStore interface {
	ListBalances(ctx context.Context, userID uuid.UUID) ([]storage.Account, error)
}

// APIKeySource resolves programmatic API keys by prefix.
type APIKeySource interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (storage.APIKey, error)
}

// Limiter is satisfied by both the in-process and the Redis rate limiter.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

type Handler struct {
	Orders    OrderService
	Portfolio PortfolioService
	Balances  BalanceStore
	Keys      APIKeySource
	Limiter   Limiter
	Metrics   *service.Metrics
	Logger    *slog.Logger
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Reasons []string                `json:"reasons,omitempty"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
	Details map[string]string       `json:"details,omitempty"`
}

func New(orders OrderService, portfolio PortfolioService, balances BalanceStore, keys APIKeySource, limiter Limiter, metrics *service.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Orders:    orders,
		Portfolio: portfolio,
		Balances:  balances,
		Keys:      keys,
		Limiter:   limiter,
		Metrics:   metrics,
		Logger:    logger,
	}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	r.GET("/markets", h.ListMarkets)
	r.GET("/markets/:symbol/orderbook", h.GetOrderBook)
	r.GET("/markets/:symbol/trades", h.ListMarketTrades)

	group := r.Group("/", h.authenticate(jwtSecret))
	group.POST("/orders", h.rateLimit(), h.CreateOrder)
	group.GET("/orders", h.ListOrders)
	group.GET("/orders/:id", h.GetOrder)
	group.DELETE("/orders/:id", h.CancelOrder)
	group.GET("/trades", h.ListMyTrades)
	group.GET("/balances", h.ListBalances)
	group.GET("/portfolio", h.GetPortfolio)
	group.GET("/portfolio/history", h.GetPortfolioHistory)
}

// authenticate accepts either an X-API-Key header or a bearer JWT. API key
// requests hitting mutating endpoints need the trade scope.
func (h *Handler) authenticate(jwtSecret []byte) gin.HandlerFunc {
	jwtMiddleware := auth.Middleware(jwtSecret)
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader("X-API-Key"))
		if key == "" {
			jwtMiddleware(c)
			return
		}

		if h.Keys == nil {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "api keys not enabled", nil, nil, nil)
			c.Abort()
			return
		}

		_, prefix, _, err := apikey.Parse(key)
		if err != nil {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key", nil, nil, nil)
			c.Abort()
			return
		}

		record, err := h.Keys.GetAPIKeyByPrefix(c.Request.Context(), prefix)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key", nil, nil, nil)
			} else {
				h.Logger.Error("api key lookup failed", "error", err)
				writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil, nil, nil)
			}
			c.Abort()
			return
		}

		userID, scopes, err := apikey.VerifyAPIKey(key, apiKeyRecord(record), c.ClientIP())
		if err != nil {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key", nil, nil, nil)
			c.Abort()
			return
		}

		if c.Request.Method != http.MethodGet && !hasScope(scopes, "trade") {
			writeError(c, http.StatusForbidden, "FORBIDDEN", "missing trade scope", nil, nil, nil)
			c.Abort()
			return
		}

		c.Set(auth.ContextUserIDKey, userID)
		c.Next()
	}
}

func (h *Handler) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.Limiter == nil {
			c.Next()
			return
		}
		userID, ok := userIDFromContext(c)
		if !ok {
			c.Next()
			return
		}

		allowed, retryAfter, err := h.Limiter.Allow(c.Request.Context(), userID.String(), time.Now())
		if err != nil {
			// limiter errors fail open
			h.Logger.Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		if !allowed {
			h.Metrics.IncRateLimited()
			if retryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			}
			writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many orders", nil, nil, nil)
			c.Abort()
			return
		}
		c.Next()
	}
}

func apiKeyRecord(key storage.APIKey) apikey.Record {
	return apikey.Record{
		ID:          key.ID.String(),
		UserID:      key.UserID.String(),
		KeyHash:     key.KeyHash,
		Scopes:      key.Scopes,
		IPWhitelist: key.IPWhitelist,
		RevokedAt:   key.RevokedAt,
	}
}

func hasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func userIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(auth.ContextUserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	userID, ok := val.(string)
	if !ok {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func writeError(c *gin.Context, status int, code, message string, reasons []string, fields []validation.FieldError, details map[string]string) {
	resp := errorResponse{
		Code:    code,
		Message: message,
		Reasons: reasons,
		Fields:  fields,
		Details: details,
	}
	c.JSON(status, resp)
}

func hasReason(reasons []string, reason string) bool {
	for _, r := range reasons {
		if r == reason {
			return true
		}
	}
	return false
}

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get("X-Request-ID"); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

func parseLimitQuery(c *gin.Context) (int, bool) {
	return parseLimitQueryNamed(c, "limit")
}

func parseLimitQueryNamed(c *gin.Context, name string) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

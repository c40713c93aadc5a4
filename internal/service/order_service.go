package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
	"github.com/code-vibe/cryptotrade-exchange/libs/kafka"
)

const (
	statusAccepted = "accepted"
	statusRejected = "rejected"
	statusExisting = "existing"
)

var (
	ErrUnknownSymbol   = errors.New("unknown symbol")
	ErrPairNotActive   = errors.New("trading pair not active")
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrInvalidPrice    = errors.New("invalid price")
)

type Topics struct {
	OrdersAccepted  string
	OrdersRejected  string
	OrdersCancelled string
	OrdersExpired   string
	TradesSettled   string
	BalancesUpdated string
}

type OrderStore interface {
	CreateOrder(ctx context.Context, params storage.CreateOrderParams) (storage.CreateOrderResult, error)
	CreateRejectedOrder(ctx context.Context, params storage.CreateOrderParams) (storage.Order, error)
	CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (storage.Order, error)
	ExpireDueOrders(ctx context.Context, now time.Time) ([]storage.Order, error)
	GetOrder(ctx context.Context, userID, orderID uuid.UUID) (storage.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, status string, limit int, cursor string) ([]storage.Order, string, error)
	GetOrderBook(ctx context.Context, pair storage.TradingPair, depth int) (storage.OrderBook, error)
	LastTradePrice(ctx context.Context, pairID uuid.UUID) (decimal.Decimal, error)
	ListRecentTrades(ctx context.Context, pairID uuid.UUID, limit int) ([]storage.Trade, error)
	ListUserTrades(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Trade, error)
	InsertAudit(ctx context.Context, log storage.AuditLog) error
}

// PairSource resolves symbols against the in-memory trading pair cache.
type PairSource interface {
	GetPair(symbol string) (*storage.TradingPair, bool)
	GetPairByID(id uuid.UUID) (*storage.TradingPair, bool)
	ListPairs() []storage.TradingPair
}

type OrderService struct {
	store                OrderStore
	pairs                PairSource
	producer             kafka.Publisher
	logger               *slog.Logger
	metrics              *Metrics
	topics               Topics
	marketBuySlippageBps int
}

func NewOrderService(store OrderStore, pairs PairSource, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, topics Topics, marketBuySlippageBps int) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderService{
		store:                store,
		pairs:                pairs,
		producer:             producer,
		logger:               logger,
		metrics:              metrics,
		topics:               topics,
		marketBuySlippageBps: marketBuySlippageBps,
	}
}

type SubmitOrderInput struct {
	UserID        uuid.UUID
	ClientOrderID string
	Symbol        string
	Side          string
	OrderType     string
	TimeInForce   string
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
	StopPrice     *decimal.Decimal
	ExpiresAt     *time.Time
	IP            string
	UserAgent     string
	CorrelationID string
}

type SubmitOrderResult struct {
	Order    storage.Order
	Status   string
	Reasons  []string
	Existing bool
}

type CancelOrderInput struct {
	UserID        uuid.UUID
	OrderID       uuid.UUID
	IP            string
	UserAgent     string
	CorrelationID string
}

// SubmitOrder runs pre-trade checks, reserves funds and opens the order.
// Check failures persist the order as rejected so the attempt stays
// auditable; only an unknown symbol returns without a row.
func (s *OrderService) SubmitOrder(ctx context.Context, input SubmitOrderInput) (*SubmitOrderResult, error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOrderDuration("submit", time.Since(start))
	}()

	pair, ok := s.pairs.GetPair(input.Symbol)
	if !ok {
		s.metrics.IncOrderSubmitted(statusRejected)
		return nil, ErrUnknownSymbol
	}

	params := storage.CreateOrderParams{
		UserID:      input.UserID,
		TradingPair: *pair,
		Type:        strings.ToLower(strings.TrimSpace(input.OrderType)),
		Side:        strings.ToLower(strings.TrimSpace(input.Side)),
		Quantity:    input.Quantity,
		Price:       input.Price,
		StopPrice:   input.StopPrice,
		TimeInForce: normalizeTimeInForce(input.TimeInForce),
		ExpiresAt:   input.ExpiresAt,
	}
	if clientID := strings.TrimSpace(input.ClientOrderID); clientID != "" {
		params.ClientOrderID = &clientID
	}

	if reasons := s.preTradeCheck(pair, params); len(reasons) > 0 {
		return s.rejectOrder(ctx, input, params, reasons)
	}

	reserveAsset, reserveAmount, err := s.reservationFor(ctx, pair, params)
	if err != nil {
		return s.rejectOrder(ctx, input, params, []string{err.Error()})
	}
	params.ReserveAsset = reserveAsset
	params.ReserveAmount = reserveAmount

	result, err := s.store.CreateOrder(ctx, params)
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientBalance) {
			return s.rejectOrder(ctx, input, params, []string{"insufficient balance"})
		}
		return nil, fmt.Errorf("create order: %w", err)
	}

	if result.Existing {
		s.metrics.IncOrderSubmitted(statusExisting)
		return &SubmitOrderResult{Order: result.Order, Status: responseStatus(result.Order.Status), Existing: true}, nil
	}

	s.metrics.IncOrderSubmitted(statusAccepted)
	s.insertAudit(ctx, input.UserID, "order.submit", result.Order.ID, input.IP, input.UserAgent)
	s.publishOrderAccepted(ctx, input.CorrelationID, pair.Symbol, result.Order)
	return &SubmitOrderResult{Order: result.Order, Status: statusAccepted}, nil
}

func (s *OrderService) rejectOrder(ctx context.Context, input SubmitOrderInput, params storage.CreateOrderParams, reasons []string) (*SubmitOrderResult, error) {
	order, err := s.store.CreateRejectedOrder(ctx, params)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateClientOrder) && params.ClientOrderID != nil {
			s.metrics.IncOrderSubmitted(statusExisting)
			return nil, storage.ErrDuplicateClientOrder
		}
		return nil, fmt.Errorf("persist rejected order: %w", err)
	}
	s.metrics.IncOrderSubmitted(statusRejected)
	s.insertAudit(ctx, input.UserID, "order.reject", order.ID, input.IP, input.UserAgent)
	s.publishOrderRejected(ctx, input.CorrelationID, params.TradingPair.Symbol, order, reasons)
	return &SubmitOrderResult{Order: order, Status: statusRejected, Reasons: reasons}, nil
}

// preTradeCheck applies the pair's trading rules. Field-level syntax has
// already been validated at the edge.
func (s *OrderService) preTradeCheck(pair *storage.TradingPair, params storage.CreateOrderParams) []string {
	var reasons []string

	if !pair.IsActive {
		reasons = append(reasons, ErrPairNotActive.Error())
	}
	if params.Quantity.LessThan(pair.MinOrderSize) {
		reasons = append(reasons, fmt.Sprintf("quantity below minimum order size %s", pair.MinOrderSize))
	}
	if pair.MaxOrderSize.IsPositive() && params.Quantity.GreaterThan(pair.MaxOrderSize) {
		reasons = append(reasons, fmt.Sprintf("quantity above maximum order size %s", pair.MaxOrderSize))
	}
	if !conformsToPrecision(params.Quantity, pair.QuantityPrecision) {
		reasons = append(reasons, fmt.Sprintf("quantity exceeds %d decimal places", pair.QuantityPrecision))
	}
	if params.Price != nil && !conformsToPrecision(*params.Price, pair.PricePrecision) {
		reasons = append(reasons, fmt.Sprintf("price exceeds %d decimal places", pair.PricePrecision))
	}
	if params.StopPrice != nil && !conformsToPrecision(*params.StopPrice, pair.PricePrecision) {
		reasons = append(reasons, fmt.Sprintf("stop price exceeds %d decimal places", pair.PricePrecision))
	}
	return reasons
}

// reservationFor computes the asset and amount to lock. Sells reserve the
// base quantity. Priced buys reserve quantity times price; market buys
// reserve against the last trade price padded by the configured slippage
// allowance, and are rejected when the pair has never traded.
func (s *OrderService) reservationFor(ctx context.Context, pair *storage.TradingPair, params storage.CreateOrderParams) (string, decimal.Decimal, error) {
	if params.Side == storage.OrderSideSell {
		return pair.BaseCurrency, params.Quantity, nil
	}

	if params.Price != nil {
		return pair.QuoteCurrency, params.Quantity.Mul(*params.Price), nil
	}

	refPrice, err := s.marketBuyReferencePrice(ctx, pair)
	if err != nil {
		return "", decimal.Decimal{}, err
	}
	return pair.QuoteCurrency, params.Quantity.Mul(refPrice), nil
}

func (s *OrderService) marketBuyReferencePrice(ctx context.Context, pair *storage.TradingPair) (decimal.Decimal, error) {
	price, err := s.store.LastTradePrice(ctx, pair.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return decimal.Zero, fmt.Errorf("market price unavailable for %s", pair.Symbol)
		}
		return decimal.Zero, err
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("invalid reference price for %s", pair.Symbol)
	}
	slippage := decimal.NewFromInt(int64(s.marketBuySlippageBps)).Div(decimal.NewFromInt(10000))
	return price.Mul(decimal.NewFromInt(1).Add(slippage)), nil
}

func (s *OrderService) CancelOrder(ctx context.Context, input CancelOrderInput) (storage.Order, error) {
	start := time.Now()
	defer func() {
		s.metrics.ObserveOrderDuration("cancel", time.Since(start))
	}()

	order, err := s.store.CancelOrder(ctx, input.UserID, input.OrderID)
	if err != nil {
		return storage.Order{}, err
	}

	s.metrics.IncOrdersCancelled()
	s.insertAudit(ctx, input.UserID, "order.cancel", order.ID, input.IP, input.UserAgent)
	s.publishOrderClosed(ctx, s.topics.OrdersCancelled, "orders.cancelled", input.CorrelationID, order)
	return order, nil
}

// ExpireDueOrders sweeps GTD orders past their expiry. Called from the
// scheduler loop in main.
func (s *OrderService) ExpireDueOrders(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ExpireDueOrders(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, order := range expired {
		s.publishOrderClosed(ctx, s.topics.OrdersExpired, "orders.expired", "", order)
	}
	s.metrics.AddOrdersExpired(len(expired))
	return len(expired), nil
}

func (s *OrderService) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (storage.Order, error) {
	return s.store.GetOrder(ctx, userID, orderID)
}

func (s *OrderService) ListOrders(ctx context.Context, userID uuid.UUID, status string, limit int, cursor string) ([]storage.Order, string, error) {
	return s.store.ListOrders(ctx, userID, status, limit, cursor)
}

func (s *OrderService) GetOrderBook(ctx context.Context, symbol string, depth int) (storage.OrderBook, error) {
	pair, ok := s.pairs.GetPair(symbol)
	if !ok {
		return storage.OrderBook{}, ErrUnknownSymbol
	}
	return s.store.GetOrderBook(ctx, *pair, depth)
}

func (s *OrderService) ListRecentTrades(ctx context.Context, symbol string, limit int) ([]storage.Trade, error) {
	pair, ok := s.pairs.GetPair(symbol)
	if !ok {
		return nil, ErrUnknownSymbol
	}
	return s.store.ListRecentTrades(ctx, pair.ID, limit)
}

func (s *OrderService) ListUserTrades(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Trade, error) {
	return s.store.ListUserTrades(ctx, userID, limit)
}

// SymbolFor resolves a trading pair id to its symbol via the pair cache.
func (s *OrderService) SymbolFor(pairID uuid.UUID) string {
	if pair, ok := s.pairs.GetPairByID(pairID); ok {
		return pair.Symbol
	}
	return ""
}

func (s *OrderService) ListPairs() []storage.TradingPair {
	return s.pairs.ListPairs()
}

func (s *OrderService) insertAudit(ctx context.Context, userID uuid.UUID, action string, orderID uuid.UUID, ip, userAgent string) {
	log := storage.AuditLog{
		ActorID:    userID,
		ActorType:  "user",
		Action:     action,
		EntityType: "order",
		EntityID:   &orderID,
		IP:         ip,
		UserAgent:  userAgent,
	}
	if err := s.store.InsertAudit(ctx, log); err != nil {
		s.logger.Error("audit log failed", "error", err)
	}
}

func (s *OrderService) publishOrderAccepted(ctx context.Context, correlationID, symbol string, order storage.Order) {
	if s.producer == nil {
		return
	}
	eventID := kafka.DeterministicEventID("orders.accepted", order.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, "orders.accepted", 1, correlationID)
	if err != nil {
		s.logger.Error("build order accepted envelope failed", "error", err)
		return
	}

	payload := OrderAcceptedEvent{
		Envelope:      env,
		OrderID:       order.ID.String(),
		ClientOrderID: optionalString(order.ClientOrderID),
		UserID:        order.UserID.String(),
		Symbol:        symbol,
		Side:          order.Side,
		Type:          order.Type,
		Price:         optionalDecimal(order.Price),
		Quantity:      order.Quantity.String(),
		TimeInForce:   order.TimeInForce,
		Status:        order.Status,
		CreatedAt:     order.CreatedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.OrdersAccepted, symbol, payload); err != nil {
		s.logger.Error("publish order accepted failed", "error", err)
	}
}

func (s *OrderService) publishOrderRejected(ctx context.Context, correlationID, symbol string, order storage.Order, reasons []string) {
	if s.producer == nil {
		return
	}
	eventID := kafka.DeterministicEventID("orders.rejected", order.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, "orders.rejected", 1, correlationID)
	if err != nil {
		s.logger.Error("build order rejected envelope failed", "error", err)
		return
	}
	payload := OrderRejectedEvent{
		Envelope:      env,
		OrderID:       order.ID.String(),
		ClientOrderID: optionalString(order.ClientOrderID),
		UserID:        order.UserID.String(),
		Symbol:        symbol,
		Side:          order.Side,
		Type:          order.Type,
		Price:         optionalDecimal(order.Price),
		Quantity:      order.Quantity.String(),
		Reasons:       reasons,
		RejectedAt:    order.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.OrdersRejected, symbol, payload); err != nil {
		s.logger.Error("publish order rejected failed", "error", err)
	}
}

func (s *OrderService) publishOrderClosed(ctx context.Context, topic, eventType, correlationID string, order storage.Order) {
	if s.producer == nil || topic == "" {
		return
	}
	eventID := kafka.DeterministicEventID(eventType, order.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, eventType, 1, correlationID)
	if err != nil {
		s.logger.Error("build order closed envelope failed", "type", eventType, "error", err)
		return
	}
	payload := OrderClosedEvent{
		Envelope:       env,
		OrderID:        order.ID.String(),
		ClientOrderID:  optionalString(order.ClientOrderID),
		UserID:         order.UserID.String(),
		Status:         order.Status,
		FilledQuantity: order.FilledQuantity.String(),
		ClosedAt:       order.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := s.producer.PublishJSON(ctx, topic, order.UserID.String(), payload); err != nil {
		s.logger.Error("publish order closed failed", "type", eventType, "error", err)
	}
}

func normalizeTimeInForce(tif string) string {
	tif = strings.ToUpper(strings.TrimSpace(tif))
	if tif == "" {
		return storage.TimeInForceGTC
	}
	return tif
}

func conformsToPrecision(val decimal.Decimal, places int32) bool {
	return val.Truncate(places).Equal(val)
}

func optionalDecimal(val *decimal.Decimal) string {
	if val == nil {
		return ""
	}
	return val.String()
}

func optionalString(val *string) string {
	if val == nil {
		return ""
	}
	return *val
}

func responseStatus(status string) string {
	switch status {
	case storage.OrderStatusPending, storage.OrderStatusOpen:
		return statusAccepted
	case storage.OrderStatusRejected:
		return statusRejected
	default:
		return status
	}
}

// Event payloads

type OrderAcceptedEvent struct {
	kafka.Envelope
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	UserID        string `json:"user_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price,omitempty"`
	Quantity      string `json:"quantity"`
	TimeInForce   string `json:"time_in_force"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}

type OrderRejectedEvent struct {
	kafka.Envelope
	OrderID       string   `json:"order_id"`
	ClientOrderID string   `json:"client_order_id,omitempty"`
	UserID        string   `json:"user_id"`
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	Type          string   `json:"type"`
	Price         string   `json:"price,omitempty"`
	Quantity      string   `json:"quantity"`
	Reasons       []string `json:"reasons"`
	RejectedAt    string   `json:"rejected_at"`
}

type OrderClosedEvent struct {
	kafka.Envelope
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id,omitempty"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
	FilledQuantity string `json:"filled_quantity"`
	ClosedAt       string `json:"closed_at"`
}

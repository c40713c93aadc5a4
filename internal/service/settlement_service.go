package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
	"github.com/code-vibe/cryptotrade-exchange/libs/kafka"
)

type SettlementStore interface {
	ApplySettlement(ctx context.Context, input storage.SettlementInput) (storage.SettlementResult, error)
	GetTradingPair(ctx context.Context, id uuid.UUID) (storage.TradingPair, error)
	GetBalance(ctx context.Context, userID uuid.UUID, currency string) (storage.Account, error)
}

type SettlementService struct {
	store    SettlementStore
	producer kafka.Publisher
	logger   *slog.Logger
	metrics  *Metrics
	topics   Topics
}

func NewSettlementService(store SettlementStore, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, topics Topics) *SettlementService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementService{
		store:    store,
		producer: producer,
		logger:   logger,
		metrics:  metrics,
		topics:   topics,
	}
}

// Settle applies one executed match and fans out the resulting trade and
// balance events. Duplicate deliveries are counted and dropped.
func (s *SettlementService) Settle(ctx context.Context, input storage.SettlementInput) (storage.SettlementResult, error) {
	start := time.Now()
	result, err := s.store.ApplySettlement(ctx, input)
	s.metrics.ObserveSettlementDuration(time.Since(start))
	if err != nil {
		s.metrics.IncSettlement("error")
		return storage.SettlementResult{}, err
	}
	if result.AlreadyProcessed {
		s.metrics.IncSettlement("duplicate")
		s.logger.Info("settlement already processed", "event_id", input.EventID)
		return result, nil
	}
	s.metrics.IncSettlement("settled")

	pair, err := s.store.GetTradingPair(ctx, result.Trade.TradingPairID)
	if err != nil {
		s.logger.Error("load pair for settlement events", "trade_id", result.Trade.ID, "error", err)
		return result, nil
	}

	s.publishTradeSettled(ctx, pair.Symbol, result.Trade)
	s.publishBalanceUpdates(ctx, result, pair)
	return result, nil
}

func (s *SettlementService) publishTradeSettled(ctx context.Context, symbol string, trade storage.Trade) {
	if s.producer == nil || s.topics.TradesSettled == "" {
		return
	}
	eventID := kafka.DeterministicEventID("trades.settled", trade.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, "trades.settled", 1, "")
	if err != nil {
		s.logger.Error("build trade settled envelope failed", "error", err)
		return
	}
	payload := TradeSettledEvent{
		Envelope:      env,
		TradeID:       trade.ID.String(),
		Symbol:        symbol,
		BuyerOrderID:  trade.BuyerOrderID.String(),
		SellerOrderID: trade.SellerOrderID.String(),
		Price:         trade.Price.String(),
		Quantity:      trade.Quantity.String(),
		BuyerFee:      trade.BuyerFee.String(),
		SellerFee:     trade.SellerFee.String(),
		ExecutedAt:    trade.CreatedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.TradesSettled, symbol, payload); err != nil {
		s.logger.Error("publish trade settled failed", "error", err)
	}
}

func (s *SettlementService) publishBalanceUpdates(ctx context.Context, result storage.SettlementResult, pair storage.TradingPair) {
	if s.producer == nil || s.topics.BalancesUpdated == "" {
		return
	}

	type update struct {
		userID   uuid.UUID
		currency string
	}
	updates := []update{
		{result.BuyerOrder.UserID, pair.QuoteCurrency},
		{result.BuyerOrder.UserID, pair.BaseCurrency},
		{result.SellerOrder.UserID, pair.BaseCurrency},
		{result.SellerOrder.UserID, pair.QuoteCurrency},
	}

	seen := map[string]bool{}
	for _, u := range updates {
		key := u.userID.String() + ":" + u.currency
		if seen[key] {
			continue
		}
		seen[key] = true

		acct, err := s.store.GetBalance(ctx, u.userID, u.currency)
		if err != nil {
			s.logger.Error("load balance for event", "user_id", u.userID, "currency", u.currency, "error", err)
			continue
		}
		s.publishBalanceUpdated(ctx, result.Trade.ID, acct)
	}
}

func (s *SettlementService) publishBalanceUpdated(ctx context.Context, tradeID uuid.UUID, acct storage.Account) {
	eventID := kafka.DeterministicEventID("balances.updated",
		fmt.Sprintf("%s:%s:%s", tradeID, acct.UserID, acct.Currency))
	env, err := kafka.NewEnvelopeWithID(eventID, "balances.updated", 1, "")
	if err != nil {
		s.logger.Error("build balance updated envelope failed", "error", err)
		return
	}
	payload := BalanceUpdatedEvent{
		Envelope:  env,
		UserID:    acct.UserID.String(),
		Currency:  acct.Currency,
		Balance:   acct.Balance.String(),
		Available: acct.AvailableBalance.String(),
		Locked:    acct.LockedBalance.String(),
		TradeID:   tradeID.String(),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.BalancesUpdated, acct.UserID.String(), payload); err != nil {
		s.logger.Error("publish balance updated failed", "error", err)
	}
}

type TradeSettledEvent struct {
	kafka.Envelope
	TradeID       string `json:"trade_id"`
	Symbol        string `json:"symbol"`
	BuyerOrderID  string `json:"buyer_order_id"`
	SellerOrderID string `json:"seller_order_id"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
	BuyerFee      string `json:"buyer_fee"`
	SellerFee     string `json:"seller_fee"`
	ExecutedAt    string `json:"executed_at"`
}

type BalanceUpdatedEvent struct {
	kafka.Envelope
	UserID    string `json:"user_id"`
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
	TradeID   string `json:"trade_id"`
}

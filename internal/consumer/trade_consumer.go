package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
	"github.com/code-vibe/cryptotrade-exchange/libs/kafka"
)

const tradesExecutedEventType = "trades.executed"

// TradeExecutedEvent is what the matching engine emits for every cross. The
// envelope's event id doubles as the settlement idempotency key.
type TradeExecutedEvent struct {
	kafka.Envelope
	Symbol        string `json:"symbol"`
	BuyerOrderID  string `json:"buyer_order_id"`
	SellerOrderID string `json:"seller_order_id"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
	TakerSide     string `json:"taker_side"`
	ExecutedAt    string `json:"executed_at"`
}

type Settler interface {
	Settle(ctx context.Context, input storage.SettlementInput) (storage.SettlementResult, error)
}

type TradeConsumer struct {
	settler Settler
	logger  *slog.Logger
}

func NewTradeConsumer(settler Settler, logger *slog.Logger) *TradeConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TradeConsumer{settler: settler, logger: logger}
}

func (c *TradeConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return fmt.Errorf("empty kafka message")
	}
	var event TradeExecutedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("decode trades.executed: %w", err)
	}
	if err := event.Validate(); err != nil {
		return err
	}

	input, err := event.toSettlementInput()
	if err != nil {
		return err
	}

	result, err := c.settler.Settle(ctx, input)
	if err != nil {
		return fmt.Errorf("settle trade event %s: %w", event.EventID, err)
	}
	if !result.AlreadyProcessed {
		c.logger.Info("trade settled",
			"event_id", event.EventID,
			"trade_id", result.Trade.ID,
			"symbol", event.Symbol,
			"price", result.Trade.Price,
			"quantity", result.Trade.Quantity,
		)
	}
	return nil
}

func (e *TradeExecutedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != tradesExecutedEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.BuyerOrderID) == "" {
		return fmt.Errorf("buyer_order_id is required")
	}
	if strings.TrimSpace(e.SellerOrderID) == "" {
		return fmt.Errorf("seller_order_id is required")
	}
	if strings.TrimSpace(e.Price) == "" {
		return fmt.Errorf("price is required")
	}
	if strings.TrimSpace(e.Quantity) == "" {
		return fmt.Errorf("quantity is required")
	}
	side := strings.ToLower(strings.TrimSpace(e.TakerSide))
	if side != storage.OrderSideBuy && side != storage.OrderSideSell {
		return fmt.Errorf("taker_side must be buy or sell")
	}
	return nil
}

func (e *TradeExecutedEvent) toSettlementInput() (storage.SettlementInput, error) {
	eventID, err := parseUUID(e.EventID, "event_id")
	if err != nil {
		return storage.SettlementInput{}, err
	}
	buyerOrderID, err := parseUUID(e.BuyerOrderID, "buyer_order_id")
	if err != nil {
		return storage.SettlementInput{}, err
	}
	sellerOrderID, err := parseUUID(e.SellerOrderID, "seller_order_id")
	if err != nil {
		return storage.SettlementInput{}, err
	}
	price, err := parsePositiveDecimal(e.Price, "price")
	if err != nil {
		return storage.SettlementInput{}, err
	}
	quantity, err := parsePositiveDecimal(e.Quantity, "quantity")
	if err != nil {
		return storage.SettlementInput{}, err
	}

	return storage.SettlementInput{
		EventID:       eventID,
		BuyerOrderID:  buyerOrderID,
		SellerOrderID: sellerOrderID,
		Price:         price,
		Quantity:      quantity,
		TakerSide:     strings.ToLower(strings.TrimSpace(e.TakerSide)),
	}, nil
}

func parseUUID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return id, nil
}

func parsePositiveDecimal(raw, field string) (decimal.Decimal, error) {
	val, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s: %w", field, err)
	}
	if val.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, fmt.Errorf("%s must be positive", field)
	}
	return val, nil
}

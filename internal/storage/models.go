package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	AccountStatusActive = "active"
	AccountStatusFrozen = "frozen"
)

const (
	OrderStatusPending         = "pending"
	OrderStatusOpen            = "open"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRejected        = "rejected"
	OrderStatusExpired         = "expired"
)

const (
	OrderTypeMarket          = "market"
	OrderTypeLimit           = "limit"
	OrderTypeStopLoss        = "stop_loss"
	OrderTypeTakeProfit      = "take_profit"
	OrderTypeStopLossLimit   = "stop_loss_limit"
	OrderTypeTakeProfitLimit = "take_profit_limit"
)

const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

const (
	TimeInForceGTC = "GTC"
	TimeInForceIOC = "IOC"
	TimeInForceFOK = "FOK"
	TimeInForceGTD = "GTD"
)

// Account holds one user's funds in one currency. balance is always
// available + locked; the store re-checks that after every mutation and
// freezes the account if it ever fails to hold.
type Account struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	Currency         string
	Balance          decimal.Decimal
	AvailableBalance decimal.Decimal
	LockedBalance    decimal.Decimal
	Status           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Order struct {
	ID                uuid.UUID
	ClientOrderID     *string
	UserID            uuid.UUID
	TradingPairID     uuid.UUID
	Type              string
	Side              string
	Quantity          decimal.Decimal
	Price             *decimal.Decimal
	StopPrice         *decimal.Decimal
	FilledQuantity    decimal.Decimal
	RemainingQuantity decimal.Decimal
	Status            string
	TimeInForce       string
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsTerminal reports whether the order can no longer transition.
func (o Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

type TradingPair struct {
	ID                uuid.UUID
	Symbol            string
	BaseCurrency      string
	QuoteCurrency     string
	IsActive          bool
	MinOrderSize      decimal.Decimal
	MaxOrderSize      decimal.Decimal
	PricePrecision    int32
	QuantityPrecision int32
	MakerFee          decimal.Decimal
	TakerFee          decimal.Decimal
	CreatedAt         time.Time
}

type Trade struct {
	ID            uuid.UUID
	TradingPairID uuid.UUID
	BuyerOrderID  uuid.UUID
	SellerOrderID uuid.UUID
	BuyerUserID   uuid.UUID
	SellerUserID  uuid.UUID
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	BuyerFee      decimal.Decimal
	SellerFee     decimal.Decimal
	CreatedAt     time.Time
}

// CreateOrderParams carries a fully validated order into the store. The
// reservation amount and currency are computed by the service layer.
type CreateOrderParams struct {
	UserID        uuid.UUID
	ClientOrderID *string
	TradingPair   TradingPair
	Type          string
	Side          string
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   string
	ExpiresAt     *time.Time
	ReserveAsset  string
	ReserveAmount decimal.Decimal
}

type CreateOrderResult struct {
	Order    Order
	Existing bool
}

// SettlementInput describes one executed match. TakerSide is supplied by
// the caller; the store never infers which side crossed the book.
type SettlementInput struct {
	EventID       uuid.UUID
	BuyerOrderID  uuid.UUID
	SellerOrderID uuid.UUID
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	TakerSide     string
}

type SettlementResult struct {
	Trade            Trade
	BuyerOrder       Order
	SellerOrder      Order
	AlreadyProcessed bool
}

type OrderBookLevel struct {
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	OrderCount int64
}

type OrderBook struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
}

type APIKey struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Prefix      string
	KeyHash     string
	Scopes      []string
	IPWhitelist []string
	RevokedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type PortfolioSnapshot struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	TotalValueUSD decimal.Decimal
	SnapshotAt    time.Time
}

// TradeStats aggregates a user's executed volume over a window. Volumes are
// in quote currency units converted to USD by the caller's oracle rates.
type TradeStats struct {
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
	FeesPaid   decimal.Decimal
	TradeCount int64
}

package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/code-vibe/cryptotrade-exchange/internal/pricing"
	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
)

type PortfolioStore interface {
	ListBalances(ctx context.Context, userID uuid.UUID) ([]storage.Account, error)
	CountOpenOrders(ctx context.Context, userID uuid.UUID) (int64, error)
	CountUserTrades(ctx context.Context, userID uuid.UUID) (int64, error)
	GetTradeStats(ctx context.Context, userID uuid.UUID, since time.Time) (storage.TradeStats, error)
	SavePortfolioSnapshot(ctx context.Context, userID uuid.UUID, totalValueUSD decimal.Decimal, at time.Time) error
	ListPortfolioSnapshots(ctx context.Context, userID uuid.UUID, since time.Time) ([]storage.PortfolioSnapshot, error)
}

type Holding struct {
	Currency         string
	Balance          decimal.Decimal
	AvailableBalance decimal.Decimal
	LockedBalance    decimal.Decimal
	ValueUSD         decimal.Decimal
	Percentage       decimal.Decimal
}

type Performance struct {
	BuyVolume  decimal.Decimal
	SellVolume decimal.Decimal
	FeesPaid   decimal.Decimal
	PnL        decimal.Decimal
	PnLPercent decimal.Decimal
	TradeCount int64
}

type Portfolio struct {
	UserID        uuid.UUID
	TotalValueUSD decimal.Decimal
	Holdings      []Holding
	OpenOrders    int64
	TotalTrades   int64
	Last24h       Performance
	ComputedAt    time.Time
}

type PortfolioService struct {
	store   PortfolioStore
	oracle  pricing.Oracle
	logger  *slog.Logger
	metrics *Metrics
}

func NewPortfolioService(store PortfolioStore, oracle pricing.Oracle, logger *slog.Logger, metrics *Metrics) *PortfolioService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortfolioService{store: store, oracle: oracle, logger: logger, metrics: metrics}
}

// GetPortfolio values every holding in USD and aggregates trading activity.
// Currencies without a rate are carried with a zero valuation rather than
// failing the whole read. The computed total is snapshotted best effort for
// the history endpoint.
func (p *PortfolioService) GetPortfolio(ctx context.Context, userID uuid.UUID) (Portfolio, error) {
	accounts, err := p.store.ListBalances(ctx, userID)
	if err != nil {
		p.metrics.IncPortfolioRequest("error")
		return Portfolio{}, err
	}

	portfolio := Portfolio{
		UserID:        userID,
		TotalValueUSD: decimal.Zero,
		ComputedAt:    time.Now().UTC(),
	}

	for _, acct := range accounts {
		holding := Holding{
			Currency:         acct.Currency,
			Balance:          acct.Balance,
			AvailableBalance: acct.AvailableBalance,
			LockedBalance:    acct.LockedBalance,
			ValueUSD:         decimal.Zero,
		}
		if acct.Balance.IsPositive() {
			rate, err := p.oracle.Rate(ctx, acct.Currency)
			switch {
			case err == nil:
				holding.ValueUSD = acct.Balance.Mul(rate)
			case errors.Is(err, pricing.ErrNoRate):
				p.logger.Warn("no usd rate for holding", "currency", acct.Currency)
			default:
				p.metrics.IncPortfolioRequest("error")
				return Portfolio{}, err
			}
		}
		portfolio.TotalValueUSD = portfolio.TotalValueUSD.Add(holding.ValueUSD)
		portfolio.Holdings = append(portfolio.Holdings, holding)
	}

	for i := range portfolio.Holdings {
		if portfolio.TotalValueUSD.IsPositive() {
			portfolio.Holdings[i].Percentage = portfolio.Holdings[i].ValueUSD.
				Div(portfolio.TotalValueUSD).Mul(decimal.NewFromInt(100)).Round(2)
		}
	}

	if portfolio.OpenOrders, err = p.store.CountOpenOrders(ctx, userID); err != nil {
		p.metrics.IncPortfolioRequest("error")
		return Portfolio{}, err
	}
	if portfolio.TotalTrades, err = p.store.CountUserTrades(ctx, userID); err != nil {
		p.metrics.IncPortfolioRequest("error")
		return Portfolio{}, err
	}

	stats, err := p.store.GetTradeStats(ctx, userID, portfolio.ComputedAt.Add(-24*time.Hour))
	if err != nil {
		p.metrics.IncPortfolioRequest("error")
		return Portfolio{}, err
	}
	portfolio.Last24h = performanceFrom(stats)

	if err := p.store.SavePortfolioSnapshot(ctx, userID, portfolio.TotalValueUSD, portfolio.ComputedAt); err != nil {
		p.logger.Error("save portfolio snapshot", "user_id", userID, "error", err)
	}

	p.metrics.IncPortfolioRequest("ok")
	return portfolio, nil
}

func (p *PortfolioService) GetPortfolioHistory(ctx context.Context, userID uuid.UUID, days int) ([]storage.PortfolioSnapshot, error) {
	if days <= 0 {
		days = 30
	}
	if days > 365 {
		days = 365
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	return p.store.ListPortfolioSnapshots(ctx, userID, since)
}

// performanceFrom computes trailing profit and loss from executed volume.
// Proceeds of sells minus cost of buys minus fees, in quote currency terms.
func performanceFrom(stats storage.TradeStats) Performance {
	perf := Performance{
		BuyVolume:  stats.BuyVolume,
		SellVolume: stats.SellVolume,
		FeesPaid:   stats.FeesPaid,
		TradeCount: stats.TradeCount,
	}
	perf.PnL = stats.SellVolume.Sub(stats.BuyVolume).Sub(stats.FeesPaid)
	if stats.BuyVolume.IsPositive() {
		perf.PnLPercent = perf.PnL.Div(stats.BuyVolume).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return perf
}

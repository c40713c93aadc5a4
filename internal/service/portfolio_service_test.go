package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/code-vibe/cryptotrade-exchange/internal/pricing"
	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
)

type fakePortfolioStore struct {
	balances      []storage.Account
	openOrders    int64
	totalTrades   int64
	stats         storage.TradeStats
	snapshots     []storage.PortfolioSnapshot
	savedSnapshot *decimal.Decimal
}

func (f *fakePortfolioStore) ListBalances(ctx context.Context, userID uuid.UUID) ([]storage.Account, error) {
	return f.balances, nil
}

func (f *fakePortfolioStore) CountOpenOrders(ctx context.Context, userID uuid.UUID) (int64, error) {
	return f.openOrders, nil
}

func (f *fakePortfolioStore) CountUserTrades(ctx context.Context, userID uuid.UUID) (int64, error) {
	return f.totalTrades, nil
}

func (f *fakePortfolioStore) GetTradeStats(ctx context.Context, userID uuid.UUID, since time.Time) (storage.TradeStats, error) {
	return f.stats, nil
}

func (f *fakePortfolioStore) SavePortfolioSnapshot(ctx context.Context, userID uuid.UUID, totalValueUSD decimal.Decimal, at time.Time) error {
	f.savedSnapshot = &totalValueUSD
	return nil
}

func (f *fakePortfolioStore) ListPortfolioSnapshots(ctx context.Context, userID uuid.UUID, since time.Time) ([]storage.PortfolioSnapshot, error) {
	return f.snapshots, nil
}

type fakeOracle struct {
	rates map[string]decimal.Decimal
}

func (f *fakeOracle) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	rate, ok := f.rates[currency]
	if !ok {
		return decimal.Zero, pricing.ErrNoRate
	}
	return rate, nil
}

func TestGetPortfolioValuesAndPercentages(t *testing.T) {
	store := &fakePortfolioStore{
		balances: []storage.Account{
			{Currency: "BTC", Balance: decimal.NewFromInt(1), AvailableBalance: decimal.NewFromInt(1), LockedBalance: decimal.Zero},
			{Currency: "USDT", Balance: decimal.NewFromInt(25000), AvailableBalance: decimal.NewFromInt(20000), LockedBalance: decimal.NewFromInt(5000)},
		},
		openOrders:  3,
		totalTrades: 42,
	}
	oracle := &fakeOracle{rates: map[string]decimal.Decimal{
		"BTC":  decimal.NewFromInt(75000),
		"USDT": decimal.NewFromInt(1),
	}}
	svc := NewPortfolioService(store, oracle, nil, nil)

	portfolio, err := svc.GetPortfolio(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetPortfolio: %v", err)
	}

	if !portfolio.TotalValueUSD.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("expected total 100000, got %s", portfolio.TotalValueUSD)
	}
	if len(portfolio.Holdings) != 2 {
		t.Fatalf("expected 2 holdings, got %d", len(portfolio.Holdings))
	}
	if !portfolio.Holdings[0].Percentage.Equal(decimal.NewFromInt(75)) {
		t.Fatalf("expected BTC at 75%%, got %s", portfolio.Holdings[0].Percentage)
	}
	if !portfolio.Holdings[1].Percentage.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected USDT at 25%%, got %s", portfolio.Holdings[1].Percentage)
	}
	if portfolio.OpenOrders != 3 || portfolio.TotalTrades != 42 {
		t.Fatalf("expected counts carried through")
	}
	if store.savedSnapshot == nil || !store.savedSnapshot.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("expected snapshot saved with total value")
	}
}

func TestGetPortfolioUnknownRateCarriedAtZero(t *testing.T) {
	store := &fakePortfolioStore{
		balances: []storage.Account{
			{Currency: "OBSCURE", Balance: decimal.NewFromInt(10), AvailableBalance: decimal.NewFromInt(10), LockedBalance: decimal.Zero},
			{Currency: "USDT", Balance: decimal.NewFromInt(100), AvailableBalance: decimal.NewFromInt(100), LockedBalance: decimal.Zero},
		},
	}
	oracle := &fakeOracle{rates: map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1)}}
	svc := NewPortfolioService(store, oracle, nil, nil)

	portfolio, err := svc.GetPortfolio(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("GetPortfolio: %v", err)
	}
	if !portfolio.TotalValueUSD.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected total 100, got %s", portfolio.TotalValueUSD)
	}
	if !portfolio.Holdings[0].ValueUSD.IsZero() {
		t.Fatalf("expected zero valuation for unknown currency")
	}
	if !portfolio.Holdings[1].Percentage.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected USDT at 100%%, got %s", portfolio.Holdings[1].Percentage)
	}
}

func TestPerformanceFrom(t *testing.T) {
	stats := storage.TradeStats{
		BuyVolume:  decimal.NewFromInt(1000),
		SellVolume: decimal.NewFromInt(1200),
		FeesPaid:   decimal.NewFromInt(20),
		TradeCount: 7,
	}
	perf := performanceFrom(stats)

	if !perf.PnL.Equal(decimal.NewFromInt(180)) {
		t.Fatalf("expected PnL 180, got %s", perf.PnL)
	}
	if !perf.PnLPercent.Equal(decimal.NewFromInt(18)) {
		t.Fatalf("expected 18%%, got %s", perf.PnLPercent)
	}
	if perf.TradeCount != 7 {
		t.Fatalf("expected 7 trades")
	}
}

func TestPerformanceFromZeroBuys(t *testing.T) {
	perf := performanceFrom(storage.TradeStats{
		SellVolume: decimal.NewFromInt(100),
		FeesPaid:   decimal.NewFromInt(1),
	})
	if !perf.PnL.Equal(decimal.NewFromInt(99)) {
		t.Fatalf("expected PnL 99, got %s", perf.PnL)
	}
	if !perf.PnLPercent.IsZero() {
		t.Fatalf("expected zero percent with no buys, got %s", perf.PnLPercent)
	}
}

func TestGetPortfolioHistoryClampsDays(t *testing.T) {
	store := &fakePortfolioStore{
		snapshots: []storage.PortfolioSnapshot{{TotalValueUSD: decimal.NewFromInt(1)}},
	}
	svc := NewPortfolioService(store, &fakeOracle{}, nil, nil)

	snaps, err := svc.GetPortfolioHistory(context.Background(), uuid.New(), -1)
	if err != nil {
		t.Fatalf("GetPortfolioHistory: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected snapshots returned")
	}
}

package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
)

type fakeMarketReader struct {
	pairs  map[string]storage.TradingPair
	prices map[uuid.UUID]decimal.Decimal
	err    error
	calls  int
}

func (f *fakeMarketReader) GetTradingPairBySymbol(ctx context.Context, symbol string) (storage.TradingPair, error) {
	if f.err != nil {
		return storage.TradingPair{}, f.err
	}
	pair, ok := f.pairs[symbol]
	if !ok {
		return storage.TradingPair{}, storage.ErrNotFound
	}
	return pair, nil
}

func (f *fakeMarketReader) LastTradePrice(ctx context.Context, pairID uuid.UUID) (decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return decimal.Zero, f.err
	}
	price, ok := f.prices[pairID]
	if !ok {
		return decimal.Zero, storage.ErrNotFound
	}
	return price, nil
}

func newReader() (*fakeMarketReader, uuid.UUID) {
	btcUSDT := uuid.New()
	return &fakeMarketReader{
		pairs: map[string]storage.TradingPair{
			"BTC-USDT": {ID: btcUSDT, Symbol: "BTC-USDT"},
		},
		prices: map[uuid.UUID]decimal.Decimal{
			btcUSDT: decimal.NewFromInt(70000),
		},
	}, btcUSDT
}

func TestOracleStaticRateWins(t *testing.T) {
	reader, _ := newReader()
	oracle := NewMarketOracle(reader, []string{"USDT"}, map[string]decimal.Decimal{"usdt": decimal.NewFromInt(1)}, time.Minute)

	rate, err := oracle.Rate(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if !rate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected 1, got %s", rate)
	}
	if reader.calls != 0 {
		t.Fatalf("expected no market lookups for static rate")
	}
}

func TestOracleDerivesFromLastTrade(t *testing.T) {
	reader, _ := newReader()
	oracle := NewMarketOracle(reader, []string{"USDT"}, map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1)}, time.Minute)

	rate, err := oracle.Rate(context.Background(), "btc")
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if !rate.Equal(decimal.NewFromInt(70000)) {
		t.Fatalf("expected 70000, got %s", rate)
	}
}

func TestOracleCachesWithinTTL(t *testing.T) {
	reader, _ := newReader()
	oracle := NewMarketOracle(reader, []string{"USDT"}, nil, time.Minute)

	if _, err := oracle.Rate(context.Background(), "BTC"); err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if _, err := oracle.Rate(context.Background(), "BTC"); err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if reader.calls != 1 {
		t.Fatalf("expected single lookup, got %d", reader.calls)
	}
}

func TestOracleServesStaleOnLookupFailure(t *testing.T) {
	reader, _ := newReader()
	oracle := NewMarketOracle(reader, []string{"USDT"}, nil, time.Nanosecond)

	first, err := oracle.Rate(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}

	time.Sleep(time.Millisecond)
	reader.err = errors.New("db down")

	stale, err := oracle.Rate(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("expected stale rate, got error %v", err)
	}
	if !stale.Equal(first) {
		t.Fatalf("expected stale %s, got %s", first, stale)
	}
}

func TestOracleUnknownCurrency(t *testing.T) {
	reader, _ := newReader()
	oracle := NewMarketOracle(reader, []string{"USDT"}, nil, time.Minute)

	if _, err := oracle.Rate(context.Background(), "DOGE"); !errors.Is(err, ErrNoRate) {
		t.Fatalf("expected ErrNoRate, got %v", err)
	}
	if _, err := oracle.Rate(context.Background(), ""); !errors.Is(err, ErrNoRate) {
		t.Fatalf("expected ErrNoRate for empty currency, got %v", err)
	}
}

func TestOracleSkipsSelfQuote(t *testing.T) {
	reader, _ := newReader()
	oracle := NewMarketOracle(reader, []string{"BTC", "USDT"}, nil, time.Minute)

	rate, err := oracle.Rate(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("Rate: %v", err)
	}
	if !rate.Equal(decimal.NewFromInt(70000)) {
		t.Fatalf("expected 70000, got %s", rate)
	}
}

package cache

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
)

type fakePairStore struct {
	pairs []storage.TradingPair
	err   error
}

func (f *fakePairStore) ListTradingPairs(ctx context.Context, activeOnly bool) ([]storage.TradingPair, error) {
	return f.pairs, f.err
}

func TestPairCacheLoadAndGet(t *testing.T) {
	btcID := uuid.New()
	store := &fakePairStore{
		pairs: []storage.TradingPair{
			{ID: btcID, Symbol: "BTC-USDT", BaseCurrency: "BTC", QuoteCurrency: "USDT", IsActive: true},
			{ID: uuid.New(), Symbol: "eth-usdt", BaseCurrency: "ETH", QuoteCurrency: "USDT", IsActive: true},
		},
	}

	cache := NewPairCache()
	if err := cache.Load(context.Background(), store); err != nil {
		t.Fatalf("load: %v", err)
	}

	pair, ok := cache.GetPair("btc-usdt")
	if !ok {
		t.Fatalf("expected pair hit")
	}
	if pair.Symbol != "BTC-USDT" {
		t.Fatalf("expected normalized symbol, got %s", pair.Symbol)
	}

	byID, ok := cache.GetPairByID(btcID)
	if !ok || byID.Symbol != "BTC-USDT" {
		t.Fatalf("expected id lookup hit")
	}

	if _, ok := cache.GetPair("missing"); ok {
		t.Fatalf("expected cache miss")
	}
	if _, ok := cache.GetPairByID(uuid.New()); ok {
		t.Fatalf("expected id miss")
	}
}

func TestPairCacheRefreshReplaces(t *testing.T) {
	cache := NewPairCache()
	store := &fakePairStore{pairs: []storage.TradingPair{{ID: uuid.New(), Symbol: "BTC-USDT"}}}
	if err := cache.Load(context.Background(), store); err != nil {
		t.Fatalf("load: %v", err)
	}
	if cache.Size() != 1 {
		t.Fatalf("expected size 1")
	}
	loadedAt := cache.LastRefresh()
	if loadedAt.IsZero() {
		t.Fatalf("expected load to stamp refresh time")
	}

	store.pairs = []storage.TradingPair{{ID: uuid.New(), Symbol: "ETH-USDT"}}
	if err := cache.Refresh(context.Background(), store); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if cache.LastRefresh().Before(loadedAt) {
		t.Fatalf("expected refresh time to advance")
	}
	if cache.Size() != 1 {
		t.Fatalf("expected size 1 after refresh")
	}
	if _, ok := cache.GetPair("BTC-USDT"); ok {
		t.Fatalf("expected old pair evicted")
	}
	if _, ok := cache.GetPair("ETH-USDT"); !ok {
		t.Fatalf("expected new pair present")
	}
}

func TestPairCacheReturnsCopies(t *testing.T) {
	cache := NewPairCache()
	store := &fakePairStore{pairs: []storage.TradingPair{{ID: uuid.New(), Symbol: "BTC-USDT", IsActive: true}}}
	if err := cache.Load(context.Background(), store); err != nil {
		t.Fatalf("load: %v", err)
	}

	pair, _ := cache.GetPair("BTC-USDT")
	pair.IsActive = false

	again, _ := cache.GetPair("BTC-USDT")
	if !again.IsActive {
		t.Fatalf("expected cached pair untouched by caller mutation")
	}
}

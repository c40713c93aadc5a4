package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/code-vibe/cryptotrade-exchange/internal/service"
	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
	"github.com/code-vibe/cryptotrade-exchange/internal/testutil"
)

func TestListMarketsSortsBySymbol(t *testing.T) {
	orders := &fakeOrders{pairs: []storage.TradingPair{
		{Symbol: "ETH-USDT", BaseCurrency: "ETH", QuoteCurrency: "USDT", IsActive: true},
		{Symbol: "BTC-USDT", BaseCurrency: "BTC", QuoteCurrency: "USDT", IsActive: true},
	}}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAPIRequest(router, http.MethodGet, "/markets", nil)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body struct {
		Markets []marketItem `json:"markets"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Markets) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(body.Markets))
	}
	if body.Markets[0].Symbol != "BTC-USDT" {
		t.Fatalf("expected BTC-USDT first, got %s", body.Markets[0].Symbol)
	}
}

func TestGetOrderBookUnknownSymbol(t *testing.T) {
	orders := &fakeOrders{bookErr: service.ErrUnknownSymbol}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAPIRequest(router, http.MethodGet, "/markets/XX-YY/orderbook", nil)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeSymbolNotFound)
}

func TestGetOrderBook(t *testing.T) {
	now := time.Now().UTC()
	orders := &fakeOrders{book: storage.OrderBook{
		Symbol: "BTC-USDT",
		Bids: []storage.OrderBookLevel{
			{Price: decimal.NewFromInt(69990), Quantity: decimal.NewFromInt(2), OrderCount: 3},
		},
		Asks: []storage.OrderBookLevel{
			{Price: decimal.NewFromInt(70010), Quantity: decimal.NewFromInt(1), OrderCount: 1},
		},
		Timestamp: now,
	}}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAPIRequest(router, http.MethodGet, "/markets/btc-usdt/orderbook?depth=10", nil)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body orderBookResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Bids) != 1 || len(body.Asks) != 1 {
		t.Fatalf("expected 1 bid and 1 ask, got %d and %d", len(body.Bids), len(body.Asks))
	}
	if body.Bids[0].Price != "69990" {
		t.Fatalf("expected bid price 69990, got %s", body.Bids[0].Price)
	}
	if body.Bids[0].OrderCount != 3 {
		t.Fatalf("expected order count 3, got %d", body.Bids[0].OrderCount)
	}
}

func TestGetOrderBookInvalidDepth(t *testing.T) {
	h := New(&fakeOrders{}, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAPIRequest(router, http.MethodGet, "/markets/BTC-USDT/orderbook?depth=-1", nil)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestListMyTradesSideAndFee(t *testing.T) {
	pairID := testutil.BTCUSDTPairID
	now := time.Now().UTC()
	orders := &fakeOrders{
		trades: []storage.Trade{
			{
				ID:            uuid.New(),
				TradingPairID: pairID,
				BuyerUserID:   testutil.DemoUserID,
				SellerUserID:  testutil.TraderUserID,
				Price:         decimal.NewFromInt(70000),
				Quantity:      decimal.NewFromInt(1),
				BuyerFee:      decimal.RequireFromString("140"),
				SellerFee:     decimal.RequireFromString("70"),
				CreatedAt:     now,
			},
			{
				ID:            uuid.New(),
				TradingPairID: pairID,
				BuyerUserID:   testutil.TraderUserID,
				SellerUserID:  testutil.DemoUserID,
				Price:         decimal.NewFromInt(71000),
				Quantity:      decimal.NewFromInt(1),
				BuyerFee:      decimal.RequireFromString("142"),
				SellerFee:     decimal.RequireFromString("71"),
				CreatedAt:     now,
			},
		},
		symbols: map[uuid.UUID]string{pairID: "BTC-USDT"},
	}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/trades", nil, testJWT(t, testutil.DemoUserID))
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body struct {
		Trades []userTradeItem `json:"trades"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(body.Trades))
	}
	if body.Trades[0].Side != storage.OrderSideBuy || body.Trades[0].Fee != "140" {
		t.Fatalf("expected buy side with fee 140, got %s/%s", body.Trades[0].Side, body.Trades[0].Fee)
	}
	if body.Trades[1].Side != storage.OrderSideSell || body.Trades[1].Fee != "71" {
		t.Fatalf("expected sell side with fee 71, got %s/%s", body.Trades[1].Side, body.Trades[1].Fee)
	}
}

func TestListMarketTradesPublic(t *testing.T) {
	pairID := testutil.BTCUSDTPairID
	orders := &fakeOrders{
		trades: []storage.Trade{{
			ID:            uuid.New(),
			TradingPairID: pairID,
			Price:         decimal.NewFromInt(70000),
			Quantity:      decimal.NewFromInt(1),
			CreatedAt:     time.Now().UTC(),
		}},
		symbols: map[uuid.UUID]string{pairID: "BTC-USDT"},
	}
	h := New(orders, &fakePortfolio{}, &fakeBalances{}, &fakeKeys{}, nil, nil, nil)
	router := newTestRouter(t, h)

	resp := testutil.MakeAPIRequest(router, http.MethodGet, "/markets/BTC-USDT/trades", nil)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)

	var body struct {
		Trades []tradeItem `json:"trades"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(body.Trades))
	}
	if body.Trades[0].Symbol != "BTC-USDT" {
		t.Fatalf("expected symbol BTC-USDT, got %s", body.Trades[0].Symbol)
	}
}

package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/code-vibe/cryptotrade-exchange/internal/storage"
)

type fakeSettlementStore struct {
	result storage.SettlementResult
	err    error
	pair   storage.TradingPair
}

func (f *fakeSettlementStore) ApplySettlement(ctx context.Context, input storage.SettlementInput) (storage.SettlementResult, error) {
	if f.err != nil {
		return storage.SettlementResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeSettlementStore) GetTradingPair(ctx context.Context, id uuid.UUID) (storage.TradingPair, error) {
	return f.pair, nil
}

func (f *fakeSettlementStore) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (storage.Account, error) {
	return storage.Account{
		UserID:           userID,
		Currency:         currency,
		Balance:          decimal.NewFromInt(100),
		AvailableBalance: decimal.NewFromInt(100),
		LockedBalance:    decimal.Zero,
	}, nil
}

func settledResult(pair storage.TradingPair) storage.SettlementResult {
	buyer := uuid.New()
	seller := uuid.New()
	return storage.SettlementResult{
		Trade: storage.Trade{
			ID:            uuid.New(),
			TradingPairID: pair.ID,
			BuyerOrderID:  uuid.New(),
			SellerOrderID: uuid.New(),
			BuyerUserID:   buyer,
			SellerUserID:  seller,
			Price:         decimal.NewFromInt(500),
			Quantity:      decimal.NewFromInt(2),
			BuyerFee:      decimal.NewFromInt(2),
			SellerFee:     decimal.NewFromInt(1),
		},
		BuyerOrder:  storage.Order{ID: uuid.New(), UserID: buyer},
		SellerOrder: storage.Order{ID: uuid.New(), UserID: seller},
	}
}

func TestSettlePublishesTradeAndBalances(t *testing.T) {
	pair := testPair()
	store := &fakeSettlementStore{result: settledResult(pair), pair: pair}
	producer := &recordProducer{}
	svc := NewSettlementService(store, producer, nil, nil, testTopics())

	result, err := svc.Settle(context.Background(), storage.SettlementInput{
		EventID:       uuid.New(),
		BuyerOrderID:  store.result.BuyerOrder.ID,
		SellerOrderID: store.result.SellerOrder.ID,
		Price:         decimal.NewFromInt(500),
		Quantity:      decimal.NewFromInt(2),
		TakerSide:     storage.OrderSideBuy,
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.AlreadyProcessed {
		t.Fatalf("expected fresh settlement")
	}

	// one trades.settled plus one balances.updated per distinct (user, currency)
	var settled, balances int
	for _, topic := range producer.published {
		switch topic {
		case "trades.settled":
			settled++
		case "balances.updated":
			balances++
		default:
			t.Fatalf("unexpected topic %s", topic)
		}
	}
	if settled != 1 {
		t.Fatalf("expected 1 trades.settled, got %d", settled)
	}
	if balances != 4 {
		t.Fatalf("expected 4 balances.updated, got %d", balances)
	}
}

func TestSettleDuplicateSkipsPublish(t *testing.T) {
	pair := testPair()
	store := &fakeSettlementStore{result: storage.SettlementResult{AlreadyProcessed: true}, pair: pair}
	producer := &recordProducer{}
	svc := NewSettlementService(store, producer, nil, nil, testTopics())

	result, err := svc.Settle(context.Background(), storage.SettlementInput{
		EventID:       uuid.New(),
		BuyerOrderID:  uuid.New(),
		SellerOrderID: uuid.New(),
		Price:         decimal.NewFromInt(500),
		Quantity:      decimal.NewFromInt(1),
		TakerSide:     storage.OrderSideSell,
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !result.AlreadyProcessed {
		t.Fatalf("expected duplicate")
	}
	if len(producer.published) != 0 {
		t.Fatalf("expected no publish for duplicate, got %v", producer.published)
	}
}

func TestSettleStoreError(t *testing.T) {
	wantErr := errors.New("boom")
	store := &fakeSettlementStore{err: wantErr}
	producer := &recordProducer{}
	svc := NewSettlementService(store, producer, nil, nil, testTopics())

	_, err := svc.Settle(context.Background(), storage.SettlementInput{EventID: uuid.New()})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if len(producer.published) != 0 {
		t.Fatalf("expected no publish on error")
	}
}

func TestSettleSameUserDedupesBalanceEvents(t *testing.T) {
	pair := testPair()
	result := settledResult(pair)
	user := uuid.New()
	result.BuyerOrder.UserID = user
	result.SellerOrder.UserID = user
	store := &fakeSettlementStore{result: result, pair: pair}
	producer := &recordProducer{}
	svc := NewSettlementService(store, producer, nil, nil, testTopics())

	if _, err := svc.Settle(context.Background(), storage.SettlementInput{
		EventID:       uuid.New(),
		BuyerOrderID:  result.BuyerOrder.ID,
		SellerOrderID: result.SellerOrder.ID,
		Price:         decimal.NewFromInt(500),
		Quantity:      decimal.NewFromInt(1),
		TakerSide:     storage.OrderSideBuy,
	}); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	var balances int
	for _, topic := range producer.published {
		if topic == "balances.updated" {
			balances++
		}
	}
	if balances != 2 {
		t.Fatalf("expected 2 deduped balance events, got %d", balances)
	}
}

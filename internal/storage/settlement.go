package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ApplySettlement records one executed match atomically: the trade row, both
// order fill advances and all four balance mutations commit together or not
// at all. Redelivered events are detected through processed_events and
// return AlreadyProcessed without touching anything.
func (s *Store) ApplySettlement(ctx context.Context, input SettlementInput) (SettlementResult, error) {
	if input.EventID == uuid.Nil {
		return SettlementResult{}, fmt.Errorf("event_id is required")
	}
	if input.BuyerOrderID == input.SellerOrderID {
		return SettlementResult{}, fmt.Errorf("buyer and seller orders must differ")
	}
	if input.Price.LessThanOrEqual(decimal.Zero) {
		return SettlementResult{}, fmt.Errorf("price must be positive")
	}
	if input.Quantity.LessThanOrEqual(decimal.Zero) {
		return SettlementResult{}, fmt.Errorf("quantity must be positive")
	}
	if input.TakerSide != OrderSideBuy && input.TakerSide != OrderSideSell {
		return SettlementResult{}, fmt.Errorf("taker_side must be buy or sell")
	}

	var result SettlementResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO processed_events (event_id, processed_at)
			VALUES ($1, now())
			ON CONFLICT (event_id) DO NOTHING
		`, input.EventID)
		if err != nil {
			return fmt.Errorf("record event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			result.AlreadyProcessed = true
			return nil
		}

		buyerOrder, sellerOrder, err := s.lockSettlementOrders(ctx, tx, input.BuyerOrderID, input.SellerOrderID)
		if err != nil {
			return err
		}
		if buyerOrder.TradingPairID != sellerOrder.TradingPairID {
			return ErrTradingPairMismatch
		}
		if buyerOrder.Side != OrderSideBuy || sellerOrder.Side != OrderSideSell {
			return ErrSameSideOrders
		}
		for _, o := range []Order{buyerOrder, sellerOrder} {
			if o.Status != OrderStatusOpen && o.Status != OrderStatusPartiallyFilled {
				return fmt.Errorf("order %s has status %s: %w", o.ID, o.Status, ErrOrderNotFillable)
			}
			if input.Quantity.GreaterThan(o.RemainingQuantity) {
				return fmt.Errorf("order %s remaining %s, fill %s: %w", o.ID, o.RemainingQuantity, input.Quantity, ErrOverfill)
			}
		}

		pair, err := s.GetTradingPair(ctx, buyerOrder.TradingPairID)
		if err != nil {
			return fmt.Errorf("load trading pair: %w", err)
		}

		value := input.Price.Mul(input.Quantity)
		makerFee := value.Mul(pair.MakerFee)
		takerFee := value.Mul(pair.TakerFee)
		buyerFee, sellerFee := makerFee, takerFee
		if input.TakerSide == OrderSideBuy {
			buyerFee, sellerFee = takerFee, makerFee
		}

		trade := Trade{
			ID:            uuid.New(),
			TradingPairID: pair.ID,
			BuyerOrderID:  buyerOrder.ID,
			SellerOrderID: sellerOrder.ID,
			BuyerUserID:   buyerOrder.UserID,
			SellerUserID:  sellerOrder.UserID,
			Price:         input.Price,
			Quantity:      input.Quantity,
			BuyerFee:      buyerFee,
			SellerFee:     sellerFee,
			CreatedAt:     time.Now().UTC(),
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO trades (id, trading_pair_id, buyer_order_id, seller_order_id, buyer_user_id, seller_user_id,
				price, quantity, buyer_fee, seller_fee, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, trade.ID, trade.TradingPairID, trade.BuyerOrderID, trade.SellerOrderID, trade.BuyerUserID, trade.SellerUserID,
			trade.Price, trade.Quantity, trade.BuyerFee, trade.SellerFee, trade.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}

		if buyerOrder, err = s.advanceFill(ctx, tx, buyerOrder, input.Quantity); err != nil {
			return err
		}
		if sellerOrder, err = s.advanceFill(ctx, tx, sellerOrder, input.Quantity); err != nil {
			return err
		}

		accounts := newAccountSet(s, tx)
		if err := accounts.load(ctx,
			accountKey{buyerOrder.UserID, pair.QuoteCurrency},
			accountKey{buyerOrder.UserID, pair.BaseCurrency},
			accountKey{sellerOrder.UserID, pair.BaseCurrency},
			accountKey{sellerOrder.UserID, pair.QuoteCurrency},
		); err != nil {
			return err
		}

		buyRes, err := s.getReservationForUpdate(ctx, tx, buyerOrder.ID)
		if err != nil {
			return fmt.Errorf("load buyer reservation: %w", err)
		}
		sellRes, err := s.getReservationForUpdate(ctx, tx, sellerOrder.ID)
		if err != nil {
			return fmt.Errorf("load seller reservation: %w", err)
		}

		// Buyer pays quote for the fill plus their fee, consuming their
		// reservation first, and receives the base quantity.
		buyerCost := value.Add(buyerFee)
		buyerCover := decimal.Min(buyerCost, buyRes.AmountRemaining)
		if err := accounts.debitLocked(ctx, accountKey{buyerOrder.UserID, pair.QuoteCurrency}, buyerCost, buyerCover); err != nil {
			return fmt.Errorf("debit buyer: %w", err)
		}
		if buyRes, err = s.consumeReservation(ctx, tx, buyRes, buyerCover); err != nil {
			return err
		}
		if err := accounts.credit(ctx, accountKey{buyerOrder.UserID, pair.BaseCurrency}, input.Quantity); err != nil {
			return fmt.Errorf("credit buyer: %w", err)
		}

		// Seller delivers the base quantity from their reservation and
		// receives quote proceeds net of their fee.
		sellerCover := decimal.Min(input.Quantity, sellRes.AmountRemaining)
		if err := accounts.debitLocked(ctx, accountKey{sellerOrder.UserID, pair.BaseCurrency}, input.Quantity, sellerCover); err != nil {
			return fmt.Errorf("debit seller: %w", err)
		}
		if sellRes, err = s.consumeReservation(ctx, tx, sellRes, sellerCover); err != nil {
			return err
		}
		if err := accounts.credit(ctx, accountKey{sellerOrder.UserID, pair.QuoteCurrency}, value.Sub(sellerFee)); err != nil {
			return fmt.Errorf("credit seller: %w", err)
		}

		// A buy filled below its limit price leaves part of the reservation
		// unconsumed; give it back now that the order is done.
		if buyerOrder.Status == OrderStatusFilled && buyRes.Status == reservationStatusActive {
			if err := accounts.unlock(ctx, accountKey{buyerOrder.UserID, buyRes.Currency}, buyRes.AmountRemaining); err != nil {
				return fmt.Errorf("release buyer residual: %w", err)
			}
			if _, err := s.closeReservation(ctx, tx, buyRes, reservationStatusConsumed); err != nil {
				return err
			}
		}
		if sellerOrder.Status == OrderStatusFilled && sellRes.Status == reservationStatusActive {
			if err := accounts.unlock(ctx, accountKey{sellerOrder.UserID, sellRes.Currency}, sellRes.AmountRemaining); err != nil {
				return fmt.Errorf("release seller residual: %w", err)
			}
			if _, err := s.closeReservation(ctx, tx, sellRes, reservationStatusConsumed); err != nil {
				return err
			}
		}

		result.Trade = trade
		result.BuyerOrder = buyerOrder
		result.SellerOrder = sellerOrder
		return nil
	})
	if err != nil {
		return SettlementResult{}, err
	}
	return result, nil
}

// lockSettlementOrders takes both order row locks in ascending id order so
// concurrent settlements sharing an order cannot deadlock.
func (s *Store) lockSettlementOrders(ctx context.Context, tx pgx.Tx, buyerID, sellerID uuid.UUID) (Order, Order, error) {
	first, second := buyerID, sellerID
	if second.String() < first.String() {
		first, second = second, first
	}

	firstOrder, err := s.getOrderForUpdate(ctx, tx, first)
	if err != nil {
		return Order{}, Order{}, fmt.Errorf("lock order %s: %w", first, err)
	}
	secondOrder, err := s.getOrderForUpdate(ctx, tx, second)
	if err != nil {
		return Order{}, Order{}, fmt.Errorf("lock order %s: %w", second, err)
	}

	if firstOrder.ID == buyerID {
		return firstOrder, secondOrder, nil
	}
	return secondOrder, firstOrder, nil
}

func (s *Store) advanceFill(ctx context.Context, tx pgx.Tx, order Order, quantity decimal.Decimal) (Order, error) {
	order.FilledQuantity = order.FilledQuantity.Add(quantity)
	order.RemainingQuantity = order.RemainingQuantity.Sub(quantity)
	if order.RemainingQuantity.IsZero() {
		order.Status = OrderStatusFilled
	} else {
		order.Status = OrderStatusPartiallyFilled
	}
	order.UpdatedAt = time.Now().UTC()

	_, err := tx.Exec(ctx, `
		UPDATE orders
		SET filled_quantity = $1, remaining_quantity = $2, status = $3, updated_at = $4
		WHERE id = $5
	`, order.FilledQuantity, order.RemainingQuantity, order.Status, order.UpdatedAt, order.ID)
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

type accountKey struct {
	UserID   uuid.UUID
	Currency string
}

// accountSet holds the account rows touched by one settlement, locked once
// in ascending (user_id, currency) order and mutated in place afterwards.
type accountSet struct {
	store    *Store
	tx       pgx.Tx
	accounts map[accountKey]Account
}

func newAccountSet(store *Store, tx pgx.Tx) *accountSet {
	return &accountSet{store: store, tx: tx, accounts: make(map[accountKey]Account)}
}

func (a *accountSet) load(ctx context.Context, keys ...accountKey) error {
	uniq := make([]accountKey, 0, len(keys))
	for _, key := range keys {
		if _, ok := a.accounts[key]; ok {
			continue
		}
		a.accounts[key] = Account{}
		uniq = append(uniq, key)
	}
	sort.Slice(uniq, func(i, j int) bool {
		if uniq[i].UserID != uniq[j].UserID {
			return uniq[i].UserID.String() < uniq[j].UserID.String()
		}
		return uniq[i].Currency < uniq[j].Currency
	})

	for _, key := range uniq {
		acct, err := a.store.getOrCreateAccountForUpdate(ctx, a.tx, key.UserID, key.Currency)
		if err != nil {
			return fmt.Errorf("lock account %s %s: %w", key.UserID, key.Currency, err)
		}
		a.accounts[key] = acct
	}
	return nil
}

func (a *accountSet) debitLocked(ctx context.Context, key accountKey, amount, fromLocked decimal.Decimal) error {
	acct, err := a.store.debitLockedFunds(ctx, a.tx, a.accounts[key], amount, fromLocked)
	if err != nil {
		return err
	}
	a.accounts[key] = acct
	return nil
}

func (a *accountSet) credit(ctx context.Context, key accountKey, amount decimal.Decimal) error {
	acct, err := a.store.creditFunds(ctx, a.tx, a.accounts[key], amount)
	if err != nil {
		return err
	}
	a.accounts[key] = acct
	return nil
}

func (a *accountSet) unlock(ctx context.Context, key accountKey, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	acct, err := a.store.unlockFunds(ctx, a.tx, a.accounts[key], amount)
	if err != nil {
		return err
	}
	a.accounts[key] = acct
	return nil
}

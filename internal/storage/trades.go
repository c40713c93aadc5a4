package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const tradeColumns = `id, trading_pair_id, buyer_order_id, seller_order_id, buyer_user_id, seller_user_id,
	price::text, quantity::text, buyer_fee::text, seller_fee::text, created_at`

// ListRecentTrades returns the pair's latest executions, newest first.
func (s *Store) ListRecentTrades(ctx context.Context, pairID uuid.UUID, limit int) ([]Trade, error) {
	limit = clampLimit(limit, defaultOrderLimit, maxOrderLimit)
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE trading_pair_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, pairID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

// ListUserTrades returns trades where the user was on either side.
func (s *Store) ListUserTrades(ctx context.Context, userID uuid.UUID, limit int) ([]Trade, error) {
	limit = clampLimit(limit, defaultOrderLimit, maxOrderLimit)
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE buyer_user_id = $1 OR seller_user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

// LastTradePrice returns the most recent execution price for a pair. A pair
// that has never traded returns ErrNotFound.
func (s *Store) LastTradePrice(ctx context.Context, pairID uuid.UUID) (decimal.Decimal, error) {
	var priceStr string
	err := s.pool.QueryRow(ctx, `
		SELECT price::text
		FROM trades
		WHERE trading_pair_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, pairID).Scan(&priceStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Decimal{}, ErrNotFound
		}
		return decimal.Decimal{}, err
	}
	return parseDecimal(priceStr, "price")
}

// CountUserTrades returns the user's lifetime execution count.
func (s *Store) CountUserTrades(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM trades
		WHERE buyer_user_id = $1 OR seller_user_id = $1
	`, userID).Scan(&count)
	return count, err
}

// GetTradeStats aggregates a user's executed volume and fees, in quote
// currency units, for trades since the given time.
func (s *Store) GetTradeStats(ctx context.Context, userID uuid.UUID, since time.Time) (TradeStats, error) {
	var buyStr, sellStr, buyerFeesStr, sellerFeesStr string
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(price * quantity) FILTER (WHERE buyer_user_id = $1), 0)::text,
			COALESCE(SUM(price * quantity) FILTER (WHERE seller_user_id = $1), 0)::text,
			COALESCE(SUM(buyer_fee) FILTER (WHERE buyer_user_id = $1), 0)::text,
			COALESCE(SUM(seller_fee) FILTER (WHERE seller_user_id = $1), 0)::text,
			COUNT(*)
		FROM trades
		WHERE (buyer_user_id = $1 OR seller_user_id = $1) AND created_at >= $2
	`, userID, since).Scan(&buyStr, &sellStr, &buyerFeesStr, &sellerFeesStr, &count)
	if err != nil {
		return TradeStats{}, err
	}

	stats := TradeStats{TradeCount: count}
	if stats.BuyVolume, err = parseDecimal(buyStr, "buy_volume"); err != nil {
		return TradeStats{}, err
	}
	if stats.SellVolume, err = parseDecimal(sellStr, "sell_volume"); err != nil {
		return TradeStats{}, err
	}
	buyerFees, err := parseDecimal(buyerFeesStr, "buyer_fees")
	if err != nil {
		return TradeStats{}, err
	}
	sellerFees, err := parseDecimal(sellerFeesStr, "seller_fees")
	if err != nil {
		return TradeStats{}, err
	}
	stats.FeesPaid = buyerFees.Add(sellerFees)
	return stats, nil
}

func collectTrades(rows pgx.Rows) ([]Trade, error) {
	var trades []Trade
	for rows.Next() {
		trade, err := scanTradeRow(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func scanTradeRow(row rowScanner) (Trade, error) {
	var t Trade
	var priceStr, qtyStr, buyerFeeStr, sellerFeeStr string
	if err := row.Scan(&t.ID, &t.TradingPairID, &t.BuyerOrderID, &t.SellerOrderID, &t.BuyerUserID, &t.SellerUserID,
		&priceStr, &qtyStr, &buyerFeeStr, &sellerFeeStr, &t.CreatedAt); err != nil {
		return Trade{}, err
	}

	var err error
	if t.Price, err = parseDecimal(priceStr, "price"); err != nil {
		return Trade{}, err
	}
	if t.Quantity, err = parseDecimal(qtyStr, "quantity"); err != nil {
		return Trade{}, err
	}
	if t.BuyerFee, err = parseDecimal(buyerFeeStr, "buyer_fee"); err != nil {
		return Trade{}, err
	}
	if t.SellerFee, err = parseDecimal(sellerFeeStr, "seller_fee"); err != nil {
		return Trade{}, err
	}
	return t, nil
}

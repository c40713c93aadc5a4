package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const tradingPairColumns = `id, symbol, base_currency, quote_currency, is_active,
	min_order_size::text, max_order_size::text, price_precision, quantity_precision,
	maker_fee::text, taker_fee::text, created_at`

func (s *Store) GetTradingPairBySymbol(ctx context.Context, symbol string) (TradingPair, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	row := s.pool.QueryRow(ctx, `
		SELECT `+tradingPairColumns+`
		FROM trading_pairs
		WHERE symbol = $1
	`, symbol)

	pair, err := scanTradingPairRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TradingPair{}, ErrNotFound
		}
		return TradingPair{}, err
	}
	return pair, nil
}

func (s *Store) GetTradingPair(ctx context.Context, id uuid.UUID) (TradingPair, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tradingPairColumns+`
		FROM trading_pairs
		WHERE id = $1
	`, id)

	pair, err := scanTradingPairRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TradingPair{}, ErrNotFound
		}
		return TradingPair{}, err
	}
	return pair, nil
}

func (s *Store) ListTradingPairs(ctx context.Context, activeOnly bool) ([]TradingPair, error) {
	query := `SELECT ` + tradingPairColumns + ` FROM trading_pairs`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY symbol`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []TradingPair
	for rows.Next() {
		pair, err := scanTradingPairRow(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, rows.Err()
}

func scanTradingPairRow(row rowScanner) (TradingPair, error) {
	var p TradingPair
	var minStr, maxStr, makerStr, takerStr string
	if err := row.Scan(&p.ID, &p.Symbol, &p.BaseCurrency, &p.QuoteCurrency, &p.IsActive,
		&minStr, &maxStr, &p.PricePrecision, &p.QuantityPrecision, &makerStr, &takerStr, &p.CreatedAt); err != nil {
		return TradingPair{}, err
	}

	var err error
	if p.MinOrderSize, err = parseDecimal(minStr, "min_order_size"); err != nil {
		return TradingPair{}, err
	}
	if p.MaxOrderSize, err = parseDecimal(maxStr, "max_order_size"); err != nil {
		return TradingPair{}, err
	}
	if p.MakerFee, err = parseDecimal(makerStr, "maker_fee"); err != nil {
		return TradingPair{}, err
	}
	if p.TakerFee, err = parseDecimal(takerStr, "taker_fee"); err != nil {
		return TradingPair{}, err
	}
	return p, nil
}

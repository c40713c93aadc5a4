package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const orderColumns = `id, client_order_id, user_id, trading_pair_id, type, side,
	quantity::text, price::text, stop_price::text, filled_quantity::text, remaining_quantity::text,
	status, time_in_force, expires_at, created_at, updated_at`

const (
	defaultOrderLimit = 50
	maxOrderLimit     = 1000

	defaultBookDepth = 20
	maxBookDepth     = 100
)

// CreateOrder inserts the order and locks the reservation amount in a single
// transaction. The order is only ever visible as open; the pending insert
// and the flip to open commit together, and a failed lock leaves neither the
// order nor the reservation behind.
func (s *Store) CreateOrder(ctx context.Context, params CreateOrderParams) (CreateOrderResult, error) {
	if params.ClientOrderID != nil {
		existing, err := s.GetOrderByClientID(ctx, params.UserID, *params.ClientOrderID)
		if err == nil {
			return CreateOrderResult{Order: existing, Existing: true}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return CreateOrderResult{}, err
		}
	}

	var order Order
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		acct, err := s.getOrCreateAccountForUpdate(ctx, tx, params.UserID, params.ReserveAsset)
		if err != nil {
			return err
		}
		if _, err := s.lockFunds(ctx, tx, acct, params.ReserveAmount); err != nil {
			return err
		}

		now := time.Now().UTC()
		order = Order{
			ID:                uuid.New(),
			ClientOrderID:     params.ClientOrderID,
			UserID:            params.UserID,
			TradingPairID:     params.TradingPair.ID,
			Type:              params.Type,
			Side:              params.Side,
			Quantity:          params.Quantity,
			Price:             params.Price,
			StopPrice:         params.StopPrice,
			FilledQuantity:    decimal.Zero,
			RemainingQuantity: params.Quantity,
			Status:            OrderStatusPending,
			TimeInForce:       params.TimeInForce,
			ExpiresAt:         params.ExpiresAt,
			CreatedAt:         now,
			UpdatedAt:         now,
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO orders (id, client_order_id, user_id, trading_pair_id, type, side,
				quantity, price, stop_price, filled_quantity, remaining_quantity,
				status, time_in_force, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`, order.ID, order.ClientOrderID, order.UserID, order.TradingPairID, order.Type, order.Side,
			order.Quantity, decimalPtr(order.Price), decimalPtr(order.StopPrice), order.FilledQuantity, order.RemainingQuantity,
			order.Status, order.TimeInForce, order.ExpiresAt, order.CreatedAt, order.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateClientOrder
			}
			return fmt.Errorf("insert order: %w", err)
		}

		if _, err := s.createReservation(ctx, tx, order.ID, params.UserID, params.ReserveAsset, params.ReserveAmount); err != nil {
			return err
		}

		order.Status = OrderStatusOpen
		_, err = tx.Exec(ctx, `UPDATE orders SET status = $1 WHERE id = $2`, order.Status, order.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateClientOrder) && params.ClientOrderID != nil {
			existing, lookupErr := s.GetOrderByClientID(ctx, params.UserID, *params.ClientOrderID)
			if lookupErr == nil {
				return CreateOrderResult{Order: existing, Existing: true}, nil
			}
		}
		return CreateOrderResult{}, err
	}
	return CreateOrderResult{Order: order}, nil
}

// CreateRejectedOrder persists an order that failed pre-trade checks. No
// funds are locked and no reservation is created.
func (s *Store) CreateRejectedOrder(ctx context.Context, params CreateOrderParams) (Order, error) {
	now := time.Now().UTC()
	order := Order{
		ID:                uuid.New(),
		ClientOrderID:     params.ClientOrderID,
		UserID:            params.UserID,
		TradingPairID:     params.TradingPair.ID,
		Type:              params.Type,
		Side:              params.Side,
		Quantity:          params.Quantity,
		Price:             params.Price,
		StopPrice:         params.StopPrice,
		FilledQuantity:    decimal.Zero,
		RemainingQuantity: params.Quantity,
		Status:            OrderStatusRejected,
		TimeInForce:       params.TimeInForce,
		ExpiresAt:         params.ExpiresAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders (id, client_order_id, user_id, trading_pair_id, type, side,
			quantity, price, stop_price, filled_quantity, remaining_quantity,
			status, time_in_force, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, order.ID, order.ClientOrderID, order.UserID, order.TradingPairID, order.Type, order.Side,
		order.Quantity, decimalPtr(order.Price), decimalPtr(order.StopPrice), order.FilledQuantity, order.RemainingQuantity,
		order.Status, order.TimeInForce, order.ExpiresAt, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Order{}, ErrDuplicateClientOrder
		}
		return Order{}, fmt.Errorf("insert rejected order: %w", err)
	}
	return order, nil
}

// CancelOrder cancels a resting order and releases whatever part of its
// reservation has not been consumed by fills. Orders belonging to other
// users read as not found.
func (s *Store) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (Order, error) {
	var order Order
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		order, err = s.getOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return ErrNotFound
		}
		order, err = s.cancelLocked(ctx, tx, order, OrderStatusCancelled)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

// ExpireDueOrders transitions GTD orders whose expiry has passed, one order
// per transaction so a single bad row cannot wedge the sweep.
func (s *Store) ExpireDueOrders(ctx context.Context, now time.Time) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM orders
		WHERE time_in_force = $1 AND expires_at <= $2 AND status IN ($3, $4)
		ORDER BY expires_at
	`, TimeInForceGTD, now, OrderStatusOpen, OrderStatusPartiallyFilled)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []Order
	for _, id := range ids {
		var order Order
		err := s.withTx(ctx, func(tx pgx.Tx) error {
			var err error
			order, err = s.getOrderForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if order.IsTerminal() {
				return nil
			}
			order, err = s.cancelLocked(ctx, tx, order, OrderStatusExpired)
			return err
		})
		if err != nil {
			s.logger.Error("expire order", "order_id", id, "error", err)
			continue
		}
		if order.Status == OrderStatusExpired {
			expired = append(expired, order)
		}
	}
	return expired, nil
}

// cancelLocked performs the shared cancel/expire transition. The caller
// holds the order row lock.
func (s *Store) cancelLocked(ctx context.Context, tx pgx.Tx, order Order, newStatus string) (Order, error) {
	if order.Status != OrderStatusOpen && order.Status != OrderStatusPartiallyFilled {
		return Order{}, ErrOrderNotCancellable
	}

	res, err := s.getReservationForUpdate(ctx, tx, order.ID)
	if err != nil {
		return Order{}, fmt.Errorf("load reservation for order %s: %w", order.ID, err)
	}
	if res.Status == reservationStatusActive && res.AmountRemaining.IsPositive() {
		acct, err := s.getAccountForUpdate(ctx, tx, order.UserID, res.Currency)
		if err != nil {
			return Order{}, err
		}
		if _, err := s.unlockFunds(ctx, tx, acct, res.AmountRemaining); err != nil {
			return Order{}, err
		}
	}
	if res.Status == reservationStatusActive {
		if _, err := s.closeReservation(ctx, tx, res, reservationStatusReleased); err != nil {
			return Order{}, err
		}
	}

	order.Status = newStatus
	order.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`,
		order.Status, order.UpdatedAt, order.ID)
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *Store) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1 AND user_id = $2
	`, orderID, userID)

	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	return order, nil
}

func (s *Store) GetOrderByClientID(ctx context.Context, userID uuid.UUID, clientOrderID string) (Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1 AND client_order_id = $2
	`, userID, clientOrderID)

	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	return order, nil
}

func (s *Store) getOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (Order, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID)

	order, err := scanOrderRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, err
	}
	return order, nil
}

// ListOrders pages through a user's orders newest first using a keyset
// cursor on (created_at, id).
func (s *Store) ListOrders(ctx context.Context, userID uuid.UUID, status string, limit int, cursor string) ([]Order, string, error) {
	limit = clampLimit(limit, defaultOrderLimit, maxOrderLimit)

	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1`
	args := []any{userID}

	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if cursor != "" {
		ts, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		args = append(args, ts, id)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, "", err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	nextCursor := ""
	if len(orders) > limit {
		orders = orders[:limit]
		last := orders[len(orders)-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return orders, nextCursor, nil
}

// GetOrderBook projects resting limit orders into aggregated price levels.
// Bids descend, asks ascend; depth is per side.
func (s *Store) GetOrderBook(ctx context.Context, pair TradingPair, depth int) (OrderBook, error) {
	depth = clampLimit(depth, defaultBookDepth, maxBookDepth)

	bids, err := s.bookSide(ctx, pair.ID, OrderSideBuy, "DESC", depth)
	if err != nil {
		return OrderBook{}, err
	}
	asks, err := s.bookSide(ctx, pair.ID, OrderSideSell, "ASC", depth)
	if err != nil {
		return OrderBook{}, err
	}

	return OrderBook{
		Symbol:    pair.Symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now().UTC(),
	}, nil
}

func (s *Store) bookSide(ctx context.Context, pairID uuid.UUID, side, direction string, depth int) ([]OrderBookLevel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT price::text, SUM(remaining_quantity)::text, COUNT(*)
		FROM orders
		WHERE trading_pair_id = $1 AND side = $2 AND status IN ($3, $4) AND price IS NOT NULL
		GROUP BY price
		ORDER BY price `+direction+`
		LIMIT $5
	`, pairID, side, OrderStatusOpen, OrderStatusPartiallyFilled, depth)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := make([]OrderBookLevel, 0, depth)
	for rows.Next() {
		var level OrderBookLevel
		var priceStr, qtyStr string
		if err := rows.Scan(&priceStr, &qtyStr, &level.OrderCount); err != nil {
			return nil, err
		}
		if level.Price, err = parseDecimal(priceStr, "price"); err != nil {
			return nil, err
		}
		if level.Quantity, err = parseDecimal(qtyStr, "quantity"); err != nil {
			return nil, err
		}
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

// CountOpenOrders returns the user's resting order count.
func (s *Store) CountOpenOrders(ctx context.Context, userID uuid.UUID) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE user_id = $1 AND status IN ($2, $3)
	`, userID, OrderStatusOpen, OrderStatusPartiallyFilled).Scan(&count)
	return count, err
}

func scanOrderRow(row rowScanner) (Order, error) {
	var o Order
	var qtyStr, filledStr, remainingStr string
	var priceStr, stopStr *string
	if err := row.Scan(&o.ID, &o.ClientOrderID, &o.UserID, &o.TradingPairID, &o.Type, &o.Side,
		&qtyStr, &priceStr, &stopStr, &filledStr, &remainingStr,
		&o.Status, &o.TimeInForce, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}

	var err error
	if o.Quantity, err = parseDecimal(qtyStr, "quantity"); err != nil {
		return Order{}, err
	}
	if o.FilledQuantity, err = parseDecimal(filledStr, "filled_quantity"); err != nil {
		return Order{}, err
	}
	if o.RemainingQuantity, err = parseDecimal(remainingStr, "remaining_quantity"); err != nil {
		return Order{}, err
	}
	if priceStr != nil {
		price, err := parseDecimal(*priceStr, "price")
		if err != nil {
			return Order{}, err
		}
		o.Price = &price
	}
	if stopStr != nil {
		stop, err := parseDecimal(*stopStr, "stop_price")
		if err != nil {
			return Order{}, err
		}
		o.StopPrice = &stop
	}
	return o, nil
}

func decimalPtr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return *d
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func encodeCursor(ts time.Time, id uuid.UUID) string {
	raw := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, err
	}
	return ts, id, nil
}

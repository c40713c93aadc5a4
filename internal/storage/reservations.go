package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	reservationStatusActive   = "active"
	reservationStatusReleased = "released"
	reservationStatusConsumed = "consumed"
)

// BalanceReservation tracks the funds locked for one order. Settlement
// consumes it fill by fill; cancellation and expiry release what remains.
type BalanceReservation struct {
	ID              uuid.UUID
	OrderID         uuid.UUID
	UserID          uuid.UUID
	Currency        string
	AmountTotal     decimal.Decimal
	AmountRemaining decimal.Decimal
	Status          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (s *Store) createReservation(ctx context.Context, tx pgx.Tx, orderID, userID uuid.UUID, currency string, amount decimal.Decimal) (BalanceReservation, error) {
	res := BalanceReservation{
		ID:              uuid.New(),
		OrderID:         orderID,
		UserID:          userID,
		Currency:        currency,
		AmountTotal:     amount,
		AmountRemaining: amount,
		Status:          reservationStatusActive,
	}
	now := time.Now().UTC()
	res.CreatedAt = now
	res.UpdatedAt = now

	_, err := tx.Exec(ctx, `
		INSERT INTO balance_reservations (id, order_id, user_id, currency, amount_total, amount_remaining, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, res.ID, res.OrderID, res.UserID, res.Currency, res.AmountTotal, res.AmountRemaining, res.Status, res.CreatedAt, res.UpdatedAt)
	if err != nil {
		return BalanceReservation{}, fmt.Errorf("insert reservation: %w", err)
	}
	return res, nil
}

func (s *Store) getReservationForUpdate(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (BalanceReservation, error) {
	var res BalanceReservation
	var totalStr, remainingStr string
	row := tx.QueryRow(ctx, `
		SELECT id, order_id, user_id, currency, amount_total::text, amount_remaining::text, status, created_at, updated_at
		FROM balance_reservations
		WHERE order_id = $1
		FOR UPDATE
	`, orderID)
	if err := row.Scan(&res.ID, &res.OrderID, &res.UserID, &res.Currency, &totalStr, &remainingStr,
		&res.Status, &res.CreatedAt, &res.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BalanceReservation{}, ErrNotFound
		}
		return BalanceReservation{}, err
	}

	var err error
	if res.AmountTotal, err = parseDecimal(totalStr, "amount_total"); err != nil {
		return BalanceReservation{}, err
	}
	if res.AmountRemaining, err = parseDecimal(remainingStr, "amount_remaining"); err != nil {
		return BalanceReservation{}, err
	}
	return res, nil
}

// consumeReservation reduces the remaining reserved amount after settlement
// has debited the matching locked funds.
func (s *Store) consumeReservation(ctx context.Context, tx pgx.Tx, res BalanceReservation, amount decimal.Decimal) (BalanceReservation, error) {
	if amount.GreaterThan(res.AmountRemaining) {
		return BalanceReservation{}, fmt.Errorf("consume %s exceeds reservation remaining %s", amount, res.AmountRemaining)
	}
	res.AmountRemaining = res.AmountRemaining.Sub(amount)
	if res.AmountRemaining.IsZero() {
		res.Status = reservationStatusConsumed
	}
	return s.persistReservation(ctx, tx, res)
}

func (s *Store) closeReservation(ctx context.Context, tx pgx.Tx, res BalanceReservation, status string) (BalanceReservation, error) {
	res.AmountRemaining = decimal.Zero
	res.Status = status
	return s.persistReservation(ctx, tx, res)
}

func (s *Store) persistReservation(ctx context.Context, tx pgx.Tx, res BalanceReservation) (BalanceReservation, error) {
	res.UpdatedAt = time.Now().UTC()
	_, err := tx.Exec(ctx, `
		UPDATE balance_reservations
		SET amount_remaining = $1, status = $2, updated_at = $3
		WHERE id = $4
	`, res.AmountRemaining, res.Status, res.UpdatedAt, res.ID)
	if err != nil {
		return BalanceReservation{}, err
	}
	return res, nil
}

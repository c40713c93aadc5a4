package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrAccountFrozen        = errors.New("account frozen")
	ErrInvariantViolation   = errors.New("balance invariant violation")
	ErrOrderNotCancellable  = errors.New("order not cancellable")
	ErrOrderNotFillable     = errors.New("order not fillable")
	ErrDuplicateClientOrder = errors.New("duplicate client order id")
	ErrTradingPairMismatch  = errors.New("orders belong to different trading pairs")
	ErrSameSideOrders       = errors.New("orders are on the same side")
	ErrOverfill             = errors.New("fill quantity exceeds remaining quantity")
	ErrInvalidCursor        = errors.New("invalid cursor")
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// withTx runs fn inside a transaction, rolling back on error. An invariant
// violation additionally freezes the offending account after the rollback
// releases its row lock, so further writes are rejected while the balances
// are reconciled.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		var invErr *invariantError
		if errors.As(err, &invErr) {
			_ = tx.Rollback(ctx)
			committed = true
			s.freezeAccount(ctx, invErr.account)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

type invariantError struct {
	account Account
}

func (e *invariantError) Error() string {
	return fmt.Sprintf("account %s %s: %s", e.account.UserID, e.account.Currency, ErrInvariantViolation)
}

func (e *invariantError) Unwrap() error { return ErrInvariantViolation }

func (s *Store) freezeAccount(ctx context.Context, acct Account) {
	_, err := s.pool.Exec(ctx, `UPDATE accounts SET status = $1, updated_at = now() WHERE id = $2`,
		AccountStatusFrozen, acct.ID)
	if err != nil {
		s.logger.Error("freeze account", "account_id", acct.ID, "error", err)
		return
	}
	s.logger.Warn("account frozen pending reconciliation", "account_id", acct.ID, "user_id", acct.UserID, "currency", acct.Currency)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func parseDecimal(raw, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

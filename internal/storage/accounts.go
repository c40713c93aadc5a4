package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// GetBalance returns the account for (userID, currency). A missing row reads
// as a zero balance so callers never have to special-case new users.
func (s *Store) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (Account, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, currency, balance::text, available_balance::text, locked_balance::text, status, created_at, updated_at
		FROM accounts
		WHERE user_id = $1 AND currency = $2
	`, userID, currency)

	acct, err := scanAccountRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{
				UserID:           userID,
				Currency:         currency,
				Balance:          decimal.Zero,
				AvailableBalance: decimal.Zero,
				LockedBalance:    decimal.Zero,
				Status:           AccountStatusActive,
			}, nil
		}
		return Account{}, err
	}
	return acct, nil
}

// ListBalances returns all of the user's accounts ordered by currency.
func (s *Store) ListBalances(ctx context.Context, userID uuid.UUID) ([]Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, currency, balance::text, available_balance::text, locked_balance::text, status, created_at, updated_at
		FROM accounts
		WHERE user_id = $1
		ORDER BY currency
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		acct, err := scanAccountRow(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// Deposit credits available funds outside of any order flow. Transfers-in
// from the custody layer land here.
func (s *Store) Deposit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) (Account, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if amount.LessThanOrEqual(decimal.Zero) {
		return Account{}, fmt.Errorf("amount must be positive")
	}

	var acct Account
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		acct, err = s.getOrCreateAccountForUpdate(ctx, tx, userID, currency)
		if err != nil {
			return err
		}
		acct, err = s.creditFunds(ctx, tx, acct, amount)
		return err
	})
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (s *Store) getAccountForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, currency string) (Account, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, user_id, currency, balance::text, available_balance::text, locked_balance::text, status, created_at, updated_at
		FROM accounts
		WHERE user_id = $1 AND currency = $2
		FOR UPDATE
	`, userID, currency)
	return scanAccountRow(row)
}

func (s *Store) getOrCreateAccountForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, currency string) (Account, error) {
	acct, err := s.getAccountForUpdate(ctx, tx, userID, currency)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Account{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO accounts (id, user_id, currency, balance, available_balance, locked_balance, status, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, 0, $4, now(), now())
		ON CONFLICT (user_id, currency) DO NOTHING
	`, uuid.New(), userID, currency, AccountStatusActive)
	if err != nil {
		return Account{}, err
	}
	return s.getAccountForUpdate(ctx, tx, userID, currency)
}

// lockFunds moves amount from available to locked. The balance total does
// not change.
func (s *Store) lockFunds(ctx context.Context, tx pgx.Tx, acct Account, amount decimal.Decimal) (Account, error) {
	if acct.Status != AccountStatusActive {
		return Account{}, ErrAccountFrozen
	}
	if !amount.IsPositive() {
		return Account{}, ErrInvalidAmount
	}
	if acct.AvailableBalance.LessThan(amount) {
		return Account{}, ErrInsufficientBalance
	}
	acct.AvailableBalance = acct.AvailableBalance.Sub(amount)
	acct.LockedBalance = acct.LockedBalance.Add(amount)
	return s.persistAccount(ctx, tx, acct)
}

// unlockFunds releases amount from locked back to available.
func (s *Store) unlockFunds(ctx context.Context, tx pgx.Tx, acct Account, amount decimal.Decimal) (Account, error) {
	if acct.Status != AccountStatusActive {
		return Account{}, ErrAccountFrozen
	}
	if acct.LockedBalance.LessThan(amount) {
		s.logger.Error("unlock exceeds locked balance", "account_id", acct.ID, "unlock", amount, "locked", acct.LockedBalance)
		return Account{}, &invariantError{account: acct}
	}
	acct.LockedBalance = acct.LockedBalance.Sub(amount)
	acct.AvailableBalance = acct.AvailableBalance.Add(amount)
	return s.persistAccount(ctx, tx, acct)
}

// creditFunds adds settled funds to the account.
func (s *Store) creditFunds(ctx context.Context, tx pgx.Tx, acct Account, amount decimal.Decimal) (Account, error) {
	if acct.Status != AccountStatusActive {
		return Account{}, ErrAccountFrozen
	}
	acct.Balance = acct.Balance.Add(amount)
	acct.AvailableBalance = acct.AvailableBalance.Add(amount)
	return s.persistAccount(ctx, tx, acct)
}

// debitLockedFunds removes settled funds. fromLocked is the portion covered
// by the order's reservation; anything beyond it, such as a fee charged on
// top of the reserved notional, spills over into available funds. Locked
// funds belonging to other orders are never touched.
func (s *Store) debitLockedFunds(ctx context.Context, tx pgx.Tx, acct Account, amount, fromLocked decimal.Decimal) (Account, error) {
	if acct.Status != AccountStatusActive {
		return Account{}, ErrAccountFrozen
	}
	if fromLocked.GreaterThan(amount) {
		fromLocked = amount
	}
	if acct.LockedBalance.LessThan(fromLocked) {
		s.logger.Error("reservation exceeds locked balance", "account_id", acct.ID, "debit", fromLocked, "locked", acct.LockedBalance)
		return Account{}, &invariantError{account: acct}
	}

	overflow := amount.Sub(fromLocked)
	if overflow.GreaterThan(acct.AvailableBalance) {
		return Account{}, ErrInsufficientBalance
	}

	acct.LockedBalance = acct.LockedBalance.Sub(fromLocked)
	acct.AvailableBalance = acct.AvailableBalance.Sub(overflow)
	acct.Balance = acct.Balance.Sub(amount)
	return s.persistAccount(ctx, tx, acct)
}

func (s *Store) persistAccount(ctx context.Context, tx pgx.Tx, acct Account) (Account, error) {
	if err := s.verifyAccountInvariant(&acct); err != nil {
		return Account{}, err
	}

	acct.UpdatedAt = time.Now().UTC()
	_, err := tx.Exec(ctx, `
		UPDATE accounts
		SET balance = $1, available_balance = $2, locked_balance = $3, updated_at = $4
		WHERE id = $5
	`, acct.Balance, acct.AvailableBalance, acct.LockedBalance, acct.UpdatedAt, acct.ID)
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

// verifyAccountInvariant checks balance == available + locked with no
// negative components. A violation aborts the transaction; withTx freezes
// the account once the row lock is released.
func (s *Store) verifyAccountInvariant(acct *Account) error {
	ok := acct.Balance.Equal(acct.AvailableBalance.Add(acct.LockedBalance)) &&
		!acct.AvailableBalance.IsNegative() &&
		!acct.LockedBalance.IsNegative()
	if ok {
		return nil
	}

	s.logger.Error("balance invariant violated",
		"account_id", acct.ID,
		"user_id", acct.UserID,
		"currency", acct.Currency,
		"balance", acct.Balance,
		"available", acct.AvailableBalance,
		"locked", acct.LockedBalance,
	)
	return &invariantError{account: *acct}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccountRow(row rowScanner) (Account, error) {
	var acct Account
	var balanceStr, availableStr, lockedStr string
	if err := row.Scan(&acct.ID, &acct.UserID, &acct.Currency, &balanceStr, &availableStr, &lockedStr,
		&acct.Status, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return Account{}, err
	}

	var err error
	if acct.Balance, err = parseDecimal(balanceStr, "balance"); err != nil {
		return Account{}, err
	}
	if acct.AvailableBalance, err = parseDecimal(availableStr, "available_balance"); err != nil {
		return Account{}, err
	}
	if acct.LockedBalance, err = parseDecimal(lockedStr, "locked_balance"); err != nil {
		return Account{}, err
	}
	return acct, nil
}

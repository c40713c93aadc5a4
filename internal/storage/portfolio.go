package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SavePortfolioSnapshot records the user's total portfolio value at a point
// in time for the history endpoint.
func (s *Store) SavePortfolioSnapshot(ctx context.Context, userID uuid.UUID, totalValueUSD decimal.Decimal, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO portfolio_snapshots (id, user_id, total_value_usd, snapshot_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), userID, totalValueUSD, at.UTC())
	return err
}

func (s *Store) ListPortfolioSnapshots(ctx context.Context, userID uuid.UUID, since time.Time) ([]PortfolioSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, total_value_usd::text, snapshot_at
		FROM portfolio_snapshots
		WHERE user_id = $1 AND snapshot_at >= $2
		ORDER BY snapshot_at
	`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []PortfolioSnapshot
	for rows.Next() {
		var snap PortfolioSnapshot
		var valueStr string
		if err := rows.Scan(&snap.ID, &snap.UserID, &valueStr, &snap.SnapshotAt); err != nil {
			return nil, err
		}
		if snap.TotalValueUSD, err = parseDecimal(valueStr, "total_value_usd"); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

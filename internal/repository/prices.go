package repository

import (
	"context"
	"fmt"

	"github.com/kyhoon/defi-basel-framework/internal/models"
)

// InsertPrices writes collected price points, skipping duplicates.
func (r *Repository) InsertPrices(ctx context.Context, prices []models.Price) error {
	if len(prices) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, p := range prices {
		_, err := tx.Exec(ctx, `
			INSERT INTO prices (token_id, timestamp, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (token_id, timestamp) DO NOTHING`,
			p.TokenID, p.Timestamp, p.Value,
		)
		if err != nil {
			return fmt.Errorf("failed to insert price %s@%d: %w", p.TokenID, p.Timestamp, err)
		}
	}
	return tx.Commit(ctx)
}

// PricesByToken returns a token's stored price points in chronological order.
func (r *Repository) PricesByToken(ctx context.Context, tokenID string) ([]models.Price, error) {
	rows, err := r.db.Query(ctx, `
		SELECT token_id, timestamp, value
		FROM prices WHERE token_id = $1
		ORDER BY timestamp`,
		tokenID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prices []models.Price
	for rows.Next() {
		var p models.Price
		if err := rows.Scan(&p.TokenID, &p.Timestamp, &p.Value); err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

// TokenPriceTimestamps returns the timestamps a token already has prices
// for; the snapshot planner diffs them against the daily grid.
func (r *Repository) TokenPriceTimestamps(ctx context.Context, tokenID string) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT timestamp FROM prices WHERE token_id = $1 ORDER BY timestamp`,
		tokenID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timestamps []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		timestamps = append(timestamps, ts)
	}
	return timestamps, rows.Err()
}

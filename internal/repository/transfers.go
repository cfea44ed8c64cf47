package repository

import (
	"context"
	"fmt"

	"github.com/kyhoon/defi-basel-framework/internal/models"
)

// InsertTransfers writes collected transfers in one transaction. Duplicate
// content hashes are silently skipped, so overlapping snapshot windows are
// harmless.
func (r *Repository) InsertTransfers(ctx context.Context, transfers []models.Transfer) error {
	if len(transfers) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, t := range transfers {
		_, err := tx.Exec(ctx, `
			INSERT INTO transfers (id, timestamp, block_number, token_id, from_address, to_address, value)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			t.ID, t.Timestamp, t.BlockNumber, t.TokenID, t.FromAddress, t.ToAddress, t.Value,
		)
		if err != nil {
			return fmt.Errorf("failed to insert transfer %s: %w", t.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// TransfersByToken returns every transfer of a token touching any of the
// given addresses, in chronological order.
func (r *Repository) TransfersByToken(ctx context.Context, tokenID string, addresses []string) ([]models.Transfer, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, timestamp, block_number, token_id, from_address, to_address, value
		FROM transfers
		WHERE token_id = $1 AND (from_address = ANY($2) OR to_address = ANY($2))
		ORDER BY timestamp, id`,
		tokenID, addresses,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []models.Transfer
	for rows.Next() {
		var t models.Transfer
		if err := rows.Scan(&t.ID, &t.Timestamp, &t.BlockNumber, &t.TokenID, &t.FromAddress, &t.ToAddress, &t.Value); err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// TreasuryTransferTimestamps returns the timestamps of a treasury's stored
// transfers. The snapshot planner uses them to find coverage gaps.
func (r *Repository) TreasuryTransferTimestamps(ctx context.Context, treasuryID string) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
		SELECT timestamp FROM transfers
		WHERE from_address = $1 OR to_address = $1
		ORDER BY timestamp`,
		treasuryID,
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

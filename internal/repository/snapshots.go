package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kyhoon/defi-basel-framework/internal/models"
)

// InsertTransferSnapshots enqueues transfer collection windows. Windows
// already queued are skipped.
func (r *Repository) InsertTransferSnapshots(ctx context.Context, snapshots []models.TransferSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, s := range snapshots {
		_, err := tx.Exec(ctx, `
			INSERT INTO transfer_snapshots (treasury_id, from_timestamp, to_timestamp)
			VALUES ($1, $2, $3)
			ON CONFLICT (treasury_id, from_timestamp, to_timestamp) DO NOTHING`,
			s.TreasuryID, s.FromTimestamp, s.ToTimestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert transfer snapshot for %s: %w", s.TreasuryID, err)
		}
	}
	return tx.Commit(ctx)
}

// ClaimNextTransferSnapshot atomically removes and returns the next queued
// transfer window. Concurrent workers never claim the same row. Returns
// (nil, nil) when the backlog is empty.
func (r *Repository) ClaimNextTransferSnapshot(ctx context.Context) (*models.TransferSnapshot, error) {
	var s models.TransferSnapshot
	err := r.db.QueryRow(ctx, `
		DELETE FROM transfer_snapshots
		WHERE (treasury_id, from_timestamp, to_timestamp) IN (
			SELECT treasury_id, from_timestamp, to_timestamp
			FROM transfer_snapshots
			ORDER BY treasury_id, from_timestamp, to_timestamp
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING treasury_id, from_timestamp, to_timestamp`,
	).Scan(&s.TreasuryID, &s.FromTimestamp, &s.ToTimestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim transfer snapshot: %w", err)
	}
	return &s, nil
}

// InsertPriceSnapshots enqueues price collection points, skipping ones
// already queued.
func (r *Repository) InsertPriceSnapshots(ctx context.Context, snapshots []models.PriceSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, s := range snapshots {
		_, err := tx.Exec(ctx, `
			INSERT INTO price_snapshots (token_id, timestamp)
			VALUES ($1, $2)
			ON CONFLICT (token_id, timestamp) DO NOTHING`,
			s.TokenID, s.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert price snapshot for %s: %w", s.TokenID, err)
		}
	}
	return tx.Commit(ctx)
}

// PriceSnapshotPage returns one page of the price backlog in stable order.
func (r *Repository) PriceSnapshotPage(ctx context.Context, offset, limit int) ([]models.PriceSnapshot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT token_id, timestamp FROM price_snapshots
		ORDER BY token_id, timestamp
		OFFSET $1 LIMIT $2`,
		offset, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []models.PriceSnapshot
	for rows.Next() {
		var s models.PriceSnapshot
		if err := rows.Scan(&s.TokenID, &s.Timestamp); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

// DeletePriceSnapshots removes exactly the given rows from the backlog
// after the page has been fetched and stored.
func (r *Repository) DeletePriceSnapshots(ctx context.Context, snapshots []models.PriceSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, s := range snapshots {
		_, err := tx.Exec(ctx, `
			DELETE FROM price_snapshots WHERE token_id = $1 AND timestamp = $2`,
			s.TokenID, s.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to delete price snapshot for %s: %w", s.TokenID, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) CountTransferSnapshots(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM transfer_snapshots`).Scan(&count)
	return count, err
}

func (r *Repository) CountPriceSnapshots(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM price_snapshots`).Scan(&count)
	return count, err
}

package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kyhoon/defi-basel-framework/internal/models"
)

// UpsertAssets writes a batch of daily capital rows, replacing existing
// values so recalculation is idempotent.
func (r *Repository) UpsertAssets(ctx context.Context, assets []models.Asset) error {
	if len(assets) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, a := range assets {
		_, err := tx.Exec(ctx, `
			INSERT INTO assets (protocol_id, timestamp, cet1, credit_rwa, market_rwa, operational_rwa, rwa, car)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (protocol_id, timestamp) DO UPDATE SET
				cet1 = EXCLUDED.cet1,
				credit_rwa = EXCLUDED.credit_rwa,
				market_rwa = EXCLUDED.market_rwa,
				operational_rwa = EXCLUDED.operational_rwa,
				rwa = EXCLUDED.rwa,
				car = EXCLUDED.car`,
			a.ProtocolID, a.Timestamp, a.CET1, a.CreditRWA, a.MarketRWA, a.OperationalRWA, a.RWA, a.CAR,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert asset %s@%d: %w", a.ProtocolID, a.Timestamp, err)
		}
	}
	return tx.Commit(ctx)
}

func scanAssets(rows pgx.Rows) ([]models.Asset, error) {
	defer rows.Close()
	var assets []models.Asset
	for rows.Next() {
		var a models.Asset
		if err := rows.Scan(&a.ProtocolID, &a.Timestamp, &a.CET1, &a.CreditRWA, &a.MarketRWA, &a.OperationalRWA, &a.RWA, &a.CAR); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// AssetsByWindow returns every protocol's rows inside [from, to].
func (r *Repository) AssetsByWindow(ctx context.Context, from, to int64) ([]models.Asset, error) {
	rows, err := r.db.Query(ctx, `
		SELECT protocol_id, timestamp, cet1, credit_rwa, market_rwa, operational_rwa, rwa, car
		FROM assets
		WHERE timestamp >= $1 AND timestamp <= $2
		ORDER BY protocol_id, timestamp`,
		from, to,
	)
	if err != nil {
		return nil, err
	}
	return scanAssets(rows)
}

// AssetsByProtocol returns one protocol's rows inside [from, to].
func (r *Repository) AssetsByProtocol(ctx context.Context, protocolID string, from, to int64) ([]models.Asset, error) {
	rows, err := r.db.Query(ctx, `
		SELECT protocol_id, timestamp, cet1, credit_rwa, market_rwa, operational_rwa, rwa, car
		FROM assets
		WHERE protocol_id = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY timestamp`,
		protocolID, from, to,
	)
	if err != nil {
		return nil, err
	}
	return scanAssets(rows)
}

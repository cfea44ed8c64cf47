package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kyhoon/defi-basel-framework/internal/models"
)

// UpsertProtocol writes a protocol row, replacing rating, addresses and
// hacks on conflict.
func (r *Repository) UpsertProtocol(ctx context.Context, p models.Protocol) error {
	hacks, err := json.Marshal(p.Hacks)
	if err != nil {
		return fmt.Errorf("marshal hacks for %s: %w", p.ID, err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO protocols (id, rating, addresses, hacks)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			rating = EXCLUDED.rating,
			addresses = EXCLUDED.addresses,
			hacks = EXCLUDED.hacks`,
		p.ID, p.Rating, p.Addresses, hacks,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert protocol %s: %w", p.ID, err)
	}
	return nil
}

// UpsertTreasuries writes treasury rows, reassigning the owning protocol on
// conflict.
func (r *Repository) UpsertTreasuries(ctx context.Context, treasuries []models.Treasury) error {
	if len(treasuries) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, t := range treasuries {
		_, err := tx.Exec(ctx, `
			INSERT INTO treasuries (id, protocol_id)
			VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET protocol_id = EXCLUDED.protocol_id`,
			t.ID, t.ProtocolID,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert treasury %s: %w", t.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) UpsertToken(ctx context.Context, t models.Token) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO tokens (id, protocol_id, symbol, itin, decimals, itc_eep, underlying)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			protocol_id = EXCLUDED.protocol_id,
			symbol = EXCLUDED.symbol,
			itin = EXCLUDED.itin,
			decimals = EXCLUDED.decimals,
			itc_eep = EXCLUDED.itc_eep,
			underlying = EXCLUDED.underlying`,
		t.ID, t.ProtocolID, t.Symbol, t.ITIN, t.Decimals, nullable(t.ITCEEP), nullable(t.Underlying),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert token %s: %w", t.ID, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (r *Repository) listProtocols(ctx context.Context, onlyWithTreasuries bool) ([]models.Protocol, error) {
	query := `
		SELECT p.id, p.rating, p.addresses, p.hacks,
		       COALESCE(array_agg(t.id) FILTER (WHERE t.id IS NOT NULL), '{}')
		FROM protocols p
		LEFT JOIN treasuries t ON t.protocol_id = p.id
		GROUP BY p.id`
	if onlyWithTreasuries {
		query += `
		HAVING COUNT(t.id) > 0`
	}
	query += `
		ORDER BY p.id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var protocols []models.Protocol
	for rows.Next() {
		var p models.Protocol
		var hacks []byte
		if err := rows.Scan(&p.ID, &p.Rating, &p.Addresses, &hacks, &p.Treasuries); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(hacks, &p.Hacks); err != nil {
			return nil, fmt.Errorf("unmarshal hacks for %s: %w", p.ID, err)
		}
		protocols = append(protocols, p)
	}
	return protocols, rows.Err()
}

// ListProtocols returns every protocol with its treasury list.
func (r *Repository) ListProtocols(ctx context.Context) ([]models.Protocol, error) {
	return r.listProtocols(ctx, false)
}

// ProtocolsWithTreasuries returns the protocols the risk engine operates
// on: those with at least one treasury.
func (r *Repository) ProtocolsWithTreasuries(ctx context.Context) ([]models.Protocol, error) {
	return r.listProtocols(ctx, true)
}

func (r *Repository) ListTreasuries(ctx context.Context) ([]models.Treasury, error) {
	rows, err := r.db.Query(ctx, `SELECT id, protocol_id FROM treasuries ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var treasuries []models.Treasury
	for rows.Next() {
		var t models.Treasury
		if err := rows.Scan(&t.ID, &t.ProtocolID); err != nil {
			return nil, err
		}
		treasuries = append(treasuries, t)
	}
	return treasuries, rows.Err()
}

func (r *Repository) ListTokens(ctx context.Context) ([]models.Token, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, protocol_id, symbol, itin, decimals,
		       COALESCE(itc_eep, ''), COALESCE(underlying, '')
		FROM tokens ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		var t models.Token
		if err := rows.Scan(&t.ID, &t.ProtocolID, &t.Symbol, &t.ITIN, &t.Decimals, &t.ITCEEP, &t.Underlying); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// TokenIDs returns the set of catalogued token addresses; the transfer
// collector filters raw explorer rows against it.
func (r *Repository) TokenIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM tokens`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// Stats returns the heartbeat counters.
func (r *Repository) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	queries := map[string]string{
		"protocols":          `SELECT COUNT(DISTINCT protocol_id) FROM treasuries`,
		"tokens":             `SELECT COUNT(*) FROM tokens`,
		"assets":             `SELECT COUNT(*) FROM assets`,
		"transfer_snapshots": `SELECT COUNT(*) FROM transfer_snapshots`,
		"price_snapshots":    `SELECT COUNT(*) FROM price_snapshots`,
	}
	for name, query := range queries {
		var count int64
		if err := r.db.QueryRow(ctx, query).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		stats[name] = count
	}
	return stats, nil
}

// Package snapshots plans the collection backlog: which transfer windows
// and price timestamps still need fetching.
package snapshots

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kyhoon/defi-basel-framework/internal/models"
)

const (
	// MinTimestamp is the start of tracked history, 2018-Aug-16 UTC.
	MinTimestamp int64 = 1534377600

	// Interval is the grid spacing in seconds.
	Interval int64 = 86400

	// batchSize bounds pending snapshot rows held in memory before a flush.
	batchSize = 100000
)

// Store is the persistence surface the planner reads coverage from and
// writes backlog rows to.
type Store interface {
	ListTreasuries(ctx context.Context) ([]models.Treasury, error)
	ListTokens(ctx context.Context) ([]models.Token, error)
	TreasuryTransferTimestamps(ctx context.Context, treasuryID string) ([]int64, error)
	TokenPriceTimestamps(ctx context.Context, tokenID string) ([]int64, error)
	InsertTransferSnapshots(ctx context.Context, snapshots []models.TransferSnapshot) error
	InsertPriceSnapshots(ctx context.Context, snapshots []models.PriceSnapshot) error
}

// Planner enqueues snapshot rows over the daily timestamp grid.
type Planner struct {
	store Store
	log   zerolog.Logger

	// now is swappable so tests can pin the grid end.
	now func() time.Time
}

func NewPlanner(store Store, log zerolog.Logger) *Planner {
	return &Planner{
		store: store,
		log:   log.With().Str("component", "snapshots").Logger(),
		now:   time.Now,
	}
}

// Timestamps returns the daily grid: aligned timestamps from MinTimestamp
// up to, but not including, the current day.
func (p *Planner) Timestamps() []int64 {
	min := MinTimestamp / Interval * Interval
	now := p.now().Unix() / Interval * Interval
	var out []int64
	for ts := min; ts < now; ts += Interval {
		out = append(out, ts)
	}
	return out
}

// Initialize enqueues the cold-start backlog: one wide transfer window per
// treasury covering the whole grid, and a price snapshot for every (token,
// grid timestamp) except the first.
func (p *Planner) Initialize(ctx context.Context) error {
	timestamps := p.Timestamps()
	if len(timestamps) < 2 {
		return fmt.Errorf("timestamp grid too short: %d", len(timestamps))
	}

	treasuries, err := p.store.ListTreasuries(ctx)
	if err != nil {
		return err
	}
	transferSnapshots := make([]models.TransferSnapshot, 0, len(treasuries))
	for _, treasury := range treasuries {
		transferSnapshots = append(transferSnapshots, models.TransferSnapshot{
			TreasuryID:    treasury.ID,
			FromTimestamp: timestamps[0],
			ToTimestamp:   timestamps[len(timestamps)-1],
		})
	}
	p.log.Debug().Int("count", len(transferSnapshots)).Msg("adding transfer snapshots")
	if err := p.store.InsertTransferSnapshots(ctx, transferSnapshots); err != nil {
		return err
	}

	tokens, err := p.store.ListTokens(ctx)
	if err != nil {
		return err
	}
	var priceSnapshots []models.PriceSnapshot
	for _, ts := range timestamps[1:] {
		for _, token := range tokens {
			priceSnapshots = append(priceSnapshots, models.PriceSnapshot{
				TokenID:   token.ID,
				Timestamp: ts,
			})
		}
		if len(priceSnapshots) > batchSize {
			p.log.Debug().Int("count", len(priceSnapshots)).Msg("adding price snapshots")
			if err := p.store.InsertPriceSnapshots(ctx, priceSnapshots); err != nil {
				return err
			}
			priceSnapshots = priceSnapshots[:0]
		}
	}
	if len(priceSnapshots) > 0 {
		p.log.Debug().Int("count", len(priceSnapshots)).Msg("adding price snapshots")
		if err := p.store.InsertPriceSnapshots(ctx, priceSnapshots); err != nil {
			return err
		}
	}
	return nil
}

// Update diffs stored coverage against the grid and enqueues the gaps: a
// transfer snapshot for every (treasury, day window) with no stored
// transfer, and a price snapshot for every (token, timestamp) with no
// stored price.
func (p *Planner) Update(ctx context.Context) error {
	timestamps := p.Timestamps()
	if len(timestamps) < 2 {
		return fmt.Errorf("timestamp grid too short: %d", len(timestamps))
	}
	if err := p.updateTransfers(ctx, timestamps); err != nil {
		return fmt.Errorf("check transfers: %w", err)
	}
	if err := p.updatePrices(ctx, timestamps); err != nil {
		return fmt.Errorf("check prices: %w", err)
	}
	return nil
}

func (p *Planner) updateTransfers(ctx context.Context, timestamps []int64) error {
	treasuries, err := p.store.ListTreasuries(ctx)
	if err != nil {
		return err
	}

	var pending []models.TransferSnapshot
	for _, treasury := range treasuries {
		observed, err := p.store.TreasuryTransferTimestamps(ctx, treasury.ID)
		if err != nil {
			return err
		}
		covered := make(map[int64]bool, len(observed))
		for _, ts := range observed {
			covered[ts/Interval*Interval] = true
		}
		for i := 1; i < len(timestamps); i++ {
			if covered[timestamps[i-1]] {
				continue
			}
			pending = append(pending, models.TransferSnapshot{
				TreasuryID:    treasury.ID,
				FromTimestamp: timestamps[i-1],
				ToTimestamp:   timestamps[i],
			})
			if len(pending) > batchSize {
				p.log.Debug().Int("count", len(pending)).Msg("adding transfer snapshots")
				if err := p.store.InsertTransferSnapshots(ctx, pending); err != nil {
					return err
				}
				pending = pending[:0]
			}
		}
	}
	if len(pending) > 0 {
		p.log.Debug().Int("count", len(pending)).Msg("adding transfer snapshots")
		return p.store.InsertTransferSnapshots(ctx, pending)
	}
	return nil
}

func (p *Planner) updatePrices(ctx context.Context, timestamps []int64) error {
	tokens, err := p.store.ListTokens(ctx)
	if err != nil {
		return err
	}

	var pending []models.PriceSnapshot
	for _, token := range tokens {
		observed, err := p.store.TokenPriceTimestamps(ctx, token.ID)
		if err != nil {
			return err
		}
		covered := make(map[int64]bool, len(observed))
		for _, ts := range observed {
			covered[ts] = true
		}
		for _, ts := range timestamps[1:] {
			if covered[ts] {
				continue
			}
			pending = append(pending, models.PriceSnapshot{
				TokenID:   token.ID,
				Timestamp: ts,
			})
			if len(pending) > batchSize {
				p.log.Debug().Int("count", len(pending)).Msg("adding price snapshots")
				if err := p.store.InsertPriceSnapshots(ctx, pending); err != nil {
					return err
				}
				pending = pending[:0]
			}
		}
	}
	if len(pending) > 0 {
		p.log.Debug().Int("count", len(pending)).Msg("adding price snapshots")
		return p.store.InsertPriceSnapshots(ctx, pending)
	}
	return nil
}

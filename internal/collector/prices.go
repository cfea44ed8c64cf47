package collector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kyhoon/defi-basel-framework/internal/models"
	"github.com/kyhoon/defi-basel-framework/internal/oracle"
	"github.com/kyhoon/defi-basel-framework/internal/snapshots"
)

const (
	// PricePageSize is the number of backlog rows one page worker handles.
	PricePageSize = 50

	// maxPricePages bounds parallel page workers per run.
	maxPricePages = 8
)

// PriceStore is the persistence surface of the price collector.
type PriceStore interface {
	CountPriceSnapshots(ctx context.Context) (int64, error)
	PriceSnapshotPage(ctx context.Context, offset, limit int) ([]models.PriceSnapshot, error)
	InsertPrices(ctx context.Context, prices []models.Price) error
	DeletePriceSnapshots(ctx context.Context, snapshots []models.PriceSnapshot) error
}

// Oracle is the price-oracle surface the collector fetches from.
type Oracle interface {
	BatchHistorical(ctx context.Context, coins map[string][]int64) (map[string][]oracle.PricePoint, error)
}

// PriceCollector drains the price backlog in parallel pages. Pages are
// fetched without claiming; a page's rows are deleted only after its
// prices are stored, so a failed page is simply retried next tick.
type PriceCollector struct {
	store  PriceStore
	oracle Oracle
	pages  int
	log    zerolog.Logger
}

func NewPriceCollector(store PriceStore, orc Oracle, pages int, log zerolog.Logger) *PriceCollector {
	if pages < 1 || pages > maxPricePages {
		pages = maxPricePages
	}
	return &PriceCollector{
		store:  store,
		oracle: orc,
		pages:  pages,
		log:    log.With().Str("component", "prices").Logger(),
	}
}

// Run fans out one worker per pending page, up to the configured bound.
func (c *PriceCollector) Run(ctx context.Context) error {
	count, err := c.store.CountPriceSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("count price snapshots: %w", err)
	}
	if count == 0 {
		return nil
	}

	pages := int((count + PricePageSize - 1) / PricePageSize)
	if pages > c.pages {
		pages = c.pages
	}

	var wg sync.WaitGroup
	for page := 0; page < pages; page++ {
		wg.Add(1)
		go func(page int) {
			defer wg.Done()
			if err := c.collectPage(ctx, page); err != nil {
				c.log.Error().Err(err).Int("page", page).Msg("price page failed")
			}
		}(page)
	}
	wg.Wait()
	return nil
}

func (c *PriceCollector) collectPage(ctx context.Context, page int) error {
	snaps, err := c.store.PriceSnapshotPage(ctx, page*PricePageSize, PricePageSize)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		return nil
	}
	c.log.Info().
		Str("first", fmt.Sprintf("%s@%d", snaps[0].TokenID, snaps[0].Timestamp)).
		Str("last", fmt.Sprintf("%s@%d", snaps[len(snaps)-1].TokenID, snaps[len(snaps)-1].Timestamp)).
		Msg("collecting prices for snapshots")

	// minimum requested timestamp per token, for clamping snapped responses
	batch := make(map[string][]int64)
	minRequested := make(map[string]int64)
	for _, s := range snaps {
		key := "ethereum:" + s.TokenID
		batch[key] = append(batch[key], s.Timestamp)
		if min, ok := minRequested[s.TokenID]; !ok || s.Timestamp < min {
			minRequested[s.TokenID] = s.Timestamp
		}
	}

	data, err := c.oracle.BatchHistorical(ctx, batch)
	if err != nil {
		if errors.Is(err, oracle.ErrConnection) {
			c.log.Error().Err(err).Int("page", page).Msg("skipping snapshots due to connection error")
			return nil
		}
		return err
	}

	var prices []models.Price
	for key, points := range data {
		tokenID := key[strings.LastIndex(key, ":")+1:]
		min := minRequested[tokenID]
		for _, point := range points {
			// the oracle snaps timestamps to its own grid; re-align to ours
			ts := point.Timestamp / snapshots.Interval * snapshots.Interval
			if ts < min {
				ts = min
			}
			prices = append(prices, models.Price{
				TokenID:   tokenID,
				Timestamp: ts,
				Value:     strconv.FormatFloat(point.Price, 'g', -1, 64),
			})
		}
	}
	if err := c.store.InsertPrices(ctx, prices); err != nil {
		return err
	}
	return c.store.DeletePriceSnapshots(ctx, snaps)
}

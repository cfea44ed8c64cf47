package basel

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kyhoon/defi-basel-framework/internal/models"
)

// Store is the persistence surface the risk engine needs.
type Store interface {
	ListProtocols(ctx context.Context) ([]models.Protocol, error)
	ProtocolsWithTreasuries(ctx context.Context) ([]models.Protocol, error)
	ListTokens(ctx context.Context) ([]models.Token, error)
	TransfersByToken(ctx context.Context, tokenID string, addresses []string) ([]models.Transfer, error)
	PricesByToken(ctx context.Context, tokenID string) ([]models.Price, error)
	UpsertAssets(ctx context.Context, assets []models.Asset) error
}

// Engine computes the daily capital adequacy series per protocol and
// upserts it into the assets table.
type Engine struct {
	store   Store
	workers int
	log     zerolog.Logger

	// now is swappable so tests can pin the balance horizon.
	now func() time.Time
}

func NewEngine(store Store, workers int, log zerolog.Logger) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		store:   store,
		workers: workers,
		log:     log.With().Str("component", "basel").Logger(),
		now:     time.Now,
	}
}

// Run recomputes CAR for every protocol with at least one treasury, fanning
// out across a bounded worker group. Per-protocol failures are logged and
// do not abort the pass.
func (e *Engine) Run(ctx context.Context) error {
	protocols, err := e.store.ProtocolsWithTreasuries(ctx)
	if err != nil {
		return fmt.Errorf("list protocols with treasuries: %w", err)
	}
	all, err := e.store.ListProtocols(ctx)
	if err != nil {
		return fmt.Errorf("list protocols: %w", err)
	}
	ratings := make(map[string]string, len(all))
	for _, p := range all {
		ratings[p.ID] = p.Rating
	}
	tokens, err := e.store.ListTokens(ctx)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for _, protocol := range protocols {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(protocol models.Protocol) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.calculateCAR(ctx, protocol, tokens, ratings); err != nil {
				e.log.Error().Err(err).Str("protocol", protocol.ID).Msg("CAR calculation failed")
			}
		}(protocol)
	}
	wg.Wait()
	return nil
}

// calculateCAR runs the full pipeline for one protocol and persists the
// joined result.
func (e *Engine) calculateCAR(ctx context.Context, protocol models.Protocol, tokens []models.Token, ratings map[string]string) error {
	e.log.Info().Str("protocol", protocol.ID).Msg("calculating CAR")

	c := newCalc(ctx, e.store, protocol, tokens, ratings, e.now(), e.log)

	cet1, err := c.cet1()
	if err != nil {
		return fmt.Errorf("cet1: %w", err)
	}
	credit, err := c.ccrRWA()
	if err != nil {
		return fmt.Errorf("credit rwa: %w", err)
	}
	market, err := c.marketRWA()
	if err != nil {
		return fmt.Errorf("market rwa: %w", err)
	}
	operational, err := c.operationalRWA()
	if err != nil {
		return fmt.Errorf("operational rwa: %w", err)
	}

	assets := assembleAssets(protocol.ID, cet1, credit, market, operational)
	if len(assets) == 0 {
		return nil
	}

	e.log.Debug().Str("protocol", protocol.ID).Int("rows", len(assets)).Msg("updating CAR values")
	if err := e.store.UpsertAssets(ctx, assets); err != nil {
		return fmt.Errorf("upsert assets: %w", err)
	}
	return nil
}

// assembleAssets joins the component series: days where every RWA component
// is missing are dropped, remaining gaps become zero, and days without CET1
// or with an undefined CAR are dropped.
func assembleAssets(protocolID string, cet1, credit, market, operational *Series) []models.Asset {
	var start, end Day
	found := false
	for _, s := range []*Series{credit, market, operational} {
		if s.IsEmpty() {
			continue
		}
		if !found {
			start, end = s.Start(), s.End()
			found = true
			continue
		}
		if s.Start() < start {
			start = s.Start()
		}
		if s.End() > end {
			end = s.End()
		}
	}
	if !found {
		return nil
	}

	zero := newDec()
	var assets []models.Asset
	for day := start; day <= end; day++ {
		cr, mk, op := credit.At(day), market.At(day), operational.At(day)
		if cr == nil && mk == nil && op == nil {
			continue
		}
		if cr == nil {
			cr = zero
		}
		if mk == nil {
			mk = zero
		}
		if op == nil {
			op = zero
		}
		capital := cet1.At(day)
		if capital == nil {
			continue
		}

		rwa := safeAdd(safeAdd(cr, mk), op)
		if rwa == nil {
			continue
		}
		capitalF, _ := capital.Float64()
		rwaF, _ := rwa.Float64()
		car := capitalF / rwaF
		if math.IsNaN(car) {
			continue
		}

		assets = append(assets, models.Asset{
			ProtocolID:     protocolID,
			Timestamp:      day.Unix(),
			CET1:           FormatDec(capital),
			CreditRWA:      FormatDec(cr),
			MarketRWA:      FormatDec(mk),
			OperationalRWA: FormatDec(op),
			RWA:            FormatDec(rwa),
			CAR:            car,
		})
	}
	return assets
}

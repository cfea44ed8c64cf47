package collector

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kyhoon/defi-basel-framework/internal/models"
	"github.com/kyhoon/defi-basel-framework/internal/oracle"
)

// fakePriceStore serves pages from a fixed backlog and records deletions
// separately, so concurrent page workers see a stable ordering.
type fakePriceStore struct {
	mu       sync.Mutex
	backlog  []models.PriceSnapshot
	inserted []models.Price
	deleted  []models.PriceSnapshot
}

func (f *fakePriceStore) CountPriceSnapshots(ctx context.Context) (int64, error) {
	return int64(len(f.backlog)), nil
}

func (f *fakePriceStore) PriceSnapshotPage(ctx context.Context, offset, limit int) ([]models.PriceSnapshot, error) {
	if offset >= len(f.backlog) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.backlog) {
		end = len(f.backlog)
	}
	page := make([]models.PriceSnapshot, end-offset)
	copy(page, f.backlog[offset:end])
	return page, nil
}

func (f *fakePriceStore) InsertPrices(ctx context.Context, prices []models.Price) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, prices...)
	return nil
}

func (f *fakePriceStore) DeletePriceSnapshots(ctx context.Context, snapshots []models.PriceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, snapshots...)
	return nil
}

func (f *fakePriceStore) remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.backlog) - len(f.deleted)
}

type fakeOracle struct {
	mu       sync.Mutex
	requests []map[string][]int64
	response map[string][]oracle.PricePoint
	err      error
}

func (f *fakeOracle) BatchHistorical(ctx context.Context, coins map[string][]int64) (map[string][]oracle.PricePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, coins)
	return f.response, f.err
}

func TestPriceRunStoresAndDeletes(t *testing.T) {
	t.Parallel()
	token := "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	store := &fakePriceStore{backlog: []models.PriceSnapshot{
		{TokenID: token, Timestamp: 1534464000},
		{TokenID: token, Timestamp: 1534550400},
	}}
	orc := &fakeOracle{response: map[string][]oracle.PricePoint{
		"ethereum:" + token: {
			{Timestamp: 1534464000, Price: 1.0},
			// snapped off-grid by the oracle
			{Timestamp: 1534550400 + 1800, Price: 1.01},
		},
	}}
	c := NewPriceCollector(store, orc, 8, zerolog.Nop())

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(orc.requests) != 1 {
		t.Fatalf("oracle called %d times, want 1", len(orc.requests))
	}
	if got := orc.requests[0]["ethereum:"+token]; len(got) != 2 {
		t.Fatalf("batch request = %v", got)
	}
	if len(store.inserted) != 2 {
		t.Fatalf("inserted %d prices, want 2", len(store.inserted))
	}
	// the snapped timestamp is floored back onto the grid
	if store.inserted[1].Timestamp != 1534550400 {
		t.Errorf("timestamp %d, want 1534550400", store.inserted[1].Timestamp)
	}
	if store.inserted[1].Value != "1.01" {
		t.Errorf("value %q, want 1.01", store.inserted[1].Value)
	}
	if store.remaining() != 0 {
		t.Fatalf("backlog not drained: %d rows left", store.remaining())
	}
}

func TestPriceRunClampsEarlySnappedTimestamps(t *testing.T) {
	t.Parallel()
	token := "0xtok"
	store := &fakePriceStore{backlog: []models.PriceSnapshot{
		{TokenID: token, Timestamp: 1534464000},
	}}
	orc := &fakeOracle{response: map[string][]oracle.PricePoint{
		"ethereum:" + token: {
			// snapped a whole day before anything requested
			{Timestamp: 1534464000 - 86400, Price: 2.0},
		},
	}}
	c := NewPriceCollector(store, orc, 8, zerolog.Nop())

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.inserted) != 1 || store.inserted[0].Timestamp != 1534464000 {
		t.Fatalf("inserted = %+v, want clamp to 1534464000", store.inserted)
	}
}

func TestPriceRunLeavesBacklogOnConnectionError(t *testing.T) {
	t.Parallel()
	store := &fakePriceStore{backlog: []models.PriceSnapshot{
		{TokenID: "0xtok", Timestamp: 1534464000},
		{TokenID: "0xtok", Timestamp: 1534550400},
	}}
	orc := &fakeOracle{err: fmt.Errorf("%w: giving up", oracle.ErrConnection)}
	c := NewPriceCollector(store, orc, 8, zerolog.Nop())

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.deleted) != 0 {
		t.Fatalf("snapshots deleted despite connection error")
	}
	if store.remaining() != 2 {
		t.Fatalf("backlog shrank to %d", store.remaining())
	}
}

func TestPriceRunFansOutPages(t *testing.T) {
	t.Parallel()
	var backlog []models.PriceSnapshot
	for i := 0; i < PricePageSize*3; i++ {
		backlog = append(backlog, models.PriceSnapshot{
			TokenID:   "0xtok",
			Timestamp: 1534464000 + int64(i)*86400,
		})
	}
	store := &fakePriceStore{backlog: backlog}
	orc := &fakeOracle{response: map[string][]oracle.PricePoint{}}
	c := NewPriceCollector(store, orc, 8, zerolog.Nop())

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(orc.requests) != 3 {
		t.Fatalf("oracle called %d times, want 3", len(orc.requests))
	}
	// pages succeed with no prices; their snapshots are still cleared
	if len(store.deleted) != PricePageSize*3 {
		t.Fatalf("deleted %d snapshots, want %d", len(store.deleted), PricePageSize*3)
	}
}

package catalog

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kyhoon/defi-basel-framework/internal/models"
)

type fakeStore struct {
	protocols  []models.Protocol
	treasuries []models.Treasury
	tokens     []models.Token
}

func (f *fakeStore) UpsertProtocol(ctx context.Context, p models.Protocol) error {
	f.protocols = append(f.protocols, p)
	return nil
}

func (f *fakeStore) UpsertTreasuries(ctx context.Context, treasuries []models.Treasury) error {
	f.treasuries = append(f.treasuries, treasuries...)
	return nil
}

func (f *fakeStore) UpsertToken(ctx context.Context, t models.Token) error {
	f.tokens = append(f.tokens, t)
	return nil
}

func writeDescriptor(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadProtocolNormalizesAndMergesAddresses(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	writeDescriptor(t, filepath.Join(dataDir, "protocols"), "aave.json", `{
		"rating": "A",
		"treasury": ["0xBE8E3e3618f7474F8cB1d074A26afFef007E98FB"],
		"addresses": ["0x25F2226B597E8F9514B3F68F00f494cF4f286491"],
		"hacks": [{"date": "2021-09-29", "amount": 80000000}]
	}`)
	writeDescriptor(t, filepath.Join(dataDir, "tokens"), "placeholder", "ignored")

	store := &fakeStore{}
	loader := NewLoader(store, dataDir, zerolog.Nop())
	if err := loader.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(store.protocols) != 1 {
		t.Fatalf("got %d protocols, want 1", len(store.protocols))
	}
	p := store.protocols[0]
	if p.ID != "aave" || p.Rating != "A" {
		t.Fatalf("unexpected protocol: %+v", p)
	}
	wantAddresses := []string{
		"0x25f2226b597e8f9514b3f68f00f494cf4f286491",
		"0xbe8e3e3618f7474f8cb1d074a26affef007e98fb",
	}
	if !reflect.DeepEqual(p.Addresses, wantAddresses) {
		t.Errorf("addresses = %v, want %v", p.Addresses, wantAddresses)
	}
	if len(p.Hacks) != 1 || p.Hacks[0].Date != "2021-09-29" || p.Hacks[0].Amount != 80000000 {
		t.Errorf("hacks = %+v", p.Hacks)
	}

	// only the treasury list becomes treasury rows
	want := []models.Treasury{{ID: "0xbe8e3e3618f7474f8cb1d074a26affef007e98fb", ProtocolID: "aave"}}
	if !reflect.DeepEqual(store.treasuries, want) {
		t.Errorf("treasuries = %+v, want %+v", store.treasuries, want)
	}
}

func TestLoadProtocolWithoutTreasuryWritesNoRows(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	writeDescriptor(t, filepath.Join(dataDir, "protocols"), "circle.json", `{"rating": "AAA"}`)
	writeDescriptor(t, filepath.Join(dataDir, "tokens"), "placeholder", "ignored")

	store := &fakeStore{}
	if err := NewLoader(store, dataDir, zerolog.Nop()).Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(store.treasuries) != 0 {
		t.Fatalf("treasuries = %+v, want none", store.treasuries)
	}
	// absent hacks unmarshal to an empty slice, not nil
	if store.protocols[0].Hacks == nil {
		t.Error("hacks should be an empty slice")
	}
}

func TestLoadTokenLowercasesIDsAndUnderlying(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	writeDescriptor(t, filepath.Join(dataDir, "protocols"), "placeholder", "ignored")
	writeDescriptor(t, filepath.Join(dataDir, "tokens"),
		"0x5d3a536E4D6DbD6114cc1Ead35777bAB948E3643.json", `{
		"protocol": "compound",
		"symbol": "cDAI",
		"itin": "ABCD-1234",
		"decimals": 8,
		"itc_eep": "EEP22TU03",
		"underlying": "0x6B175474E89094C44Da98b954EedeAC495271d0F"
	}`)

	store := &fakeStore{}
	if err := NewLoader(store, dataDir, zerolog.Nop()).Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(store.tokens) != 1 {
		t.Fatalf("got %d tokens, want 1", len(store.tokens))
	}
	tok := store.tokens[0]
	if tok.ID != "0x5d3a536e4d6dbd6114cc1ead35777bab948e3643" {
		t.Errorf("id = %s", tok.ID)
	}
	if tok.Underlying != "0x6b175474e89094c44da98b954eedeac495271d0f" {
		t.Errorf("underlying = %s", tok.Underlying)
	}
	if tok.ProtocolID != "compound" || tok.Symbol != "cDAI" || tok.Decimals != 8 || tok.ITCEEP != "EEP22TU03" {
		t.Errorf("unexpected token: %+v", tok)
	}
}

func TestLoadTokenWithoutUnderlyingLeavesItEmpty(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	writeDescriptor(t, filepath.Join(dataDir, "protocols"), "placeholder", "ignored")
	writeDescriptor(t, filepath.Join(dataDir, "tokens"),
		"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48.json", `{
		"protocol": "circle",
		"symbol": "USDC",
		"decimals": 6,
		"itc_eep": "EEP21PP01USD"
	}`)

	store := &fakeStore{}
	if err := NewLoader(store, dataDir, zerolog.Nop()).Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := store.tokens[0].Underlying; got != "" {
		t.Fatalf("underlying = %q, want empty", got)
	}
}

func TestLoadTokenMissingProtocolFails(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	writeDescriptor(t, filepath.Join(dataDir, "protocols"), "placeholder", "ignored")
	writeDescriptor(t, filepath.Join(dataDir, "tokens"),
		"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48.json", `{"symbol": "USDC"}`)

	store := &fakeStore{}
	if err := NewLoader(store, dataDir, zerolog.Nop()).Load(context.Background()); err == nil {
		t.Fatal("expected error for missing protocol id")
	}
}

func TestLoadReloadIsIdempotentUpsert(t *testing.T) {
	t.Parallel()
	dataDir := t.TempDir()
	protocols := filepath.Join(dataDir, "protocols")
	writeDescriptor(t, protocols, "makerdao.json", `{
		"rating": "BBB",
		"treasury": ["0xBE8E3e3618f7474F8cB1d074A26afFef007E98FB"]
	}`)
	writeDescriptor(t, filepath.Join(dataDir, "tokens"), "placeholder", "ignored")

	store := &fakeStore{}
	loader := NewLoader(store, dataDir, zerolog.Nop())
	if err := loader.Load(context.Background()); err != nil {
		t.Fatalf("first Load: %v", err)
	}

	// the descriptor changes hands: the same treasury now belongs to a
	// different protocol
	if err := os.Remove(filepath.Join(protocols, "makerdao.json")); err != nil {
		t.Fatal(err)
	}
	writeDescriptor(t, protocols, "spark.json", `{
		"rating": "BB",
		"treasury": ["0xBE8E3e3618f7474F8cB1d074A26afFef007E98FB"]
	}`)
	if err := loader.Load(context.Background()); err != nil {
		t.Fatalf("second Load: %v", err)
	}

	last := store.treasuries[len(store.treasuries)-1]
	if last.ID != "0xbe8e3e3618f7474f8cb1d074a26affef007e98fb" || last.ProtocolID != "spark" {
		t.Fatalf("treasury not re-pointed: %+v", last)
	}
}

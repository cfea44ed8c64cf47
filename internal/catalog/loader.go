// Package catalog loads protocol and token descriptors from disk into the
// database. Loading is idempotent and runs on startup and before every
// daily snapshot update.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/kyhoon/defi-basel-framework/internal/models"
)

// Store is the persistence surface the loader writes to.
type Store interface {
	UpsertProtocol(ctx context.Context, p models.Protocol) error
	UpsertTreasuries(ctx context.Context, treasuries []models.Treasury) error
	UpsertToken(ctx context.Context, t models.Token) error
}

type protocolFile struct {
	Rating    string             `json:"rating"`
	Treasury  []string           `json:"treasury"`
	Addresses []string           `json:"addresses"`
	Hacks     []models.HackEvent `json:"hacks"`
}

type tokenFile struct {
	Protocol   string  `json:"protocol"`
	Symbol     string  `json:"symbol"`
	ITIN       string  `json:"itin"`
	Decimals   int     `json:"decimals"`
	ITCEEP     string  `json:"itc_eep"`
	Underlying *string `json:"underlying"`
}

// Loader reads descriptor files from <dataDir>/protocols and
// <dataDir>/tokens. The file name without extension is the entity id.
type Loader struct {
	store   Store
	dataDir string
	log     zerolog.Logger
}

func NewLoader(store Store, dataDir string, log zerolog.Logger) *Loader {
	return &Loader{
		store:   store,
		dataDir: dataDir,
		log:     log.With().Str("component", "catalog").Logger(),
	}
}

// normalizeAddress lowercases a hex address after round-tripping it through
// the canonical 20-byte form.
func normalizeAddress(addr string) string {
	return strings.ToLower(common.HexToAddress(addr).Hex())
}

// Load upserts every protocol (with its treasuries) and every token.
func (l *Loader) Load(ctx context.Context) error {
	if err := l.loadProtocols(ctx); err != nil {
		return fmt.Errorf("load protocols: %w", err)
	}
	if err := l.loadTokens(ctx); err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	return nil
}

func (l *Loader) loadProtocols(ctx context.Context) error {
	dir := filepath.Join(l.dataDir, "protocols")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	l.log.Debug().Int("count", len(entries)).Msg("updating protocols from JSON")

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		var file protocolFile
		if err := json.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		protocolID := strings.TrimSuffix(entry.Name(), ".json")

		addresses := make(map[string]bool)
		treasuries := make(map[string]bool)
		for _, addr := range file.Treasury {
			addr = normalizeAddress(addr)
			addresses[addr] = true
			treasuries[addr] = true
		}
		for _, addr := range file.Addresses {
			addresses[normalizeAddress(addr)] = true
		}
		if file.Hacks == nil {
			file.Hacks = []models.HackEvent{}
		}

		protocol := models.Protocol{
			ID:        protocolID,
			Rating:    file.Rating,
			Addresses: sortedKeys(addresses),
			Hacks:     file.Hacks,
		}
		if err := l.store.UpsertProtocol(ctx, protocol); err != nil {
			return err
		}

		if len(treasuries) == 0 {
			continue
		}
		rows := make([]models.Treasury, 0, len(treasuries))
		for _, addr := range sortedKeys(treasuries) {
			rows = append(rows, models.Treasury{ID: addr, ProtocolID: protocolID})
		}
		if err := l.store.UpsertTreasuries(ctx, rows); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) loadTokens(ctx context.Context) error {
	dir := filepath.Join(l.dataDir, "tokens")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	l.log.Debug().Int("count", len(entries)).Msg("updating tokens from JSON")

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		var file tokenFile
		if err := json.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		if file.Protocol == "" {
			return fmt.Errorf("token descriptor %s has no protocol id", entry.Name())
		}

		token := models.Token{
			ID:         normalizeAddress(strings.TrimSuffix(entry.Name(), ".json")),
			ProtocolID: file.Protocol,
			Symbol:     file.Symbol,
			ITIN:       file.ITIN,
			Decimals:   file.Decimals,
			ITCEEP:     file.ITCEEP,
		}
		if file.Underlying != nil {
			token.Underlying = normalizeAddress(*file.Underlying)
		}
		if err := l.store.UpsertToken(ctx, token); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

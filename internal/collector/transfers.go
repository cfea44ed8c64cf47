// Package collector drains the snapshot backlogs against the external
// APIs: transfer windows from the block explorer, price points from the
// oracle.
package collector

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/kyhoon/defi-basel-framework/internal/explorer"
	"github.com/kyhoon/defi-basel-framework/internal/models"
)

// TransferStore is the persistence surface of the transfer collector.
type TransferStore interface {
	TokenIDs(ctx context.Context) (map[string]bool, error)
	ClaimNextTransferSnapshot(ctx context.Context) (*models.TransferSnapshot, error)
	InsertTransferSnapshots(ctx context.Context, snapshots []models.TransferSnapshot) error
	InsertTransfers(ctx context.Context, transfers []models.Transfer) error
}

// Explorer is the block-explorer surface the collector fetches from.
type Explorer interface {
	BlockAt(ctx context.Context, ts int64) (int64, error)
	TokenTransfers(ctx context.Context, address string, fromBlock, toBlock int64) ([]explorer.RawTransfer, error)
}

// TransferCollector claims one pending window per run and ingests every
// catalogued token transfer inside it.
type TransferCollector struct {
	store    TransferStore
	explorer Explorer
	log      zerolog.Logger
}

func NewTransferCollector(store TransferStore, exp Explorer, log zerolog.Logger) *TransferCollector {
	return &TransferCollector{
		store:    store,
		explorer: exp,
		log:      log.With().Str("component", "transfers").Logger(),
	}
}

// Run claims the next snapshot and collects it. The claim removes the row
// up front; a connection failure puts it back so the next tick retries.
// Transfers already written stay, their content-hash ids make reruns
// idempotent. Returns without error when the backlog is empty.
func (c *TransferCollector) Run(ctx context.Context) error {
	tokens, err := c.store.TokenIDs(ctx)
	if err != nil {
		return fmt.Errorf("list token ids: %w", err)
	}
	snapshot, err := c.store.ClaimNextTransferSnapshot(ctx)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}

	c.log.Info().
		Str("treasury", snapshot.TreasuryID).
		Int64("from", snapshot.FromTimestamp).
		Int64("to", snapshot.ToTimestamp).
		Msg("collecting txs for snapshot")

	if err := c.collect(ctx, snapshot, tokens); err != nil {
		if errors.Is(err, explorer.ErrConnection) {
			c.log.Error().Err(err).
				Str("treasury", snapshot.TreasuryID).
				Msg("skipping snapshot due to connection error")
			return c.store.InsertTransferSnapshots(ctx, []models.TransferSnapshot{*snapshot})
		}
		return err
	}
	return nil
}

func (c *TransferCollector) collect(ctx context.Context, snapshot *models.TransferSnapshot, tokens map[string]bool) error {
	fromBlock, err := c.explorer.BlockAt(ctx, snapshot.FromTimestamp)
	if err != nil {
		return err
	}
	toBlock, err := c.explorer.BlockAt(ctx, snapshot.ToTimestamp)
	if err != nil {
		return err
	}

	for {
		page, err := c.explorer.TokenTransfers(ctx, snapshot.TreasuryID, fromBlock, toBlock)
		if err != nil {
			return err
		}
		lastPage := len(page) < explorer.PageSize
		if !lastPage {
			next, err := strconv.ParseInt(page[len(page)-1].BlockNumber, 10, 64)
			if err != nil {
				return fmt.Errorf("parse block number: %w", err)
			}
			fromBlock = next
		}

		var batch []models.Transfer
		for _, tx := range page {
			if !tokens[tx.ContractAddress] {
				continue
			}
			transfer, err := newTransfer(tx)
			if err != nil {
				return err
			}
			batch = append(batch, transfer)
		}
		if len(batch) > 0 {
			c.log.Debug().
				Int("count", len(batch)).
				Str("treasury", snapshot.TreasuryID).
				Msg("collecting txs")
			if err := c.store.InsertTransfers(ctx, batch); err != nil {
				return err
			}
		}
		if lastPage {
			return nil
		}
	}
}

// newTransfer hashes the raw row into its stable id and strips the
// identity fields (block hash, tx hash, log index) from the persisted form.
func newTransfer(tx explorer.RawTransfer) (models.Transfer, error) {
	blockNumber, err := strconv.ParseInt(tx.BlockNumber, 10, 64)
	if err != nil {
		return models.Transfer{}, fmt.Errorf("parse block number %q: %w", tx.BlockNumber, err)
	}
	timestamp, err := strconv.ParseInt(tx.TimeStamp, 10, 64)
	if err != nil {
		return models.Transfer{}, fmt.Errorf("parse timestamp %q: %w", tx.TimeStamp, err)
	}
	return models.Transfer{
		ID:          transferID(tx, blockNumber),
		Timestamp:   timestamp,
		BlockNumber: blockNumber,
		TokenID:     tx.ContractAddress,
		FromAddress: tx.From,
		ToAddress:   tx.To,
		Value:       tx.Value,
	}, nil
}

// transferID is the md5 hex digest of a canonical key/value rendering of
// the raw row, identity fields included. The exact byte layout is
// load-bearing: ids are content hashes over history already ingested, so
// it must never change.
func transferID(tx explorer.RawTransfer, blockNumber int64) string {
	canonical := fmt.Sprintf(
		"{'block_hash': '%s', 'tx_hash': '%s', 'log_index': '%s', 'timestamp': '%s', 'block_number': %d, 'token_id': '%s', 'from_address': '%s', 'to_address': '%s', 'value': '%s'}",
		tx.BlockHash, tx.Hash, tx.TransactionIndex, tx.TimeStamp, blockNumber,
		tx.ContractAddress, tx.From, tx.To, tx.Value,
	)
	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

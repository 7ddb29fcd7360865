// Package treasury reads point-in-time vault balance snapshots from the
// chain. Snapshots are never persisted; every consumer reads fresh.
package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/compusophy/GroupWallet/internal/chain"
	"github.com/compusophy/GroupWallet/internal/chain/evm"
	"github.com/compusophy/GroupWallet/internal/domain/model"
)

// Reader snapshots the vault's balances across the configured assets.
type Reader struct {
	client chain.Client
	vault  string
	assets []model.Asset
	logger *slog.Logger

	// lastMu guards the previous snapshot, kept only for diff logging.
	lastMu sync.Mutex
	last   *model.TreasurySnapshot
}

func NewReader(client chain.Client, vault string, assets []model.Asset, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		client: client,
		vault:  vault,
		assets: assets,
		logger: logger.With("component", "treasury"),
	}
}

// Snapshot reads the latest block header, attempts the finalized header, and
// reads every asset balance at latest. A failed per-asset read yields a zero
// balance; the reader never fails because of a single asset.
func (r *Reader) Snapshot(ctx context.Context) (*model.TreasurySnapshot, error) {
	latest, err := r.client.BlockByTag(ctx, "latest")
	if err != nil {
		return nil, fmt.Errorf("read latest block: %w", err)
	}
	if latest == nil {
		return nil, fmt.Errorf("latest block not available")
	}

	snapshot := &model.TreasurySnapshot{
		WalletAddress:  evm.Checksum(r.vault),
		BlockNumber:    latest.Number,
		BlockHash:      latest.Hash,
		BlockTimestamp: latest.Timestamp,
	}

	if finalized, err := r.client.BlockByTag(ctx, "finalized"); err != nil {
		r.logger.Warn("finalized block unavailable", "error", err)
	} else if finalized != nil {
		snapshot.FinalizedBlockNumber = &finalized.Number
	}

	for _, asset := range r.assets {
		balance := r.readBalance(ctx, asset)
		snapshot.Balances = append(snapshot.Balances, model.AssetBalance{
			Asset:      asset,
			MinorUnits: balance,
			Minor:      balance.String(),
		})
	}

	r.logDiff(snapshot)
	return snapshot, nil
}

func (r *Reader) readBalance(ctx context.Context, asset model.Asset) *big.Int {
	if asset.IsNative() {
		balance, err := r.client.Balance(ctx, r.vault)
		if err != nil {
			r.logger.Warn("native balance read failed", "asset", asset.ID, "error", err)
			return new(big.Int)
		}
		return balance
	}

	code, err := r.client.Code(ctx, asset.TokenAddress)
	if err != nil {
		r.logger.Warn("code probe failed", "asset", asset.ID, "error", err)
		return new(big.Int)
	}
	if len(code) == 0 {
		r.logger.Warn("no contract at token address, treating balance as zero",
			"asset", asset.ID, "address", asset.TokenAddress)
		return new(big.Int)
	}

	out, err := r.client.Call(ctx, asset.TokenAddress, evm.BalanceOfCalldata(r.vault))
	if err != nil {
		r.logger.Warn("balanceOf read failed", "asset", asset.ID, "error", err)
		return new(big.Int)
	}
	balance, err := evm.DecodeUint256(out)
	if err != nil {
		r.logger.Warn("balanceOf decode failed", "asset", asset.ID, "error", err)
		return new(big.Int)
	}
	return balance
}

// logDiff logs balance movement against the previous snapshot. Advisory
// only; the stored snapshot is never used for decisions.
func (r *Reader) logDiff(current *model.TreasurySnapshot) {
	r.lastMu.Lock()
	previous := r.last
	r.last = current
	r.lastMu.Unlock()

	if previous == nil {
		return
	}
	for _, balance := range current.Balances {
		before := previous.Balance(balance.Asset.ID)
		if before.Cmp(balance.MinorUnits) != 0 {
			r.logger.Info("vault balance changed",
				"asset", balance.Asset.ID,
				"before", before.String(),
				"after", balance.MinorUnits.String(),
				"block", current.BlockNumber,
			)
		}
	}
}

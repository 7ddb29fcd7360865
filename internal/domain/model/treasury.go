package model

import "math/big"

// AssetBalance is one asset's on-chain holding at the snapshot block.
type AssetBalance struct {
	Asset      Asset    `json:"asset"`
	MinorUnits *big.Int `json:"-"`
	Minor      string   `json:"minorUnits"`
}

// TreasurySnapshot is a point-in-time read of the vault across all
// configured assets. It is never persisted; callers re-read on every use.
type TreasurySnapshot struct {
	WalletAddress        string         `json:"walletAddress"`
	BlockNumber          int64          `json:"blockNumber"`
	BlockHash            string         `json:"blockHash"`
	BlockTimestamp       int64          `json:"blockTimestamp"`
	FinalizedBlockNumber *int64         `json:"finalizedBlockNumber,omitempty"`
	Balances             []AssetBalance `json:"balances"`
}

// Balance returns the snapshot's balance for the given asset id, or zero if
// the asset is not present.
func (s *TreasurySnapshot) Balance(assetID string) *big.Int {
	for _, b := range s.Balances {
		if b.Asset.ID == assetID {
			return b.MinorUnits
		}
	}
	return new(big.Int)
}

package model

// PriceDecimals is the shared fixed-point scale for USD prices. Every
// snapshot used within a single rebalance must carry the same value.
const PriceDecimals = 8

// PriceSnapshot is a cached USD price for one asset. PriceRaw is
// priceUsd scaled by 10^PriceDecimals, truncated.
type PriceSnapshot struct {
	AssetID       string  `json:"assetId"`
	Symbol        string  `json:"symbol"`
	PriceUSD      float64 `json:"priceUsd"`
	Source        string  `json:"source"`
	UpdatedAt     int64   `json:"updatedAt"`
	ExpiresAt     int64   `json:"expiresAt"`
	PriceDecimals int     `json:"priceDecimals"`
	PriceRaw      string  `json:"priceRaw"`
}

package rebalance

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compusophy/GroupWallet/internal/domain/model"
)

var (
	ethAsset = model.Asset{
		ID: "eth", Kind: model.AssetKindNative, Symbol: "ETH", Decimals: 18, PriceFeedID: "ETH",
	}
	usdcAsset = model.Asset{
		ID: "usdc", Kind: model.AssetKindToken, Symbol: "USDC",
		TokenAddress: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", Decimals: 6, PriceFeedID: "USDC",
	}
	testAssets = []model.Asset{ethAsset, usdcAsset}
)

func price(assetID, symbol, raw string) *model.PriceSnapshot {
	return &model.PriceSnapshot{
		AssetID:       assetID,
		Symbol:        symbol,
		PriceDecimals: model.PriceDecimals,
		PriceRaw:      raw,
	}
}

func testPrices() map[string]*model.PriceSnapshot {
	return map[string]*model.PriceSnapshot{
		"eth":  price("eth", "ETH", "200000000000"), // $2000
		"usdc": price("usdc", "USDC", "100000000"),  // $1
	}
}

func snapshot(ethWei, usdcMinor string) *model.TreasurySnapshot {
	eth, _ := new(big.Int).SetString(ethWei, 10)
	usdc, _ := new(big.Int).SetString(usdcMinor, 10)
	return &model.TreasurySnapshot{
		WalletAddress: "0x1111111111111111111111111111111111111111",
		BlockNumber:   100,
		Balances: []model.AssetBalance{
			{Asset: ethAsset, MinorUnits: eth, Minor: eth.String()},
			{Asset: usdcAsset, MinorUnits: usdc, Minor: usdc.String()},
		},
	}
}

var defaultPlanCfg = Config{TolerancePercent: 1.0, MinUsdDelta: 5.0}

func TestBuildPlan_WithinTolerance(t *testing.T) {
	// 1 ETH ($2000) + 2000 USDC ($2000), consensus 50/50: both deltas zero.
	plan, err := BuildPlan(testAssets, 50, snapshot("1000000000000000000", "2000000000"), testPrices(), defaultPlanCfg)
	require.NoError(t, err)

	assert.True(t, plan.Skip)
	assert.Equal(t, "within tolerance", plan.SkipMessage)
	assert.Equal(t, "400000000000", plan.TotalUsdRaw.String()) // $4000 at 1e8
	assert.Equal(t, "4000000000", plan.ToleranceRaw.String())  // $40
}

func TestBuildPlan_ZeroBalance(t *testing.T) {
	plan, err := BuildPlan(testAssets, 50, snapshot("0", "0"), testPrices(), defaultPlanCfg)
	require.NoError(t, err)

	assert.True(t, plan.Skip)
	assert.Equal(t, "zero balance", plan.SkipMessage)
}

func TestBuildPlan_SelectsSellerAndBuyer(t *testing.T) {
	// 2 ETH ($4000) and no stable, consensus 50/50: sell 1 ETH.
	plan, err := BuildPlan(testAssets, 50, snapshot("2000000000000000000", "0"), testPrices(), defaultPlanCfg)
	require.NoError(t, err)

	require.False(t, plan.Skip)
	assert.Equal(t, "eth", plan.Seller.Asset.ID)
	assert.Equal(t, "usdc", plan.Buyer.Asset.ID)
	assert.Equal(t, "1000000000000000000", plan.SellAmount.String())
}

func TestBuildPlan_TargetsSumExactly(t *testing.T) {
	// An odd consensus forces rounding; the remainder lands on the first
	// target so the sum still equals the total.
	plan, err := BuildPlan(testAssets, 33.3333, snapshot("1000000000000000000", "999999999"), testPrices(), defaultPlanCfg)
	require.NoError(t, err)

	sum := new(big.Int)
	for _, pos := range plan.Positions {
		sum.Add(sum, pos.TargetUsdRaw)
	}
	assert.Equal(t, 0, sum.Cmp(plan.TotalUsdRaw))
}

func TestBuildPlan_MinUsdDeltaFloor(t *testing.T) {
	// A tiny vault: 1% of total is under $5, so the $5 floor applies.
	plan, err := BuildPlan(testAssets, 50, snapshot("100000000000000", "200000"), testPrices(), defaultPlanCfg)
	require.NoError(t, err)

	assert.Equal(t, "500000000", plan.ToleranceRaw.String()) // $5 at 1e8
}

func TestBuildPlan_RoundedToZero(t *testing.T) {
	// An imbalance below one minor unit of the seller rounds to nothing.
	assets := []model.Asset{
		{ID: "eth", Kind: model.AssetKindNative, Symbol: "ETH", Decimals: 0, PriceFeedID: "ETH"},
		usdcAsset,
	}
	eth := big.NewInt(10) // 10 units of a 0-decimal native asset at $10000 each
	usdc := new(big.Int)
	snap := &model.TreasurySnapshot{
		Balances: []model.AssetBalance{
			{Asset: assets[0], MinorUnits: eth, Minor: eth.String()},
			{Asset: usdcAsset, MinorUnits: usdc, Minor: usdc.String()},
		},
	}
	prices := map[string]*model.PriceSnapshot{
		"eth":  price("eth", "ETH", "1000000000000"), // $10000
		"usdc": price("usdc", "USDC", "100000000"),
	}
	// Consensus 99.999: the USDC leg wants ~$1, under one ETH unit.
	plan, err := BuildPlan(assets, 99.999, snap, prices, Config{TolerancePercent: 0.000001, MinUsdDelta: 0.000001})
	require.NoError(t, err)

	assert.True(t, plan.Skip)
	assert.Equal(t, "rounded to zero", plan.SkipMessage)
}

func TestBuildPlan_MismatchedPriceDecimals(t *testing.T) {
	prices := testPrices()
	prices["usdc"].PriceDecimals = 6

	_, err := BuildPlan(testAssets, 50, snapshot("1000000000000000000", "2000000000"), prices, defaultPlanCfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatched price decimals")
}

func TestBuildPlan_MissingPrice(t *testing.T) {
	prices := testPrices()
	delete(prices, "usdc")

	_, err := BuildPlan(testAssets, 50, snapshot("1000000000000000000", "2000000000"), prices, defaultPlanCfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing price")
}

func TestBuildPlan_ClampsConsensus(t *testing.T) {
	plan, err := BuildPlan(testAssets, 250, snapshot("1000000000000000000", "2000000000"), testPrices(), defaultPlanCfg)
	require.NoError(t, err)

	// Clamped to 100: everything targets ETH, USDC is the seller.
	require.False(t, plan.Skip)
	assert.Equal(t, "usdc", plan.Seller.Asset.ID)
	assert.Equal(t, "eth", plan.Buyer.Asset.ID)
}

func TestPlan_Totals(t *testing.T) {
	plan, err := BuildPlan(testAssets, 50, snapshot("1000000000000000000", "2000000000"), testPrices(), defaultPlanCfg)
	require.NoError(t, err)

	totals := plan.Totals()
	require.Len(t, totals, 2)
	assert.Equal(t, "eth", totals[0].AssetID)
	assert.InDelta(t, 50.0, totals[0].CurrentPercent, 0.01)
	assert.InDelta(t, 50.0, totals[0].TargetPercent, 0.01)
}

package settlement

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/compusophy/GroupWallet/internal/domain/model"
)

// ComputePlan derives the pro-rata transfer plan for a claimant holding
// claimantMinor of totalMinor deposits. Per asset the amount is
// balance · claimant / total in exact integer division, so the claimant
// never loses more than one minor unit of dust per asset.
func ComputePlan(snapshot *model.TreasurySnapshot, claimantMinor, totalMinor *big.Int) []model.AssetTransferPlan {
	plan := make([]model.AssetTransferPlan, 0, len(snapshot.Balances))
	if totalMinor.Sign() == 0 {
		return plan
	}
	for _, balance := range snapshot.Balances {
		amount := new(big.Int).Mul(balance.MinorUnits, claimantMinor)
		amount.Quo(amount, totalMinor)
		plan = append(plan, model.AssetTransferPlan{
			AssetID:         balance.Asset.ID,
			Symbol:          balance.Asset.Symbol,
			Kind:            balance.Asset.Kind,
			TokenAddress:    balance.Asset.TokenAddress,
			Decimals:        balance.Asset.Decimals,
			AmountMinor:     amount.String(),
			AmountFormatted: formatMinor(amount, balance.Asset.Decimals),
		})
	}
	return plan
}

// Share returns claimant/total as a float for display. Balances and
// transfer amounts never pass through this value.
func Share(claimantMinor, totalMinor *big.Int) float64 {
	if totalMinor.Sign() == 0 {
		return 0
	}
	share, _ := new(big.Float).Quo(
		new(big.Float).SetInt(claimantMinor),
		new(big.Float).SetInt(totalMinor),
	).Float64()
	return share
}

func formatMinor(amount *big.Int, decimals int) string {
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// Package rebalance converges vault holdings toward the deposit-weighted
// consensus allocation: a pure integer planner plus an executor that quotes,
// refines and submits at most one swap per job.
package rebalance

import (
	"fmt"
	"math"
	"math/big"

	"github.com/compusophy/GroupWallet/internal/domain/model"
)

// percentScale is the fixed-point scale for target percentages.
var percentScale = big.NewInt(10_000)

var hundred = big.NewInt(100)

// Position is one asset's integer USD state within a plan.
type Position struct {
	Asset         model.Asset
	Balance       *big.Int
	PriceRaw      *big.Int
	CurrentUsdRaw *big.Int
	TargetUsdRaw  *big.Int
	TargetPct     float64
	Delta         *big.Int // current − target
}

// Plan is the planner's decision for one rebalance iteration.
type Plan struct {
	Positions      []Position
	TotalUsdRaw    *big.Int
	ToleranceRaw   *big.Int
	Seller         *Position
	Buyer          *Position
	SellAmount     *big.Int
	Skip           bool
	SkipMessage    string
}

// Config carries the planner's tolerance knobs.
type Config struct {
	TolerancePercent float64 // of total vault USD value
	MinUsdDelta      float64 // dollars, lower bound on the tolerance band
}

// BuildPlan computes targets, deltas and the initial sell amount from a
// treasury snapshot and a common-scale price set. All arithmetic is integer;
// floats appear only in the published percentages.
func BuildPlan(assets []model.Asset, ethPercent float64, snapshot *model.TreasurySnapshot, prices map[string]*model.PriceSnapshot, cfg Config) (*Plan, error) {
	if ethPercent < 0 {
		ethPercent = 0
	}
	if ethPercent > 100 {
		ethPercent = 100
	}

	scale := -1
	for _, asset := range assets {
		price, ok := prices[asset.ID]
		if !ok {
			return nil, fmt.Errorf("missing price for asset %s", asset.ID)
		}
		if scale == -1 {
			scale = price.PriceDecimals
		} else if price.PriceDecimals != scale {
			return nil, fmt.Errorf("mismatched price decimals: %s has %d, want %d",
				asset.ID, price.PriceDecimals, scale)
		}
	}

	targets := targetPercents(assets, ethPercent)

	plan := &Plan{TotalUsdRaw: new(big.Int)}
	for _, asset := range assets {
		price := prices[asset.ID]
		priceRaw, ok := new(big.Int).SetString(price.PriceRaw, 10)
		if !ok {
			return nil, fmt.Errorf("invalid priceRaw %q for asset %s", price.PriceRaw, asset.ID)
		}
		balance := snapshot.Balance(asset.ID)

		currentUsd := new(big.Int).Mul(balance, priceRaw)
		currentUsd.Quo(currentUsd, asset.Unit())

		plan.Positions = append(plan.Positions, Position{
			Asset:         asset,
			Balance:       balance,
			PriceRaw:      priceRaw,
			CurrentUsdRaw: currentUsd,
			TargetPct:     targets[asset.ID],
		})
		plan.TotalUsdRaw.Add(plan.TotalUsdRaw, currentUsd)
	}

	if plan.TotalUsdRaw.Sign() == 0 {
		plan.Skip = true
		plan.SkipMessage = "zero balance"
		return plan, nil
	}

	// targetUsdRaw_i = total * round(pct_i * 1e4) / (100 * 1e4); the
	// rounding remainder goes to the first target so the sum is exact.
	denominator := new(big.Int).Mul(hundred, percentScale)
	assigned := new(big.Int)
	for i := range plan.Positions {
		pctScaled := big.NewInt(int64(math.Round(plan.Positions[i].TargetPct * 10_000)))
		target := new(big.Int).Mul(plan.TotalUsdRaw, pctScaled)
		target.Quo(target, denominator)
		plan.Positions[i].TargetUsdRaw = target
		assigned.Add(assigned, target)
	}
	remainder := new(big.Int).Sub(plan.TotalUsdRaw, assigned)
	plan.Positions[0].TargetUsdRaw.Add(plan.Positions[0].TargetUsdRaw, remainder)

	plan.ToleranceRaw = tolerance(plan.TotalUsdRaw, cfg, scale)

	for i := range plan.Positions {
		p := &plan.Positions[i]
		p.Delta = new(big.Int).Sub(p.CurrentUsdRaw, p.TargetUsdRaw)
		if plan.Seller == nil && p.Delta.Cmp(plan.ToleranceRaw) > 0 {
			plan.Seller = p
		}
		if plan.Buyer == nil && p.Delta.Cmp(new(big.Int).Neg(plan.ToleranceRaw)) < 0 {
			plan.Buyer = p
		}
	}

	if plan.Seller == nil || plan.Buyer == nil {
		plan.Skip = true
		plan.SkipMessage = "within tolerance"
		return plan, nil
	}

	// Swap the smaller of the two imbalances.
	usdToSwap := new(big.Int).Set(plan.Seller.Delta)
	buyerNeed := new(big.Int).Neg(plan.Buyer.Delta)
	if buyerNeed.Cmp(usdToSwap) < 0 {
		usdToSwap.Set(buyerNeed)
	}

	plan.SellAmount = usdToMinor(usdToSwap, plan.Seller)
	if plan.SellAmount.Sign() == 0 {
		plan.Skip = true
		plan.SkipMessage = "rounded to zero"
		return plan, nil
	}

	return plan, nil
}

// targetPercents distributes the consensus percentage: the native asset gets
// ethPercent, the first token asset (the stablecoin leg) gets the rest, and
// any further assets get zero.
func targetPercents(assets []model.Asset, ethPercent float64) map[string]float64 {
	targets := make(map[string]float64, len(assets))
	stableAssigned := false
	for _, asset := range assets {
		switch {
		case asset.IsNative():
			targets[asset.ID] = ethPercent
		case !stableAssigned:
			targets[asset.ID] = 100 - ethPercent
			stableAssigned = true
		default:
			targets[asset.ID] = 0
		}
	}
	return targets
}

// tolerance returns max(total · tolerancePct / 100, minUsdDelta) in raw USD
// units at the shared price scale.
func tolerance(totalUsdRaw *big.Int, cfg Config, priceDecimals int) *big.Int {
	pctScaled := big.NewInt(int64(math.Round(cfg.TolerancePercent * 100)))
	band := new(big.Int).Mul(totalUsdRaw, pctScaled)
	band.Quo(band, big.NewInt(10_000))

	minRaw := big.NewInt(int64(math.Round(cfg.MinUsdDelta * 100)))
	minRaw.Mul(minRaw, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(priceDecimals-2)), nil))

	if band.Cmp(minRaw) < 0 {
		return minRaw
	}
	return band
}

// usdToMinor converts a raw USD amount into the position's minor units.
func usdToMinor(usdRaw *big.Int, p *Position) *big.Int {
	minor := new(big.Int).Mul(usdRaw, p.Asset.Unit())
	return minor.Quo(minor, p.PriceRaw)
}

// minorToUsd converts minor units into raw USD at the position's price.
func minorToUsd(minor *big.Int, p *Position) *big.Int {
	usd := new(big.Int).Mul(minor, p.PriceRaw)
	return usd.Quo(usd, p.Asset.Unit())
}

// Totals summarizes the plan's positions for outcome recording.
func (p *Plan) Totals() []model.AssetTotal {
	totals := make([]model.AssetTotal, 0, len(p.Positions))
	for _, pos := range p.Positions {
		t := model.AssetTotal{
			AssetID:       pos.Asset.ID,
			Symbol:        pos.Asset.Symbol,
			BalanceMinor:  pos.Balance.String(),
			CurrentUsdRaw: pos.CurrentUsdRaw.String(),
			TargetPercent: pos.TargetPct,
		}
		if pos.TargetUsdRaw != nil {
			t.TargetUsdRaw = pos.TargetUsdRaw.String()
		}
		if p.TotalUsdRaw.Sign() > 0 {
			current, _ := new(big.Float).Quo(
				new(big.Float).SetInt(pos.CurrentUsdRaw),
				new(big.Float).SetInt(p.TotalUsdRaw),
			).Float64()
			t.CurrentPercent = math.Round(current*100*100) / 100
		}
		totals = append(totals, t)
	}
	return totals
}

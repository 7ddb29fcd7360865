package rebalance

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/compusophy/GroupWallet/internal/chain"
	"github.com/compusophy/GroupWallet/internal/chain/evm"
	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/metrics"
	"github.com/compusophy/GroupWallet/internal/swap"
)

// maxIterations bounds the quote refinement loop. These are convergence
// iterations, not failure retries.
const maxIterations = 3

// defaultEthPercent applies when no vote has any weight.
const defaultEthPercent = 50.0

// Quoter is the aggregator capability.
type Quoter interface {
	GetQuote(ctx context.Context, req swap.Request) (*swap.Quote, error)
}

// SnapshotReader is the treasury capability.
type SnapshotReader interface {
	Snapshot(ctx context.Context) (*model.TreasurySnapshot, error)
}

// PriceReader is the pricing capability.
type PriceReader interface {
	GetPrices(ctx context.Context, assets []model.Asset) (map[string]*model.PriceSnapshot, error)
}

// VoteAggregator supplies the consensus allocation.
type VoteAggregator interface {
	GetAllocationVoteResults(ctx context.Context, proposalID string) (*model.VoteResults, error)
}

// Heartbeat refreshes the worker's TTLs; invoked around every
// long-latency step.
type Heartbeat func(ctx context.Context) error

// ExecutorConfig carries execution knobs.
type ExecutorConfig struct {
	Assets     []model.Asset
	ProposalID string
	Vault      string
	Execute    bool
	Plan       Config
}

// Executor runs one rebalance job end to end.
type Executor struct {
	cfg      ExecutorConfig
	client   chain.Client
	quoter   Quoter
	treasury SnapshotReader
	pricing  PriceReader
	votes    VoteAggregator
	outcomes *OutcomeStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewExecutor(
	cfg ExecutorConfig,
	client chain.Client,
	quoter Quoter,
	treasury SnapshotReader,
	pricing PriceReader,
	votes VoteAggregator,
	outcomes *OutcomeStore,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		client:   client,
		quoter:   quoter,
		treasury: treasury,
		pricing:  pricing,
		votes:    votes,
		outcomes: outcomes,
		logger:   logger.With("component", "rebalance"),
		now:      time.Now,
	}
}

// Run executes one rebalance job: aggregate consensus, snapshot the vault,
// plan, refine against live quotes and (in execute mode) submit at most one
// swap. The outcome is recorded in every path that produces one; an error
// return means nothing was written and the job should be failed.
func (e *Executor) Run(ctx context.Context, job *model.Job, payload model.RebalancePayload, heartbeat Heartbeat) (*model.RebalanceOutcome, error) {
	ethPercent := defaultEthPercent
	results, err := e.votes.GetAllocationVoteResults(ctx, e.cfg.ProposalID)
	if err != nil {
		return nil, fmt.Errorf("aggregate votes: %w", err)
	}
	if results.Totals.TotalWeight > 0 {
		ethPercent = results.Totals.WeightedEthPercent
	}

	if err := heartbeat(ctx); err != nil {
		return nil, err
	}
	snapshot, err := e.treasury.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read treasury: %w", err)
	}
	if err := heartbeat(ctx); err != nil {
		return nil, err
	}
	prices, err := e.pricing.GetPrices(ctx, e.cfg.Assets)
	if err != nil {
		return nil, fmt.Errorf("read prices: %w", err)
	}
	for _, asset := range e.cfg.Assets {
		if _, ok := prices[asset.ID]; !ok {
			return nil, fmt.Errorf("price unavailable for asset %s", asset.ID)
		}
	}

	plan, err := BuildPlan(e.cfg.Assets, ethPercent, snapshot, prices, e.cfg.Plan)
	if err != nil {
		return nil, err
	}

	if plan.Skip {
		outcome := e.record(ctx, job, payload, model.RebalanceModeSkipped, plan.Totals(), plan.SkipMessage, nil)
		return outcome, nil
	}

	e.logger.Info("rebalance planned",
		"eth_percent", ethPercent,
		"seller", plan.Seller.Asset.ID,
		"buyer", plan.Buyer.Asset.ID,
		"sell_amount_minor", plan.SellAmount.String(),
		"total_usd_raw", plan.TotalUsdRaw.String(),
	)

	quote, sellAmount, iterations, err := e.refine(ctx, plan, heartbeat)
	if err != nil {
		return nil, err
	}
	metrics.RebalanceQuoteIterations.Observe(float64(iterations))

	buyAmount, err := quote.BuyAmountInt()
	if err != nil {
		return nil, err
	}
	action := model.ActionResult{
		SellAssetID:     plan.Seller.Asset.ID,
		BuyAssetID:      plan.Buyer.Asset.ID,
		SellAmountMinor: sellAmount.String(),
		BuyAmountMinor:  buyAmount.String(),
		UsdRaw:          minorToUsd(sellAmount, plan.Seller).String(),
		QuoteSource:     quote.PrimarySource(),
		Iterations:      iterations,
	}

	if !e.cfg.Execute {
		outcome := e.record(ctx, job, payload, model.RebalanceModeDryRun, plan.Totals(), "execution disabled", []model.ActionResult{action})
		return outcome, nil
	}

	if err := e.submit(ctx, plan, quote, sellAmount, &action, heartbeat); err != nil {
		return nil, err
	}

	// Refresh post-swap state for the recorded totals.
	if err := heartbeat(ctx); err != nil {
		return nil, err
	}
	totals := plan.Totals()
	if post, err := e.treasury.Snapshot(ctx); err != nil {
		e.logger.Warn("post-swap snapshot failed", "error", err)
	} else if postPrices, err := e.pricing.GetPrices(ctx, e.cfg.Assets); err == nil {
		if postPlan, err := BuildPlan(e.cfg.Assets, ethPercent, post, postPrices, e.cfg.Plan); err == nil {
			totals = postPlan.Totals()
		}
	}

	outcome := e.record(ctx, job, payload, model.RebalanceModeExecuted, totals, "", []model.ActionResult{action})
	return outcome, nil
}

// refine iterates quotes until the projected post-swap deltas fall within
// tolerance, the sell amount caps at the seller's balance, or the iteration
// budget runs out. A final quote is always fetched for the accepted amount
// so the submitted calldata matches it.
func (e *Executor) refine(ctx context.Context, plan *Plan, heartbeat Heartbeat) (*swap.Quote, *big.Int, int, error) {
	sellAmount := new(big.Int).Set(plan.SellAmount)
	iterations := 0

	for {
		iterations++
		if err := heartbeat(ctx); err != nil {
			return nil, nil, iterations, err
		}
		quote, err := e.quoter.GetQuote(ctx, swap.Request{
			SellToken:  plan.Seller.Asset.QuoteAddress(),
			BuyToken:   plan.Buyer.Asset.QuoteAddress(),
			SellAmount: sellAmount,
			Taker:      e.cfg.Vault,
		})
		if err != nil {
			return nil, nil, iterations, fmt.Errorf("quote iteration %d: %w", iterations, err)
		}
		buyAmount, err := quote.BuyAmountInt()
		if err != nil {
			return nil, nil, iterations, err
		}

		projSeller := new(big.Int).Sub(plan.Seller.Balance, sellAmount)
		projBuyer := new(big.Int).Add(plan.Buyer.Balance, buyAmount)
		sellerDelta := new(big.Int).Sub(minorToUsd(projSeller, plan.Seller), plan.Seller.TargetUsdRaw)
		buyerDelta := new(big.Int).Sub(minorToUsd(projBuyer, plan.Buyer), plan.Buyer.TargetUsdRaw)

		withinTolerance := absCmp(sellerDelta, plan.ToleranceRaw) <= 0 && absCmp(buyerDelta, plan.ToleranceRaw) <= 0
		if withinTolerance || sellerDelta.Sign() <= 0 || iterations >= maxIterations {
			break
		}

		// Seller is still overweight: grow the sell amount by the average of
		// the two residual magnitudes, capped at the seller's balance.
		adjustmentUsd := new(big.Int).Sub(sellerDelta, buyerDelta)
		adjustmentUsd.Quo(adjustmentUsd, big.NewInt(2))
		sellAmount.Add(sellAmount, usdToMinor(adjustmentUsd, plan.Seller))
		if sellAmount.Cmp(plan.Seller.Balance) >= 0 {
			sellAmount.Set(plan.Seller.Balance)
			break
		}
	}

	final, err := e.quoter.GetQuote(ctx, swap.Request{
		SellToken:  plan.Seller.Asset.QuoteAddress(),
		BuyToken:   plan.Buyer.Asset.QuoteAddress(),
		SellAmount: sellAmount,
		Taker:      e.cfg.Vault,
	})
	if err != nil {
		return nil, nil, iterations, fmt.Errorf("final quote: %w", err)
	}
	return final, sellAmount, iterations, nil
}

// submit issues the allowance (token sells) and the swap transaction, then
// waits for the receipt.
func (e *Executor) submit(ctx context.Context, plan *Plan, quote *swap.Quote, sellAmount *big.Int, action *model.ActionResult, heartbeat Heartbeat) error {
	if !plan.Seller.Asset.IsNative() {
		if err := e.ensureAllowance(ctx, plan.Seller.Asset, quote, sellAmount, action, heartbeat); err != nil {
			return err
		}
	}

	data, err := hexutil.Decode(quote.Transaction.Data)
	if err != nil {
		return fmt.Errorf("decode quote calldata: %w", err)
	}

	// Selling the native asset requires value = sellAmount regardless of the
	// value the aggregator returned.
	value := new(big.Int)
	if plan.Seller.Asset.IsNative() {
		value.Set(sellAmount)
	} else if quote.Transaction.Value != "" {
		parsed, ok := new(big.Int).SetString(quote.Transaction.Value, 10)
		if !ok {
			return fmt.Errorf("invalid quote value %q", quote.Transaction.Value)
		}
		value = parsed
	}

	if err := heartbeat(ctx); err != nil {
		return err
	}
	txHash, err := e.client.SendTransaction(ctx, chain.TxRequest{
		To:    quote.Transaction.To,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return fmt.Errorf("submit swap: %w", err)
	}
	action.SwapTxHash = txHash

	if err := heartbeat(ctx); err != nil {
		return err
	}
	receipt, err := e.client.WaitForReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("confirm swap %s: %w", txHash, err)
	}
	if !receipt.Status {
		return fmt.Errorf("swap transaction %s reverted", txHash)
	}
	e.logger.Info("swap confirmed", "hash", txHash, "block", receipt.BlockNumber)
	return nil
}

func (e *Executor) ensureAllowance(ctx context.Context, asset model.Asset, quote *swap.Quote, sellAmount *big.Int, action *model.ActionResult, heartbeat Heartbeat) error {
	spender := quote.AllowanceSpender()
	if spender == "" {
		return nil
	}

	if err := heartbeat(ctx); err != nil {
		return err
	}
	if out, err := e.client.Call(ctx, asset.TokenAddress, evm.AllowanceCalldata(e.cfg.Vault, spender)); err == nil {
		if current, err := evm.DecodeUint256(out); err == nil && current.Cmp(sellAmount) >= 0 {
			return nil
		}
	}

	approveHash, err := e.client.SendTransaction(ctx, chain.TxRequest{
		To:   asset.TokenAddress,
		Data: evm.ApproveCalldata(spender, sellAmount),
	})
	if err != nil {
		return fmt.Errorf("submit approve: %w", err)
	}
	action.ApproveTxHash = approveHash

	if err := heartbeat(ctx); err != nil {
		return err
	}
	receipt, err := e.client.WaitForReceipt(ctx, approveHash)
	if err != nil {
		return fmt.Errorf("confirm approve %s: %w", approveHash, err)
	}
	if !receipt.Status {
		return fmt.Errorf("approve transaction %s reverted", approveHash)
	}
	return nil
}

func (e *Executor) record(ctx context.Context, job *model.Job, payload model.RebalancePayload, mode model.RebalanceMode, totals []model.AssetTotal, message string, actions []model.ActionResult) *model.RebalanceOutcome {
	outcome := &model.RebalanceOutcome{
		JobID:     job.ID,
		Reason:    payload.Reason,
		Mode:      mode,
		Timestamp: e.now().UnixMilli(),
		Totals:    totals,
		Message:   message,
		Actions:   actions,
	}
	metrics.RebalanceOutcomes.WithLabelValues(string(mode)).Inc()
	if err := e.outcomes.Record(ctx, outcome); err != nil {
		e.logger.Warn("record outcome failed", "job_id", job.ID, "error", err)
	}
	e.logger.Info("rebalance finished",
		"job_id", job.ID,
		"reason", payload.Reason,
		"mode", mode,
		"message", message,
	)
	return outcome
}

func absCmp(v, bound *big.Int) int {
	return new(big.Int).Abs(v).Cmp(bound)
}

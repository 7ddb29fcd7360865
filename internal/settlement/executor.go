package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/compusophy/GroupWallet/internal/chain"
	"github.com/compusophy/GroupWallet/internal/chain/evm"
	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/metrics"
	"github.com/compusophy/GroupWallet/internal/queue"
)

// Heartbeat refreshes the worker's TTLs around suspension points.
type Heartbeat func(ctx context.Context) error

// ExecutorConfig carries the execution knobs.
type ExecutorConfig struct {
	ProposalID string
	Execute    bool
}

// Executor runs one settlement job: one transfer per planned asset, then
// ledger zeroing, vote removal and a follow-up rebalance.
type Executor struct {
	cfg      ExecutorConfig
	client   chain.Client
	ledger   LedgerAPI
	votes    VoteRemover
	queue    Enqueuer
	statuses *StatusStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewExecutor(cfg ExecutorConfig, client chain.Client, ledger LedgerAPI, votes VoteRemover, q Enqueuer, statuses *StatusStore, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		client:   client,
		ledger:   ledger,
		votes:    votes,
		queue:    q,
		statuses: statuses,
		logger:   logger.With("component", "settlement"),
		now:      time.Now,
	}
}

// Run executes the settlement. The executing state is persisted before any
// transfer; executed only after every receipt confirmed. A transfer failure
// persists the failed state and returns a terminal error — the ledger stays
// untouched so the user can retry with a fresh claim.
func (e *Executor) Run(ctx context.Context, job *model.Job, payload model.SettlementPayload, heartbeat Heartbeat) (*model.SettlementStatus, error) {
	status, err := e.statuses.ByJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if status == nil {
		status = &model.SettlementStatus{
			JobID:     job.ID,
			RequestID: payload.RequestID,
			Address:   payload.Address,
			Share:     payload.Share,
			Plan:      payload.Plan,
			CreatedAt: e.now().UnixMilli(),
		}
	}

	if !e.cfg.Execute {
		e.setState(ctx, status, model.SettlementStateDryRun, "")
		if err := e.statuses.Archive(ctx, status); err != nil {
			e.logger.Warn("archive status failed", "job_id", job.ID, "error", err)
		}
		e.logger.Info("settlement dry-run", "address", payload.Address, "plan_items", len(payload.Plan))
		return status, nil
	}

	e.setState(ctx, status, model.SettlementStateExecuting, "")

	var hashes []string
	for _, item := range payload.Plan {
		amount, ok := new(big.Int).SetString(item.AmountMinor, 10)
		if !ok {
			err := fmt.Errorf("invalid payload: amount %q for asset %s", item.AmountMinor, item.AssetID)
			e.fail(ctx, status, err)
			return status, err
		}
		if amount.Sign() <= 0 {
			e.logger.Info("skipping zero-amount plan item", "asset", item.AssetID)
			continue
		}

		hash, err := e.transfer(ctx, payload.Address, item, amount, heartbeat)
		if err != nil {
			e.fail(ctx, status, err)
			return status, err
		}
		hashes = append(hashes, hash)
		metrics.SettlementTransfers.WithLabelValues(string(item.Kind)).Inc()
	}
	status.Transactions = hashes

	// Post-success writes run in a fixed order; a crash between them leaves
	// the depositor settled with a dangling zero-weight vote, which the
	// stale-vote sweeper removes.
	if err := e.ledger.MarkUserSettled(ctx, payload.Address); err != nil {
		e.fail(ctx, status, fmt.Errorf("mark settled: %w", err))
		return status, err
	}
	if err := e.votes.RemoveAllocationVote(ctx, e.cfg.ProposalID, payload.Address); err != nil {
		e.logger.Warn("remove vote failed", "address", payload.Address, "error", err)
	}
	if _, err := e.queue.Enqueue(ctx, model.JobTypeRebalance, model.RebalancePayload{
		Reason:  model.RebalanceReasonManual,
		Context: map[string]string{"triggeredBy": "settlement", "address": payload.Address},
	}, queue.EnqueueOptions{}); err != nil {
		e.logger.Warn("enqueue follow-up rebalance failed", "error", err)
	}

	e.setState(ctx, status, model.SettlementStateExecuted, "")
	if err := e.statuses.Archive(ctx, status); err != nil {
		e.logger.Warn("archive status failed", "job_id", job.ID, "error", err)
	}
	e.logger.Info("settlement executed",
		"address", payload.Address,
		"transfers", len(hashes),
	)
	return status, nil
}

func (e *Executor) transfer(ctx context.Context, claimant string, item model.AssetTransferPlan, amount *big.Int, heartbeat Heartbeat) (string, error) {
	if err := heartbeat(ctx); err != nil {
		return "", err
	}

	var req chain.TxRequest
	if item.Kind == model.AssetKindNative {
		req = chain.TxRequest{To: claimant, Value: amount}
	} else {
		req = chain.TxRequest{To: item.TokenAddress, Data: evm.TransferCalldata(claimant, amount)}
	}

	hash, err := e.client.SendTransaction(ctx, req)
	if err != nil {
		return "", fmt.Errorf("transfer %s: %w", item.AssetID, err)
	}

	if err := heartbeat(ctx); err != nil {
		return "", err
	}
	receipt, err := e.client.WaitForReceipt(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("confirm transfer %s (%s): %w", item.AssetID, hash, err)
	}
	if !receipt.Status {
		return "", fmt.Errorf("transfer %s (%s) reverted", item.AssetID, hash)
	}
	e.logger.Info("transfer confirmed", "asset", item.AssetID, "hash", hash, "amount_minor", amount.String())
	return hash, nil
}

func (e *Executor) setState(ctx context.Context, status *model.SettlementStatus, state model.SettlementState, errMsg string) {
	status.State = state
	status.Error = errMsg
	status.UpdatedAt = e.now().UnixMilli()
	metrics.SettlementOutcomes.WithLabelValues(string(state)).Inc()
	if err := e.statuses.Put(ctx, status); err != nil {
		e.logger.Error("persist settlement status failed", "job_id", status.JobID, "state", state, "error", err)
	}
}

func (e *Executor) fail(ctx context.Context, status *model.SettlementStatus, cause error) {
	e.logger.Error("settlement failed", "address", status.Address, "error", cause)
	e.setState(ctx, status, model.SettlementStateFailed, cause.Error())
	if err := e.statuses.Archive(ctx, status); err != nil {
		e.logger.Warn("archive status failed", "job_id", status.JobID, "error", err)
	}
}

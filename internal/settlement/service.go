package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/queue"
)

// ErrNothingToClaim is returned when the address has no outstanding deposit.
var ErrNothingToClaim = fmt.Errorf("nothing to claim")

// LedgerAPI is the ledger capability the settlement path consumes.
type LedgerAPI interface {
	GetUserStats(ctx context.Context, address string) (*model.UserStats, error)
	TotalDeposits(ctx context.Context) (*big.Int, error)
	MarkUserSettled(ctx context.Context, address string) error
}

// VoteRemover removes a depositor's allocation vote after settlement.
type VoteRemover interface {
	RemoveAllocationVote(ctx context.Context, proposalID, address string) error
}

// SnapshotReader is the treasury capability.
type SnapshotReader interface {
	Snapshot(ctx context.Context) (*model.TreasurySnapshot, error)
}

// Enqueuer is the queue capability.
type Enqueuer interface {
	Enqueue(ctx context.Context, typ model.JobType, payload any, opts queue.EnqueueOptions) (*model.Job, error)
	ClearDedupe(ctx context.Context, dedupeKey string) error
}

// ServiceConfig carries the request path's knobs.
type ServiceConfig struct {
	ProposalID string
	MaxAge     time.Duration // stale threshold for non-terminal statuses
}

// Service handles settlement claim requests: plan computation, dedup
// lifecycle and enqueueing.
type Service struct {
	cfg      ServiceConfig
	ledger   LedgerAPI
	treasury SnapshotReader
	queue    Enqueuer
	statuses *StatusStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(cfg ServiceConfig, ledger LedgerAPI, treasury SnapshotReader, q Enqueuer, statuses *StatusStore, logger *slog.Logger) *Service {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		ledger:   ledger,
		treasury: treasury,
		queue:    q,
		statuses: statuses,
		logger:   logger.With("component", "settlement"),
		now:      time.Now,
	}
}

func dedupeKey(address string) string {
	return "settlement:" + strings.ToLower(address)
}

// Request plans and enqueues a settlement for the address. The boolean
// reports whether a new job was queued; when false the returned status is
// the prior record that suppressed the request.
func (s *Service) Request(ctx context.Context, address string) (*model.SettlementStatus, bool, error) {
	address = strings.ToLower(address)

	stats, err := s.ledger.GetUserStats(ctx, address)
	if err != nil {
		return nil, false, err
	}
	claimant, ok := new(big.Int).SetString(stats.TotalValueMinorUnits, 10)
	if !ok || claimant.Sign() <= 0 {
		return nil, false, ErrNothingToClaim
	}

	existing, err := s.statuses.ByAddress(ctx, address)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if !existing.State.Terminal() {
			age := s.now().UnixMilli() - existing.UpdatedAt
			if age <= s.cfg.MaxAge.Milliseconds() {
				return existing, false, nil
			}
			// Stale queued/executing/failed record: clear it and accept the
			// new request.
			if err := s.statuses.Clear(ctx, existing); err != nil {
				return nil, false, err
			}
			if err := s.queue.ClearDedupe(ctx, dedupeKey(address)); err != nil {
				return nil, false, err
			}
		} else {
			// Terminal status with a positive ledger total means new
			// deposits arrived since; the old record no longer applies.
			if err := s.statuses.Clear(ctx, existing); err != nil {
				return nil, false, err
			}
			if err := s.queue.ClearDedupe(ctx, dedupeKey(address)); err != nil {
				return nil, false, err
			}
		}
	}

	total, err := s.ledger.TotalDeposits(ctx)
	if err != nil {
		return nil, false, err
	}
	snapshot, err := s.treasury.Snapshot(ctx)
	if err != nil {
		return nil, false, err
	}

	payload := model.SettlementPayload{
		Address:                 address,
		Share:                   Share(claimant, total),
		Plan:                    ComputePlan(snapshot, claimant, total),
		TotalDepositsMinorUnits: total.String(),
		ClaimantDepositMinor:    claimant.String(),
		RequestID:               uuid.NewString(),
		RequestedAt:             s.now().UnixMilli(),
	}

	job, err := s.queue.Enqueue(ctx, model.JobTypeSettlement, payload, queue.EnqueueOptions{
		DedupeKey: dedupeKey(address),
		DedupeTTL: s.cfg.MaxAge,
	})
	if err != nil {
		return nil, false, err
	}
	if job == nil {
		// Another writer owns the dedup key; report its status.
		prior, err := s.statuses.ByAddress(ctx, address)
		if err != nil {
			return nil, false, err
		}
		return prior, false, nil
	}

	now := s.now().UnixMilli()
	status := &model.SettlementStatus{
		JobID:     job.ID,
		RequestID: payload.RequestID,
		Address:   address,
		Share:     payload.Share,
		Plan:      payload.Plan,
		State:     model.SettlementStateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.statuses.Put(ctx, status); err != nil {
		return nil, false, err
	}

	s.logger.Info("settlement queued",
		"address", address,
		"job_id", job.ID,
		"share", payload.Share,
	)
	return status, true, nil
}

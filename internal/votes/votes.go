// Package votes stores per-proposal allocation votes and computes the
// deposit-weighted consensus. Weights are derived from the live ledger with
// a fixed 10^9 scale; floats appear only in the published results.
package votes

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/store/kv"
)

// weightScale is the fixed-point denominator for vote weights.
var weightScale = big.NewInt(1_000_000_000)

// LedgerReader is the ledger capability the aggregator consumes.
type LedgerReader interface {
	GetAllUserStats(ctx context.Context) ([]model.UserStats, error)
}

// Store reads and writes allocation votes.
type Store struct {
	store  kv.Store
	ledger LedgerReader
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(store kv.Store, ledger LedgerReader, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		store:  store,
		ledger: ledger,
		logger: logger.With("component", "votes"),
		now:    time.Now,
	}
}

func recordsKey(proposalID string) string {
	return fmt.Sprintf("allocvote:%s:records", proposalID)
}

func totalsKey(proposalID string) string {
	return fmt.Sprintf("allocvote:%s:totals", proposalID)
}

// RecordAllocationVote writes or replaces the vote for (proposal, address).
func (s *Store) RecordAllocationVote(ctx context.Context, proposalID string, vote model.AllocationVote) error {
	vote.ProposalID = proposalID
	vote.Address = strings.ToLower(vote.Address)
	vote.EthPercent = model.ClampPercent(vote.EthPercent)
	encoded, err := kv.EncodeValue(vote)
	if err != nil {
		return err
	}
	if err := s.store.HSet(ctx, recordsKey(proposalID), vote.Address, encoded); err != nil {
		return fmt.Errorf("record vote %s: %w", vote.Address, err)
	}
	return nil
}

// RemoveAllocationVote deletes an address's vote and refreshes the cached
// totals.
func (s *Store) RemoveAllocationVote(ctx context.Context, proposalID, address string) error {
	if err := s.store.HDel(ctx, recordsKey(proposalID), strings.ToLower(address)); err != nil {
		return fmt.Errorf("remove vote %s: %w", address, err)
	}
	if _, err := s.GetAllocationVoteResults(ctx, proposalID); err != nil {
		return fmt.Errorf("refresh totals after removal: %w", err)
	}
	return nil
}

// ResetProposal clears every vote and the cached totals.
func (s *Store) ResetProposal(ctx context.Context, proposalID string) error {
	return s.store.Del(ctx, recordsKey(proposalID), totalsKey(proposalID))
}

// GetAllocationVoteResults recomputes the deposit-weighted aggregation from
// the live ledger and persists the refreshed votes and totals. Safe to call
// concurrently; the final write is last-writer-wins and callers use the
// return value, not a subsequent read.
func (s *Store) GetAllocationVoteResults(ctx context.Context, proposalID string) (*model.VoteResults, error) {
	records, err := s.store.HGetAll(ctx, recordsKey(proposalID))
	if err != nil {
		return nil, fmt.Errorf("load votes: %w", err)
	}

	stats, err := s.ledger.GetAllUserStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	deposits := make(map[string]*big.Int, len(stats))
	totalDeposits := new(big.Int)
	for _, st := range stats {
		v, ok := new(big.Int).SetString(st.TotalValueMinorUnits, 10)
		if !ok {
			continue
		}
		deposits[strings.ToLower(st.Address)] = v
		totalDeposits.Add(totalDeposits, v)
	}

	type scored struct {
		vote   model.AllocationVote
		scaled *big.Int // weight * 10^9, truncated
	}

	votes := make([]scored, 0, len(records))
	sumWeighted := new(big.Int) // Σ scaledWeight_i * pct_i
	totalScaled := new(big.Int) // Σ scaledWeight_i
	voters := 0

	for address, raw := range records {
		var vote model.AllocationVote
		if err := kv.DecodeValue(raw, &vote); err != nil {
			s.logger.Warn("dropping unparsable vote", "address", address)
			continue
		}
		vote.Address = strings.ToLower(address)
		vote.EthPercent = model.ClampPercent(vote.EthPercent)

		deposit, ok := deposits[vote.Address]
		if !ok {
			// Ledger lookup failed; fall back to the vote's stored value.
			deposit, _ = new(big.Int).SetString(vote.DepositMinorUnits, 10)
			if deposit == nil {
				deposit = new(big.Int)
			}
		}
		vote.DepositMinorUnits = deposit.String()

		scaledWeight := new(big.Int)
		if totalDeposits.Sign() > 0 && deposit.Sign() > 0 {
			scaledWeight.Mul(deposit, weightScale)
			scaledWeight.Quo(scaledWeight, totalDeposits)
		}
		if scaledWeight.Sign() > 0 {
			voters++
		}

		sumWeighted.Add(sumWeighted, new(big.Int).Mul(scaledWeight, big.NewInt(int64(vote.EthPercent))))
		totalScaled.Add(totalScaled, scaledWeight)
		votes = append(votes, scored{vote: vote, scaled: scaledWeight})
	}

	weightedPct := 0.0
	if totalScaled.Sign() > 0 {
		num, _ := new(big.Float).SetInt(sumWeighted).Float64()
		den, _ := new(big.Float).SetInt(totalScaled).Float64()
		weightedPct = num / den
	}
	if weightedPct < 0 {
		weightedPct = 0
	}
	if weightedPct > 100 {
		weightedPct = 100
	}
	weightedPct = math.Round(weightedPct*10_000) / 10_000

	// Rounding drift can push the raw weight sum past 1. Clamp by scaling
	// every weight by the same factor so proportions are preserved.
	scaleNum := new(big.Int).Set(weightScale)
	scaleDen := new(big.Int).Set(weightScale)
	if totalScaled.Cmp(weightScale) > 0 {
		scaleDen = totalScaled
	}

	results := &model.VoteResults{
		Totals: model.VoteTotals{
			ProposalID:         proposalID,
			WeightedEthPercent: weightedPct,
			TotalVoters:        voters,
		},
		Votes: make([]model.AllocationVote, 0, len(votes)),
	}

	clampedTotal := new(big.Int)
	for _, sv := range votes {
		adjusted := new(big.Int).Mul(sv.scaled, scaleNum)
		adjusted.Quo(adjusted, scaleDen)
		clampedTotal.Add(clampedTotal, adjusted)

		weight, _ := new(big.Float).Quo(
			new(big.Float).SetInt(adjusted),
			new(big.Float).SetInt(weightScale),
		).Float64()
		sv.vote.Weight = weight
		results.Votes = append(results.Votes, sv.vote)

		encoded, err := kv.EncodeValue(sv.vote)
		if err == nil {
			if err := s.store.HSet(ctx, recordsKey(proposalID), sv.vote.Address, encoded); err != nil {
				s.logger.Warn("persist refreshed vote failed", "address", sv.vote.Address, "error", err)
			}
		}
	}

	totalWeight, _ := new(big.Float).Quo(
		new(big.Float).SetInt(clampedTotal),
		new(big.Float).SetInt(weightScale),
	).Float64()
	if totalWeight > 1 {
		totalWeight = 1
	}
	results.Totals.TotalWeight = totalWeight

	s.persistTotals(ctx, proposalID, results.Totals)
	return results, nil
}

// SweepStaleVotes removes votes whose address no longer holds a deposit
// (post-settlement) or is missing from the ledger.
func (s *Store) SweepStaleVotes(ctx context.Context, proposalID string) (int, error) {
	records, err := s.store.HGetAll(ctx, recordsKey(proposalID))
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	stats, err := s.ledger.GetAllUserStats(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]bool, len(stats))
	for _, st := range stats {
		v, ok := new(big.Int).SetString(st.TotalValueMinorUnits, 10)
		if ok && v.Sign() > 0 {
			live[strings.ToLower(st.Address)] = true
		}
	}

	removed := 0
	for address := range records {
		if !live[strings.ToLower(address)] {
			if err := s.store.HDel(ctx, recordsKey(proposalID), address); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("swept stale votes", "proposal", proposalID, "removed", removed)
		if _, err := s.GetAllocationVoteResults(ctx, proposalID); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *Store) persistTotals(ctx context.Context, proposalID string, totals model.VoteTotals) {
	key := totalsKey(proposalID)
	fields := map[string]string{
		"weightedEthPercent": strconv.FormatFloat(totals.WeightedEthPercent, 'f', -1, 64),
		"totalWeight":        strconv.FormatFloat(totals.TotalWeight, 'f', -1, 64),
		"totalVoters":        strconv.Itoa(totals.TotalVoters),
	}
	for field, value := range fields {
		if err := s.store.HSet(ctx, key, field, value); err != nil {
			s.logger.Warn("persist totals failed", "proposal", proposalID, "error", err)
			return
		}
	}
}

// GetCachedTotals reads the last persisted aggregation without recomputing.
func (s *Store) GetCachedTotals(ctx context.Context, proposalID string) (*model.VoteTotals, error) {
	fields, err := s.store.HGetAll(ctx, totalsKey(proposalID))
	if err != nil {
		return nil, err
	}
	totals := &model.VoteTotals{ProposalID: proposalID}
	if v, ok := fields["weightedEthPercent"]; ok {
		totals.WeightedEthPercent, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields["totalWeight"]; ok {
		totals.TotalWeight, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields["totalVoters"]; ok {
		totals.TotalVoters, _ = strconv.Atoi(v)
	}
	return totals, nil
}

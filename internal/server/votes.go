package server

import (
	"math/big"
	"net/http"
	"strings"

	"github.com/compusophy/GroupWallet/internal/auth"
	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/lock"
	"github.com/compusophy/GroupWallet/internal/queue"
)

type voteRequest struct {
	Address    string `json:"address"`
	EthPercent int    `json:"ethPercent"`
	Signature  string `json:"signature"`
	Timestamp  int64  `json:"timestamp"`
}

// handleSubmitVote verifies the signed allocation vote, records it,
// re-aggregates and enqueues a rebalance.
func (s *Server) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if !validAddress(req.Address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	address := strings.ToLower(req.Address)

	if err := auth.CheckFreshness(req.Timestamp, s.now()); err != nil {
		writeError(w, http.StatusUnauthorized, "signature expired")
		return
	}
	message := auth.VoteMessage(req.EthPercent, req.Timestamp)
	if err := auth.Verify(message, req.Signature, address); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	handle, err := s.locks.Acquire(r.Context(), lock.OpVote, address, lock.RequestTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !handle.Acquired() {
		writeError(w, http.StatusTooManyRequests, "vote already in progress")
		return
	}
	defer handle.Release(r.Context())

	stats, err := s.ledger.GetUserStats(r.Context(), address)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	deposit, ok := new(big.Int).SetString(stats.TotalValueMinorUnits, 10)
	if !ok || deposit.Sign() <= 0 {
		writeError(w, http.StatusForbidden, "no deposit on record")
		return
	}

	vote := model.AllocationVote{
		Address:           address,
		EthPercent:        model.ClampPercent(req.EthPercent),
		DepositMinorUnits: deposit.String(),
		Timestamp:         req.Timestamp,
	}
	if err := s.votes.RecordAllocationVote(r.Context(), s.cfg.ProposalID, vote); err != nil {
		s.logger.Error("record vote failed", "address", address, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	results, err := s.votes.GetAllocationVoteResults(r.Context(), s.cfg.ProposalID)
	if err != nil {
		s.logger.Error("aggregate votes failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if _, err := s.queue.Enqueue(r.Context(), model.JobTypeRebalance, model.RebalancePayload{
		Reason:  model.RebalanceReasonVote,
		Context: map[string]string{"address": address},
	}, queue.EnqueueOptions{}); err != nil {
		s.logger.Warn("enqueue rebalance after vote failed", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": true,
		"totals":   results.Totals,
	})
}

// handleGetVotes returns the cached aggregation without recomputing.
func (s *Server) handleGetVotes(w http.ResponseWriter, r *http.Request) {
	totals, err := s.votes.GetCachedTotals(r.Context(), s.cfg.ProposalID)
	if err != nil {
		s.logger.Error("read totals failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

package server

import (
	"errors"
	"math/big"
	"net/http"
	"regexp"
	"strings"

	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/ledger"
	"github.com/compusophy/GroupWallet/internal/lock"
	"github.com/compusophy/GroupWallet/internal/queue"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

type depositWebhookRequest struct {
	Hash string `json:"hash"`
}

// handleDepositWebhook validates the referenced on-chain transaction and
// records it: mined with a success receipt, enough confirmations, recipient
// is the vault, and (when configured) the exact required value.
func (s *Server) handleDepositWebhook(w http.ResponseWriter, r *http.Request) {
	var req depositWebhookRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if !txHashPattern.MatchString(req.Hash) {
		writeError(w, http.StatusBadRequest, "invalid transaction hash")
		return
	}
	hash := strings.ToLower(req.Hash)

	handle, err := s.locks.Acquire(r.Context(), lock.OpTransaction, hash, lock.RequestTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !handle.Acquired() {
		writeError(w, http.StatusTooManyRequests, "transaction already in progress")
		return
	}
	defer handle.Release(r.Context())

	tx, err := s.chain.TransactionByHash(r.Context(), hash)
	if err != nil {
		s.logger.Error("deposit tx lookup failed", "hash", hash, "error", err)
		writeError(w, http.StatusBadGateway, "transaction lookup failed")
		return
	}
	if tx == nil || tx.BlockNumber == nil {
		writeError(w, http.StatusBadRequest, "transaction not found or not mined")
		return
	}
	if !strings.EqualFold(tx.To, s.cfg.VaultAddress) {
		writeError(w, http.StatusBadRequest, "recipient is not the vault")
		return
	}
	if tx.Value == nil || tx.Value.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "transaction carries no value")
		return
	}
	if s.cfg.RequiredAmountWei != "" {
		required, ok := new(big.Int).SetString(s.cfg.RequiredAmountWei, 10)
		if ok && tx.Value.Cmp(required) != 0 {
			writeError(w, http.StatusBadRequest, "transaction value does not match required deposit")
			return
		}
	}

	receipt, err := s.chain.TransactionReceipt(r.Context(), hash)
	if err != nil {
		s.logger.Error("deposit receipt lookup failed", "hash", hash, "error", err)
		writeError(w, http.StatusBadGateway, "receipt lookup failed")
		return
	}
	if receipt == nil || !receipt.Status {
		writeError(w, http.StatusBadRequest, "transaction did not succeed")
		return
	}

	head, err := s.chain.BlockNumber(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "block number lookup failed")
		return
	}
	confirmations := head - *tx.BlockNumber + 1
	if confirmations < s.cfg.RequiredConfirmations {
		writeError(w, http.StatusBadRequest, "not enough confirmations")
		return
	}

	record := model.DepositRecord{
		Hash:            hash,
		From:            tx.From,
		To:              tx.To,
		ValueMinorUnits: tx.Value.String(),
		BlockNumber:     *tx.BlockNumber,
		BlockHash:       tx.BlockHash,
		Timestamp:       s.now().UnixMilli(),
		ChainID:         s.chain.ChainID(),
		Confirmations:   confirmations,
	}
	if err := s.ledger.RecordDeposit(r.Context(), record); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			writeJSON(w, http.StatusOK, map[string]any{"recorded": false, "hash": hash})
			return
		}
		s.logger.Error("record deposit failed", "hash", hash, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if _, err := s.queue.Enqueue(r.Context(), model.JobTypeRebalance, model.RebalancePayload{
		Reason:  model.RebalanceReasonDeposit,
		Context: map[string]string{"hash": hash},
	}, queue.EnqueueOptions{}); err != nil {
		s.logger.Warn("enqueue rebalance after deposit failed", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"recorded": true, "hash": hash})
}

// handleListDeposits returns a depositor's stats and recent transactions.
func (s *Server) handleListDeposits(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if !validAddress(address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	stats, err := s.ledger.GetUserStats(r.Context(), address)
	if err != nil {
		s.logger.Error("stats lookup failed", "address", address, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	transactions, err := s.ledger.ListUserTransactions(r.Context(), address, 20)
	if err != nil {
		s.logger.Error("transaction list failed", "address", address, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats":        stats,
		"transactions": transactions,
	})
}

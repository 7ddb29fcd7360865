package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/compusophy/GroupWallet/internal/auth"
	"github.com/compusophy/GroupWallet/internal/lock"
	"github.com/compusophy/GroupWallet/internal/settlement"
)

type claimRequest struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
	Sync      bool   `json:"sync,omitempty"`
}

// handleClaim verifies the signed claim, plans the settlement and enqueues
// it; with sync set, the queued job is executed within the request, still
// under the consumer gate.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
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
	message := auth.ClaimMessage(address, req.Timestamp)
	if err := auth.Verify(message, req.Signature, address); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	handle, err := s.locks.Acquire(r.Context(), lock.OpSettlement, address, lock.RequestTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !handle.Acquired() {
		writeError(w, http.StatusTooManyRequests, "settlement already in progress")
		return
	}
	defer handle.Release(r.Context())

	status, queued, err := s.settlement.Request(r.Context(), address)
	if err != nil {
		if errors.Is(err, settlement.ErrNothingToClaim) {
			writeError(w, http.StatusBadRequest, "nothing to claim")
			return
		}
		s.logger.Error("settlement request failed", "address", address, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if queued && req.Sync {
		processed, err := s.processor.ProcessJobByID(r.Context(), status.JobID, s.cfg.SyncClaimMaxSkip)
		if err != nil {
			s.logger.Warn("synchronous settlement failed", "job_id", status.JobID, "error", err)
		}
		if processed {
			if refreshed, err := s.statuses.ByAddress(r.Context(), address); err == nil && refreshed != nil {
				status = refreshed
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queued": queued,
		"status": status,
	})
}

// handleGetClaim returns the canonical settlement status for an address.
func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if !validAddress(address) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	status, err := s.statuses.ByAddress(r.Context(), address)
	if err != nil {
		s.logger.Error("status lookup failed", "address", address, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if status == nil {
		writeError(w, http.StatusNotFound, "no settlement on record")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

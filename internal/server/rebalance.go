package server

import (
	"net/http"

	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/queue"
)

type rebalanceTriggerRequest struct {
	Manual bool `json:"manual"`
}

// handleTriggerRebalance enqueues a manual rebalance and attempts to run it
// immediately within the request.
func (s *Server) handleTriggerRebalance(w http.ResponseWriter, r *http.Request) {
	var req rebalanceTriggerRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if !req.Manual {
		writeError(w, http.StatusBadRequest, "manual must be true")
		return
	}

	job, err := s.queue.Enqueue(r.Context(), model.JobTypeRebalance, model.RebalancePayload{
		Reason: model.RebalanceReasonManual,
	}, queue.EnqueueOptions{})
	if err != nil {
		s.logger.Error("enqueue manual rebalance failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	processed, err := s.processor.ProcessJobByID(r.Context(), job.ID, s.cfg.SyncClaimMaxSkip)
	if err != nil {
		s.logger.Warn("immediate rebalance failed", "job_id", job.ID, "error", err)
	}

	resp := map[string]any{
		"jobId":     job.ID,
		"processed": processed,
	}
	if processed {
		if last, err := s.outcomes.Last(r.Context()); err == nil && last != nil {
			resp["outcome"] = last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetRebalance returns the last outcome and the bounded history.
func (s *Server) handleGetRebalance(w http.ResponseWriter, r *http.Request) {
	last, err := s.outcomes.Last(r.Context())
	if err != nil {
		s.logger.Error("read last outcome failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	history, err := s.outcomes.History(r.Context(), 0)
	if err != nil {
		s.logger.Error("read outcome history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"last":    last,
		"history": history,
	})
}

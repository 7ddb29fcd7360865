package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/compusophy/GroupWallet/internal/domain/model"
)

// statusPollInterval is the SSE transition poll cadence.
const statusPollInterval = 200 * time.Millisecond

// handleStatus reports queue depth and processing state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	size, err := s.queue.Size(r.Context())
	if err != nil {
		s.logger.Error("queue size failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	rebalancing, err := s.queue.IsProcessing(r.Context(), model.JobTypeRebalance)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	settling, err := s.queue.IsProcessing(r.Context(), model.JobTypeSettlement)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queueSize":             size,
		"processing":            s.processor.IsProcessing(),
		"isRebalanceProcessing": rebalancing,
		"isSettlementProcessing": settling,
	})
}

// handleStatusStream pushes processing transitions as server-sent events,
// polling the in-process counter so the KV store is not hit per tick.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	emit := func(processing bool) {
		fmt.Fprintf(w, "event: processing\ndata: {\"processing\":%t}\n\n", processing)
		flusher.Flush()
	}

	last := s.processor.IsProcessing()
	emit(last)

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			current := s.processor.IsProcessing()
			if current != last {
				last = current
				emit(current)
			}
		}
	}
}

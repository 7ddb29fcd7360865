// Package server exposes the treasury HTTP surface: deposit webhook, vote,
// claim, rebalance trigger, quote passthrough and the status stream.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/compusophy/GroupWallet/internal/chain"
	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/metrics"
	"github.com/compusophy/GroupWallet/internal/lock"
	"github.com/compusophy/GroupWallet/internal/queue"
	"github.com/compusophy/GroupWallet/internal/rebalance"
	"github.com/compusophy/GroupWallet/internal/settlement"
	"github.com/compusophy/GroupWallet/internal/swap"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// LedgerAPI is the ledger surface the handlers consume.
type LedgerAPI interface {
	RecordDeposit(ctx context.Context, tx model.DepositRecord) error
	GetUserStats(ctx context.Context, address string) (*model.UserStats, error)
	ListUserTransactions(ctx context.Context, address string, limit int64) ([]model.DepositRecord, error)
}

// VoteAPI is the vote surface the handlers consume.
type VoteAPI interface {
	RecordAllocationVote(ctx context.Context, proposalID string, vote model.AllocationVote) error
	GetAllocationVoteResults(ctx context.Context, proposalID string) (*model.VoteResults, error)
	GetCachedTotals(ctx context.Context, proposalID string) (*model.VoteTotals, error)
}

// ChainReader validates deposit transactions.
type ChainReader interface {
	ChainID() int64
	BlockNumber(ctx context.Context) (int64, error)
	TransactionByHash(ctx context.Context, hash string) (*chain.Transaction, error)
	TransactionReceipt(ctx context.Context, hash string) (*chain.Receipt, error)
}

// ClaimProcessor executes a queued job synchronously under the gate.
type ClaimProcessor interface {
	ProcessJobByID(ctx context.Context, jobID string, maxSkip int) (bool, error)
	IsProcessing() bool
}

// Quoter proxies aggregator quotes for the UI.
type Quoter interface {
	GetQuote(ctx context.Context, req swap.Request) (*swap.Quote, error)
}

// Config carries the server's validation knobs.
type Config struct {
	ProposalID            string
	VaultAddress          string
	RequiredAmountWei     string
	RequiredConfirmations int64
	SyncClaimMaxSkip      int
}

// Server is the HTTP adapter over the treasury core.
type Server struct {
	cfg        Config
	ledger     LedgerAPI
	votes      VoteAPI
	chain      ChainReader
	queue      *queue.Queue
	locks      *lock.Registry
	settlement *settlement.Service
	statuses   *settlement.StatusStore
	outcomes   *rebalance.OutcomeStore
	processor  ClaimProcessor
	quoter     Quoter
	logger     *slog.Logger
	now        func() time.Time
}

func New(
	cfg Config,
	ledger LedgerAPI,
	votes VoteAPI,
	chainReader ChainReader,
	q *queue.Queue,
	locks *lock.Registry,
	settlementSvc *settlement.Service,
	statuses *settlement.StatusStore,
	outcomes *rebalance.OutcomeStore,
	processor ClaimProcessor,
	quoter Quoter,
	logger *slog.Logger,
) *Server {
	if cfg.SyncClaimMaxSkip <= 0 {
		cfg.SyncClaimMaxSkip = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		ledger:     ledger,
		votes:      votes,
		chain:      chainReader,
		queue:      q,
		locks:      locks,
		settlement: settlementSvc,
		statuses:   statuses,
		outcomes:   outcomes,
		processor:  processor,
		quoter:     quoter,
		logger:     logger.With("component", "server"),
		now:        time.Now,
	}
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/deposits", s.handleDepositWebhook)
	mux.HandleFunc("GET /api/v1/deposits", s.handleListDeposits)
	mux.HandleFunc("POST /api/v1/votes", s.handleSubmitVote)
	mux.HandleFunc("GET /api/v1/votes", s.handleGetVotes)
	mux.HandleFunc("POST /api/v1/claims", s.handleClaim)
	mux.HandleFunc("GET /api/v1/claims", s.handleGetClaim)
	mux.HandleFunc("POST /api/v1/rebalance", s.handleTriggerRebalance)
	mux.HandleFunc("GET /api/v1/rebalance", s.handleGetRebalance)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/status/stream", s.handleStatusStream)
	mux.HandleFunc("GET /api/v1/quote", s.handleQuote)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			s.logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return countRequests(mux)
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so the SSE stream keeps working
// behind the counter.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequests.WithLabelValues(
			r.Method+" "+r.URL.Path,
			strconv.Itoa(rec.status/100*100),
		).Inc()
	})
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func validAddress(address string) bool {
	return addressPattern.MatchString(address)
}

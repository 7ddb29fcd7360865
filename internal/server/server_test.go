package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compusophy/GroupWallet/internal/chain"
	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/ledger"
	"github.com/compusophy/GroupWallet/internal/lock"
	"github.com/compusophy/GroupWallet/internal/queue"
	"github.com/compusophy/GroupWallet/internal/rebalance"
	"github.com/compusophy/GroupWallet/internal/settlement"
	"github.com/compusophy/GroupWallet/internal/store/kv"
	"github.com/compusophy/GroupWallet/internal/swap"
	"github.com/compusophy/GroupWallet/internal/votes"
)

const (
	testVault = "0x1111111111111111111111111111111111111111"
	testKey   = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

var (
	ethAsset = model.Asset{
		ID: "eth", Kind: model.AssetKindNative, Symbol: "ETH", Decimals: 18, PriceFeedID: "ETH",
	}
	usdcAsset = model.Asset{
		ID: "usdc", Kind: model.AssetKindToken, Symbol: "USDC",
		TokenAddress: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", Decimals: 6, PriceFeedID: "USDC",
	}
)

type fakeChain struct {
	txs      map[string]*chain.Transaction
	receipts map[string]*chain.Receipt
	head     int64
}

func (f *fakeChain) ChainID() int64 { return 8453 }
func (f *fakeChain) BlockNumber(context.Context) (int64, error) {
	return f.head, nil
}
func (f *fakeChain) TransactionByHash(_ context.Context, hash string) (*chain.Transaction, error) {
	return f.txs[hash], nil
}
func (f *fakeChain) TransactionReceipt(_ context.Context, hash string) (*chain.Receipt, error) {
	return f.receipts[hash], nil
}

type fakeTreasury struct{}

func (f *fakeTreasury) Snapshot(context.Context) (*model.TreasurySnapshot, error) {
	eth, _ := new(big.Int).SetString("2000000000000000000", 10)
	usdc := big.NewInt(1_000_000)
	return &model.TreasurySnapshot{
		WalletAddress: testVault,
		BlockNumber:   100,
		Balances: []model.AssetBalance{
			{Asset: ethAsset, MinorUnits: eth, Minor: eth.String()},
			{Asset: usdcAsset, MinorUnits: usdc, Minor: usdc.String()},
		},
	}, nil
}

type fakeProcessor struct {
	processed []string
	busy      bool
}

func (f *fakeProcessor) ProcessJobByID(_ context.Context, jobID string, _ int) (bool, error) {
	f.processed = append(f.processed, jobID)
	return true, nil
}
func (f *fakeProcessor) IsProcessing() bool { return f.busy }

type fakeQuoter struct{}

func (f *fakeQuoter) GetQuote(_ context.Context, req swap.Request) (*swap.Quote, error) {
	q := &swap.Quote{BuyAmount: "1", SellAmount: req.SellAmount.String()}
	q.Transaction.To = "0x2222222222222222222222222222222222222222"
	q.Transaction.Data = "0x"
	return q, nil
}

type harness struct {
	server    *Server
	handler   http.Handler
	chain     *fakeChain
	ledger    *ledger.Ledger
	queue     *queue.Queue
	processor *fakeProcessor
	statuses  *settlement.StatusStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := kv.NewMemory()
	led := ledger.New(store, nil)
	voteStore := votes.NewStore(store, led, nil)
	q := queue.New(store, queue.Config{LockTTL: time.Minute, DedupeTTL: 5 * time.Minute, MaxAge: 5 * time.Minute}, nil)
	locks := lock.NewRegistry(store, nil)
	statuses := settlement.NewStatusStore(store)
	outcomes := rebalance.NewOutcomeStore(store, 20)
	svc := settlement.NewService(settlement.ServiceConfig{ProposalID: "allocation", MaxAge: 5 * time.Minute},
		led, &fakeTreasury{}, q, statuses, nil)

	chainReader := &fakeChain{
		txs:      make(map[string]*chain.Transaction),
		receipts: make(map[string]*chain.Receipt),
		head:     105,
	}
	processor := &fakeProcessor{}

	srv := New(Config{
		ProposalID:            "allocation",
		VaultAddress:          testVault,
		RequiredConfirmations: 2,
	}, led, voteStore, chainReader, q, locks, svc, statuses, outcomes, processor, &fakeQuoter{}, nil)

	return &harness{
		server:    srv,
		handler:   srv.Handler(),
		chain:     chainReader,
		ledger:    led,
		queue:     q,
		processor: processor,
		statuses:  statuses,
	}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) addDeposit(t *testing.T, hash, from, value string) {
	t.Helper()
	v, ok := new(big.Int).SetString(value, 10)
	require.True(t, ok)
	block := int64(100)
	h.chain.txs[hash] = &chain.Transaction{
		Hash: hash, From: from, To: testVault, Value: v,
		BlockNumber: &block, BlockHash: "0xblock",
	}
	h.chain.receipts[hash] = &chain.Receipt{TxHash: hash, Status: true, BlockNumber: block}
}

func signPersonal(t *testing.T, message string) (signature, address string) {
	t.Helper()
	key, err := crypto.HexToECDSA(testKey)
	require.NoError(t, err)
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	sig, err := crypto.Sign(crypto.Keccak256([]byte(prefixed)), key)
	require.NoError(t, err)
	sig[64] += 27
	return hexutil.Encode(sig), crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func TestDepositWebhook_RecordsAndEnqueues(t *testing.T) {
	h := newHarness(t)
	hash := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	h.addDeposit(t, hash, "0xf00d000000000000000000000000000000000001", "100000000000000")

	rec := h.do(t, http.MethodPost, "/api/v1/deposits", map[string]string{"hash": hash})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stats, err := h.ledger.GetUserStats(context.Background(), "0xf00d000000000000000000000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "100000000000000", stats.TotalValueMinorUnits)
	assert.Equal(t, int64(1), stats.TotalTransactions)

	size, _ := h.queue.Size(context.Background())
	assert.Equal(t, int64(1), size, "a rebalance follows every deposit")

	// Replaying the webhook is idempotent.
	rec = h.do(t, http.MethodPost, "/api/v1/deposits", map[string]string{"hash": hash})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["recorded"])

	stats, _ = h.ledger.GetUserStats(context.Background(), "0xf00d000000000000000000000000000000000001")
	assert.Equal(t, "100000000000000", stats.TotalValueMinorUnits, "replay must not double-count")
}

func TestDepositWebhook_Rejections(t *testing.T) {
	h := newHarness(t)
	goodHash := "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	h.addDeposit(t, goodHash, "0xf00d000000000000000000000000000000000001", "5")

	// Wrong recipient.
	h.chain.txs[goodHash].To = "0x9999999999999999999999999999999999999999"
	rec := h.do(t, http.MethodPost, "/api/v1/deposits", map[string]string{"hash": goodHash})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	h.chain.txs[goodHash].To = testVault

	// Failed receipt.
	h.chain.receipts[goodHash].Status = false
	rec = h.do(t, http.MethodPost, "/api/v1/deposits", map[string]string{"hash": goodHash})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	h.chain.receipts[goodHash].Status = true

	// Not enough confirmations.
	h.chain.head = 100
	rec = h.do(t, http.MethodPost, "/api/v1/deposits", map[string]string{"hash": goodHash})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	h.chain.head = 105

	// Unknown transaction.
	rec = h.do(t, http.MethodPost, "/api/v1/deposits", map[string]string{
		"hash": "0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed hash.
	rec = h.do(t, http.MethodPost, "/api/v1/deposits", map[string]string{"hash": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitVote_FullFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	message := fmt.Sprintf("eth_percent:80\ntimestamp:%d", now)
	signature, voter := signPersonal(t, message)

	// The voter needs a recorded deposit first.
	hash := "0xdddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"
	h.addDeposit(t, hash, voter, "3000000000000000000")
	rec := h.do(t, http.MethodPost, "/api/v1/deposits", map[string]string{"hash": hash})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/votes", map[string]any{
		"address": voter, "ethPercent": 80, "signature": signature, "timestamp": now,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Accepted bool             `json:"accepted"`
		Totals   model.VoteTotals `json:"totals"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, 1, resp.Totals.TotalVoters)
	assert.InDelta(t, 80.0, resp.Totals.WeightedEthPercent, 0.001)

	size, _ := h.queue.Size(ctx)
	assert.Equal(t, int64(2), size, "deposit + vote each enqueue a rebalance")

	// The cached totals are served on GET.
	rec = h.do(t, http.MethodGet, "/api/v1/votes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitVote_AuthFailures(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UnixMilli()

	message := fmt.Sprintf("eth_percent:50\ntimestamp:%d", now)
	signature, voter := signPersonal(t, message)

	// No deposit on record: policy rejection.
	rec := h.do(t, http.MethodPost, "/api/v1/votes", map[string]any{
		"address": voter, "ethPercent": 50, "signature": signature, "timestamp": now,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Signature over a different percent.
	rec = h.do(t, http.MethodPost, "/api/v1/votes", map[string]any{
		"address": voter, "ethPercent": 51, "signature": signature, "timestamp": now,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Expired timestamp.
	old := time.Now().Add(-10 * time.Minute).UnixMilli()
	oldSig, _ := signPersonal(t, fmt.Sprintf("eth_percent:50\ntimestamp:%d", old))
	rec = h.do(t, http.MethodPost, "/api/v1/votes", map[string]any{
		"address": voter, "ethPercent": 50, "signature": oldSig, "timestamp": old,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Bad address shape.
	rec = h.do(t, http.MethodPost, "/api/v1/votes", map[string]any{
		"address": "zzz", "ethPercent": 50, "signature": signature, "timestamp": now,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClaim_QueuesSettlement(t *testing.T) {
	h := newHarness(t)

	now := time.Now().UnixMilli()
	_, claimant := signPersonal(t, "probe")

	// Deposit first.
	hash := "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	h.addDeposit(t, hash, claimant, "1000000000000000000")
	rec := h.do(t, http.MethodPost, "/api/v1/deposits", map[string]string{"hash": hash})
	require.Equal(t, http.StatusOK, rec.Code)

	message := fmt.Sprintf("wagmi-claim\naddress:%s\ntimestamp:%d", toLower(claimant), now)
	signature, _ := signPersonal(t, message)

	rec = h.do(t, http.MethodPost, "/api/v1/claims", map[string]any{
		"address": claimant, "signature": signature, "timestamp": now,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Queued bool                    `json:"queued"`
		Status *model.SettlementStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Queued)
	require.NotNil(t, resp.Status)
	assert.Equal(t, model.SettlementStateQueued, resp.Status.State)
	assert.InDelta(t, 1.0, resp.Status.Share, 0.001)

	// Dedup replay within the window.
	rec = h.do(t, http.MethodPost, "/api/v1/claims", map[string]any{
		"address": claimant, "signature": signature, "timestamp": now,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Queued)

	// Status endpoint serves the canonical record.
	rec = h.do(t, http.MethodGet, "/api/v1/claims?address="+claimant, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClaim_NothingToClaim(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UnixMilli()
	_, claimant := signPersonal(t, "probe")

	message := fmt.Sprintf("wagmi-claim\naddress:%s\ntimestamp:%d", toLower(claimant), now)
	signature, _ := signPersonal(t, message)

	rec := h.do(t, http.MethodPost, "/api/v1/claims", map[string]any{
		"address": claimant, "signature": signature, "timestamp": now,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerRebalance_Manual(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/rebalance", map[string]any{"manual": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["jobId"])
	assert.Len(t, h.processor.processed, 1, "immediate processing is attempted")

	rec = h.do(t, http.MethodPost, "/api/v1/rebalance", map[string]any{"manual": false})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	h := newHarness(t)
	h.processor.busy = true

	rec := h.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["processing"])
	assert.Equal(t, float64(0), resp["queueSize"])
}

func TestQuotePassthrough(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/quote?sellToken=0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE&buyToken=0x833589fcd6edb6e08f4c7c32d4f71b54bda02913&sellAmount=1000", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/quote?sellToken=a&buyToken=b&sellAmount=-5", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/quote?sellAmount=5", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func toLower(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'A' && c <= 'F' {
			out[i] = c + 32
		}
	}
	return string(out)
}

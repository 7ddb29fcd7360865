package settlement

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/queue"
	"github.com/compusophy/GroupWallet/internal/store/kv"
)

type fakeLedger struct {
	totals map[string]string
}

func (f *fakeLedger) GetUserStats(_ context.Context, address string) (*model.UserStats, error) {
	total, ok := f.totals[address]
	if !ok {
		total = "0"
	}
	return &model.UserStats{Address: address, TotalValueMinorUnits: total}, nil
}

func (f *fakeLedger) TotalDeposits(_ context.Context) (*big.Int, error) {
	sum := new(big.Int)
	for _, total := range f.totals {
		v, _ := new(big.Int).SetString(total, 10)
		if v != nil {
			sum.Add(sum, v)
		}
	}
	return sum, nil
}

func (f *fakeLedger) MarkUserSettled(_ context.Context, address string) error {
	f.totals[address] = "0"
	return nil
}

type fakeTreasury struct {
	snap *model.TreasurySnapshot
}

func (f *fakeTreasury) Snapshot(_ context.Context) (*model.TreasurySnapshot, error) {
	return f.snap, nil
}

func newTestService(t *testing.T, ledger *fakeLedger) (*Service, *queue.Queue, *StatusStore) {
	t.Helper()
	store := kv.NewMemory()
	q := queue.New(store, queue.Config{LockTTL: time.Minute, DedupeTTL: 5 * time.Minute, MaxAge: 5 * time.Minute}, nil)
	statuses := NewStatusStore(store)
	svc := NewService(ServiceConfig{ProposalID: "allocation", MaxAge: 5 * time.Minute},
		ledger,
		&fakeTreasury{snap: vaultSnapshot("2000000000000000000", "1000000")},
		q, statuses, nil)
	return svc, q, statuses
}

func TestService_Request_Queues(t *testing.T) {
	ledger := &fakeLedger{totals: map[string]string{
		"0xaaaa": "1000000000000000000",
		"0xbbbb": "3000000000000000000",
	}}
	svc, q, _ := newTestService(t, ledger)
	ctx := context.Background()

	status, queued, err := svc.Request(ctx, "0xAAAA")
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, model.SettlementStateQueued, status.State)
	assert.InDelta(t, 0.25, status.Share, 1e-9)
	require.Len(t, status.Plan, 2)
	assert.Equal(t, "500000000000000000", status.Plan[0].AmountMinor)
	assert.Equal(t, "250000", status.Plan[1].AmountMinor)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestService_Request_NothingToClaim(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeLedger{totals: map[string]string{}})

	_, _, err := svc.Request(context.Background(), "0xaaaa")
	assert.ErrorIs(t, err, ErrNothingToClaim)
}

func TestService_Request_DedupWithinWindow(t *testing.T) {
	ledger := &fakeLedger{totals: map[string]string{"0xaaaa": "1000000000000000000"}}
	svc, q, _ := newTestService(t, ledger)
	ctx := context.Background()

	first, queued, err := svc.Request(ctx, "0xaaaa")
	require.NoError(t, err)
	require.True(t, queued)

	second, queued, err := svc.Request(ctx, "0xaaaa")
	require.NoError(t, err)
	assert.False(t, queued, "replay within the window must be suppressed")
	assert.Equal(t, first.JobID, second.JobID)

	size, _ := q.Size(ctx)
	assert.Equal(t, int64(1), size, "no second job")
}

func TestService_Request_StaleStatusCleared(t *testing.T) {
	ledger := &fakeLedger{totals: map[string]string{"0xaaaa": "1000000000000000000"}}
	svc, q, statuses := newTestService(t, ledger)
	ctx := context.Background()

	first, queued, err := svc.Request(ctx, "0xaaaa")
	require.NoError(t, err)
	require.True(t, queued)

	// Age the record past the stale threshold.
	first.UpdatedAt = time.Now().Add(-10 * time.Minute).UnixMilli()
	require.NoError(t, statuses.Put(ctx, first))

	second, queued, err := svc.Request(ctx, "0xaaaa")
	require.NoError(t, err)
	assert.True(t, queued, "a stale non-terminal status must be replaced")
	assert.NotEqual(t, first.JobID, second.JobID)

	size, _ := q.Size(ctx)
	assert.Equal(t, int64(2), size)
}

func TestService_Request_NewDepositsAfterExecuted(t *testing.T) {
	ledger := &fakeLedger{totals: map[string]string{"0xaaaa": "1000000000000000000"}}
	svc, _, statuses := newTestService(t, ledger)
	ctx := context.Background()

	first, queued, err := svc.Request(ctx, "0xaaaa")
	require.NoError(t, err)
	require.True(t, queued)

	// The job executed and the dedup window is still open, but the
	// depositor has a fresh positive balance: the old record is cleared.
	first.State = model.SettlementStateExecuted
	first.UpdatedAt = time.Now().UnixMilli()
	require.NoError(t, statuses.Put(ctx, first))

	second, queued, err := svc.Request(ctx, "0xaaaa")
	require.NoError(t, err)
	assert.True(t, queued)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, model.SettlementStateQueued, second.State)
}

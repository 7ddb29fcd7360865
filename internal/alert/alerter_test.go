package alert

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlackAlerter_Send(t *testing.T) {
	var payload map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewSlackAlerter(ts.URL)
	err := a.Send(context.Background(), Alert{
		Type:    AlertTypeSettlementFailed,
		JobType: "settlement",
		Title:   "job failed permanently",
		Message: "transfer reverted",
		Fields:  map[string]string{"job_id": "j1"},
	})
	require.NoError(t, err)
	assert.Contains(t, payload["text"], "SETTLEMENT_FAILED")
	assert.Contains(t, payload["text"], "transfer reverted")
}

func TestWebhookAlerter_SendFailureStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewWebhookAlerter(ts.URL)
	err := a.Send(context.Background(), Alert{Type: AlertTypeRebalanceFailed})
	assert.Error(t, err)
}

type countingAlerter struct {
	calls atomic.Int64
}

func (c *countingAlerter) Send(context.Context, Alert) error {
	c.calls.Add(1)
	return nil
}

func TestMultiAlerter_Cooldown(t *testing.T) {
	inner := &countingAlerter{}
	m := NewMultiAlerter(time.Hour, slog.Default(), inner)
	ctx := context.Background()

	a := Alert{Type: AlertTypeRebalanceFailed, JobType: "rebalance"}
	require.NoError(t, m.Send(ctx, a))
	require.NoError(t, m.Send(ctx, a))
	assert.Equal(t, int64(1), inner.calls.Load(), "second alert suppressed by cooldown")

	// A different alert type has its own cooldown key.
	require.NoError(t, m.Send(ctx, Alert{Type: AlertTypeRecovery, JobType: "rebalance"}))
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestNoopAlerter(t *testing.T) {
	assert.NoError(t, (&NoopAlerter{}).Send(context.Background(), Alert{}))
}

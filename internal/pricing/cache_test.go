package pricing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/store/kv"
)

var testAsset = model.Asset{
	ID: "eth", Kind: model.AssetKindNative, Symbol: "ETH", Decimals: 18, PriceFeedID: "ETH",
}

type fakeSpot struct {
	calls  atomic.Int64
	price  decimal.Decimal
	broken bool
}

func (f *fakeSpot) SpotPrice(_ context.Context, _ string) (decimal.Decimal, error) {
	f.calls.Add(1)
	if f.broken {
		return decimal.Zero, fmt.Errorf("upstream down")
	}
	return f.price, nil
}

func TestService_FetchesAndCaches(t *testing.T) {
	spot := &fakeSpot{price: decimal.RequireFromString("2000.12345678")}
	svc := NewService(kv.NewMemory(), spot, time.Minute, nil)
	ctx := context.Background()

	snapshot, err := svc.GetPrice(ctx, testAsset)
	require.NoError(t, err)
	assert.Equal(t, "eth", snapshot.AssetID)
	assert.Equal(t, model.PriceDecimals, snapshot.PriceDecimals)
	assert.Equal(t, "200012345678", snapshot.PriceRaw)
	assert.Equal(t, "coinbase", snapshot.Source)
	assert.Equal(t, int64(1), spot.calls.Load())

	// Second read is served from the KV cache.
	_, err = svc.GetPrice(ctx, testAsset)
	require.NoError(t, err)
	assert.Equal(t, int64(1), spot.calls.Load())
}

func TestService_StaleFallbackOnUpstreamFailure(t *testing.T) {
	store := kv.NewMemory()
	spot := &fakeSpot{price: decimal.NewFromInt(2000)}
	svc := NewService(store, spot, time.Minute, nil)
	ctx := context.Background()

	first, err := svc.GetPrice(ctx, testAsset)
	require.NoError(t, err)

	// Expire the in-snapshot freshness and break the upstream: the stale
	// snapshot is still served.
	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	spot.broken = true

	stale, err := svc.GetPrice(ctx, testAsset)
	require.NoError(t, err)
	assert.Equal(t, first.PriceRaw, stale.PriceRaw)
}

func TestService_ErrorWithoutCache(t *testing.T) {
	svc := NewService(kv.NewMemory(), &fakeSpot{broken: true}, time.Minute, nil)

	_, err := svc.GetPrice(context.Background(), testAsset)
	assert.Error(t, err)
}

func TestService_GetPrices_ReturnsOnlySuccessful(t *testing.T) {
	store := kv.NewMemory()
	spot := &fakeSpot{price: decimal.NewFromInt(1)}
	svc := NewService(store, spot, time.Minute, nil)

	other := model.Asset{ID: "usdc", Kind: model.AssetKindToken, Symbol: "USDC",
		TokenAddress: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", Decimals: 6, PriceFeedID: "USDC"}

	prices, err := svc.GetPrices(context.Background(), []model.Asset{testAsset, other})
	require.NoError(t, err)
	assert.Len(t, prices, 2)

	// Break upstream, clear cache: no entries come back, no error.
	spot.broken = true
	require.NoError(t, store.Del(context.Background(), "price:snapshot:eth", "price:snapshot:usdc"))
	prices, err = svc.GetPrices(context.Background(), []model.Asset{testAsset, other})
	require.NoError(t, err)
	assert.Empty(t, prices)
}

func TestSpotClient_ParsesResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ETH-USD/spot", r.URL.Path)
		fmt.Fprint(w, `{"data":{"base":"ETH","currency":"USD","amount":"1999.55"}}`)
	}))
	defer ts.Close()

	client := NewSpotClient(ts.URL)
	price, err := client.SpotPrice(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("1999.55")))
}

func TestSpotClient_RejectsBadResponses(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
	}{
		{"http error", http.StatusBadGateway, "oops"},
		{"missing amount", http.StatusOK, `{"data":{}}`},
		{"zero amount", http.StatusOK, `{"data":{"amount":"0"}}`},
		{"garbage amount", http.StatusOK, `{"data":{"amount":"n/a"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				fmt.Fprint(w, tt.body)
			}))
			defer ts.Close()

			_, err := NewSpotClient(ts.URL).SpotPrice(context.Background(), "ETH")
			assert.Error(t, err)
		})
	}
}

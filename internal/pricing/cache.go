// Package pricing maintains per-asset USD price snapshots in the KV store
// with a TTL, falling back to the Coinbase spot API on miss.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/compusophy/GroupWallet/internal/domain/model"
	"github.com/compusophy/GroupWallet/internal/metrics"
	"github.com/compusophy/GroupWallet/internal/store/kv"
)

const snapshotPrefix = "price:snapshot:"

// SpotSource is the upstream price oracle capability.
type SpotSource interface {
	SpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Service reads prices through the KV cache.
type Service struct {
	store  kv.Store
	spot   SpotSource
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store kv.Store, spot SpotSource, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		spot:   spot,
		ttl:    ttl,
		logger: logger.With("component", "pricing"),
		now:    time.Now,
	}
}

// GetPrice returns a fresh snapshot for the asset: from cache while within
// TTL, otherwise from the upstream oracle. On upstream failure a stale
// cached snapshot is returned as a last resort.
func (s *Service) GetPrice(ctx context.Context, asset model.Asset) (*model.PriceSnapshot, error) {
	cached := s.readCache(ctx, asset.ID)
	if cached != nil && cached.ExpiresAt > s.now().UnixMilli() {
		metrics.PriceFetches.WithLabelValues("cache", "hit").Inc()
		return cached, nil
	}

	snapshot, err := s.fetch(ctx, asset)
	if err != nil {
		metrics.PriceFetches.WithLabelValues("upstream", "error").Inc()
		if cached != nil {
			s.logger.Warn("price fetch failed, serving stale snapshot",
				"asset", asset.ID, "error", err)
			return cached, nil
		}
		return nil, err
	}
	metrics.PriceFetches.WithLabelValues("upstream", "ok").Inc()

	if encoded, err := kv.EncodeValue(snapshot); err == nil {
		if _, err := s.store.Set(ctx, snapshotPrefix+asset.ID, encoded, kv.SetOptions{TTL: s.ttl}); err != nil {
			s.logger.Warn("price snapshot write failed", "asset", asset.ID, "error", err)
		}
	}
	return snapshot, nil
}

// GetPrices fetches snapshots for all assets in parallel and returns only
// the successful entries. Callers that need every asset treat an absent
// entry as fatal for the current job.
func (s *Service) GetPrices(ctx context.Context, assets []model.Asset) (map[string]*model.PriceSnapshot, error) {
	var mu sync.Mutex
	out := make(map[string]*model.PriceSnapshot, len(assets))

	g, gCtx := errgroup.WithContext(ctx)
	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			snapshot, err := s.GetPrice(gCtx, asset)
			if err != nil {
				s.logger.Warn("price unavailable", "asset", asset.ID, "error", err)
				return nil
			}
			mu.Lock()
			out[asset.ID] = snapshot
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) readCache(ctx context.Context, assetID string) *model.PriceSnapshot {
	raw, ok, err := s.store.Get(ctx, snapshotPrefix+assetID)
	if err != nil || !ok {
		return nil
	}
	var snapshot model.PriceSnapshot
	if err := kv.DecodeValue(raw, &snapshot); err != nil {
		return nil
	}
	return &snapshot
}

func (s *Service) fetch(ctx context.Context, asset model.Asset) (*model.PriceSnapshot, error) {
	price, err := s.spot.SpotPrice(ctx, asset.PriceFeedID)
	if err != nil {
		return nil, fmt.Errorf("spot price for %s: %w", asset.ID, err)
	}

	now := s.now()
	raw := price.Shift(model.PriceDecimals).Round(0).BigInt()
	priceUSD, _ := price.Float64()
	return &model.PriceSnapshot{
		AssetID:       asset.ID,
		Symbol:        asset.Symbol,
		PriceUSD:      priceUSD,
		Source:        "coinbase",
		UpdatedAt:     now.UnixMilli(),
		ExpiresAt:     now.Add(s.ttl).UnixMilli(),
		PriceDecimals: model.PriceDecimals,
		PriceRaw:      raw.String(),
	}, nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compusophy/GroupWallet/internal/domain/model"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("VAULT_ADDRESS", "0x1111111111111111111111111111111111111111")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, int64(8453), cfg.Chain.ChainID)
	assert.False(t, cfg.Rebalance.Execute)
	assert.Equal(t, 1.0, cfg.Rebalance.TolerancePercent)
	assert.Equal(t, 5.0, cfg.Rebalance.MinUsdDelta)
	assert.Equal(t, 20, cfg.Rebalance.HistoryLimit)
	assert.Equal(t, 5*time.Minute, cfg.Settlement.MaxAge)
	assert.Equal(t, 60*time.Second, cfg.Pricing.CacheTTL)
	assert.Equal(t, 120*time.Second, cfg.Jobs.LockTTL)
	assert.Equal(t, "allocation", cfg.ProposalID)

	require.Len(t, cfg.Assets, 2)
	assert.Equal(t, model.AssetKindNative, cfg.Assets[0].Kind)
	assert.Equal(t, "USDC", cfg.Assets[1].Symbol)
}

func TestLoad_RequiresVaultIdentity(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VAULT_PRIVATE_KEY or VAULT_ADDRESS")
}

func TestLoad_ExecuteModeRequiresKey(t *testing.T) {
	t.Setenv("VAULT_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("REBALANCE_EXECUTE", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute mode")
}

func TestLoad_AssetsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
assets:
  - id: eth
    kind: native
    symbol: ETH
    decimals: 18
    priceFeedId: ETH
  - id: dai
    kind: token
    symbol: DAI
    tokenAddress: "0x50c5725949a6f0c72e6c4a641f24049a917db0cb"
    decimals: 18
    priceFeedId: DAI
`), 0o600))

	t.Setenv("VAULT_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("ASSETS_CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Assets, 2)
	assert.Equal(t, "dai", cfg.Assets[1].ID)
	assert.Equal(t, "0x50c5725949a6f0c72e6c4a641f24049a917db0cb", cfg.Assets[1].TokenAddress)
}

func TestLoad_RejectsInvalidAssets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "assets.yaml")
	// Two native assets.
	require.NoError(t, os.WriteFile(path, []byte(`
assets:
  - {id: a, kind: native, symbol: A, decimals: 18, priceFeedId: A}
  - {id: b, kind: native, symbol: B, decimals: 18, priceFeedId: B}
`), 0o600))

	t.Setenv("VAULT_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("ASSETS_CONFIG_PATH", path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one native asset")
}

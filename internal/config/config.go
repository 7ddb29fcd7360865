package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/compusophy/GroupWallet/internal/domain/model"
)

type Config struct {
	Redis      RedisConfig
	Chain      ChainConfig
	Vault      VaultConfig
	Aggregator AggregatorConfig
	Rebalance  RebalanceConfig
	Settlement SettlementConfig
	Deposit    DepositConfig
	Pricing    PricingConfig
	Jobs       JobsConfig
	Server     ServerConfig
	Tracing    TracingConfig
	Alert      AlertConfig
	Log        LogConfig

	ProposalID string
	Assets     []model.Asset
}

type RedisConfig struct {
	URL string
}

type ChainConfig struct {
	RPCURL  string
	ChainID int64
}

type VaultConfig struct {
	PrivateKey      string
	AddressOverride string
}

type AggregatorConfig struct {
	BaseURL     string
	APIKey      string
	SlippageBps int
}

type RebalanceConfig struct {
	Execute          bool
	TolerancePercent float64
	MinUsdDelta      float64
	HistoryLimit     int
}

type SettlementConfig struct {
	Execute bool
	MaxAge  time.Duration
}

type DepositConfig struct {
	RequiredAmountWei     string // empty means any positive value
	RequiredConfirmations int64
}

type PricingConfig struct {
	CacheTTL time.Duration
	SpotURL  string
}

type JobsConfig struct {
	LockTTL      time.Duration
	DedupeTTL    time.Duration
	MaxAge       time.Duration
	PollInterval time.Duration
}

type ServerConfig struct {
	Port int
}

type TracingConfig struct {
	Enabled  bool
	Endpoint string
	Insecure bool
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

type LogConfig struct {
	Level string
}

// defaultAssets is the Base mainnet pair the vault holds out of the box.
func defaultAssets() []model.Asset {
	return []model.Asset{
		{
			ID:          "eth",
			Kind:        model.AssetKindNative,
			Symbol:      "ETH",
			Decimals:    18,
			PriceFeedID: "ETH",
		},
		{
			ID:           "usdc",
			Kind:         model.AssetKindToken,
			Symbol:       "USDC",
			TokenAddress: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
			Decimals:     6,
			PriceFeedID:  "USDC",
		},
	}
}

func Load() (*Config, error) {
	cfg := &Config{
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Chain: ChainConfig{
			RPCURL:  getEnv("RPC_URL", "https://mainnet.base.org"),
			ChainID: int64(getEnvInt("CHAIN_ID", 8453)),
		},
		Vault: VaultConfig{
			PrivateKey:      getEnv("VAULT_PRIVATE_KEY", ""),
			AddressOverride: getEnv("VAULT_ADDRESS", ""),
		},
		Aggregator: AggregatorConfig{
			BaseURL:     getEnv("AGGREGATOR_BASE_URL", "https://api.0x.org"),
			APIKey:      getEnv("AGGREGATOR_API_KEY", ""),
			SlippageBps: getEnvInt("SLIPPAGE_BPS", 100),
		},
		Rebalance: RebalanceConfig{
			Execute:          getEnvBool("REBALANCE_EXECUTE", false),
			TolerancePercent: getEnvFloat("TOLERANCE_PERCENT", 1.0),
			MinUsdDelta:      getEnvFloat("MIN_USD_DELTA", 5.0),
			HistoryLimit:     getEnvInt("REBALANCE_HISTORY_LIMIT", 20),
		},
		Settlement: SettlementConfig{
			Execute: getEnvBool("SETTLEMENT_EXECUTE", false),
			MaxAge:  time.Duration(getEnvInt("SETTLEMENT_MAX_AGE_SEC", 300)) * time.Second,
		},
		Deposit: DepositConfig{
			RequiredAmountWei:     getEnv("REQUIRED_DEPOSIT_WEI", ""),
			RequiredConfirmations: int64(getEnvInt("REQUIRED_CONFIRMATIONS", 1)),
		},
		Pricing: PricingConfig{
			CacheTTL: time.Duration(getEnvInt("PRICE_CACHE_TTL_SEC", 60)) * time.Second,
			SpotURL:  getEnv("PRICE_SPOT_URL", ""),
		},
		Jobs: JobsConfig{
			LockTTL:      time.Duration(getEnvInt("JOB_LOCK_TTL_SEC", 120)) * time.Second,
			DedupeTTL:    time.Duration(getEnvInt("JOB_DEDUPE_TTL_SEC", 300)) * time.Second,
			MaxAge:       time.Duration(getEnvInt("JOB_MAX_AGE_SEC", 300)) * time.Second,
			PollInterval: time.Duration(getEnvInt("WORKER_POLL_MS", 1000)) * time.Millisecond,
		},
		Server: ServerConfig{
			Port: getEnvInt("HTTP_PORT", 8080),
		},
		Tracing: TracingConfig{
			Enabled:  getEnvBool("TRACING_ENABLED", false),
			Endpoint: getEnv("TRACING_ENDPOINT", ""),
			Insecure: getEnvBool("TRACING_INSECURE", true),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(getEnvInt("ALERT_COOLDOWN_SEC", 300)) * time.Second,
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		ProposalID: getEnv("PROPOSAL_ID", "allocation"),
	}

	assets, err := loadAssets(getEnv("ASSETS_CONFIG_PATH", ""))
	if err != nil {
		return nil, err
	}
	cfg.Assets = assets

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAssets reads the asset list from a YAML file, falling back to the
// built-in Base pair.
func loadAssets(path string) ([]model.Asset, error) {
	if path == "" {
		return defaultAssets(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read assets config: %w", err)
	}
	var parsed struct {
		Assets []model.Asset `yaml:"assets"`
	}
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse assets config: %w", err)
	}
	return parsed.Assets, nil
}

func (c *Config) validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.Vault.PrivateKey == "" && c.Vault.AddressOverride == "" {
		return fmt.Errorf("one of VAULT_PRIVATE_KEY or VAULT_ADDRESS is required")
	}
	if (c.Rebalance.Execute || c.Settlement.Execute) && c.Vault.PrivateKey == "" {
		return fmt.Errorf("VAULT_PRIVATE_KEY is required in execute mode")
	}
	if err := model.ValidateAssets(c.Assets); err != nil {
		return fmt.Errorf("invalid asset configuration: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

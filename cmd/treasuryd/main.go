package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/compusophy/GroupWallet/internal/alert"
	"github.com/compusophy/GroupWallet/internal/chain/evm"
	"github.com/compusophy/GroupWallet/internal/config"
	"github.com/compusophy/GroupWallet/internal/ledger"
	"github.com/compusophy/GroupWallet/internal/lock"
	"github.com/compusophy/GroupWallet/internal/pricing"
	"github.com/compusophy/GroupWallet/internal/queue"
	"github.com/compusophy/GroupWallet/internal/rebalance"
	"github.com/compusophy/GroupWallet/internal/server"
	"github.com/compusophy/GroupWallet/internal/settlement"
	"github.com/compusophy/GroupWallet/internal/store/kv"
	"github.com/compusophy/GroupWallet/internal/swap"
	"github.com/compusophy/GroupWallet/internal/tracing"
	"github.com/compusophy/GroupWallet/internal/treasury"
	"github.com/compusophy/GroupWallet/internal/votes"
	"github.com/compusophy/GroupWallet/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting treasuryd",
		"rpc", cfg.Chain.RPCURL,
		"chain_id", cfg.Chain.ChainID,
		"assets", len(cfg.Assets),
		"rebalance_execute", cfg.Rebalance.Execute,
		"settlement_execute", cfg.Settlement.Execute,
		"proposal_id", cfg.ProposalID,
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), "groupwallet-treasury", tracingEndpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	store, err := kv.NewRedis(cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("connected to redis")

	var signer *evm.Signer
	if cfg.Vault.PrivateKey != "" {
		signer, err = evm.NewSigner(cfg.Vault.PrivateKey)
		if err != nil {
			logger.Error("failed to parse vault key", "error", err)
			os.Exit(1)
		}
	}
	vaultAddress, err := resolveVaultAddress(signer, cfg.Vault.AddressOverride, logger)
	if err != nil {
		logger.Error("failed to resolve vault address", "error", err)
		os.Exit(1)
	}
	logger.Info("vault resolved", "address", vaultAddress)

	client := evm.NewClient(cfg.Chain.RPCURL, cfg.Chain.ChainID, signer, logger)

	ledgerStore := ledger.New(store, logger)
	voteStore := votes.NewStore(store, ledgerStore, logger)
	priceService := pricing.NewService(store, pricing.NewSpotClient(cfg.Pricing.SpotURL), cfg.Pricing.CacheTTL, logger)
	treasuryReader := treasury.NewReader(client, vaultAddress, cfg.Assets, logger)
	quoter := swapClient(cfg, logger)
	jobQueue := queue.New(store, queue.Config{
		LockTTL:   cfg.Jobs.LockTTL,
		DedupeTTL: cfg.Jobs.DedupeTTL,
		MaxAge:    cfg.Jobs.MaxAge,
	}, logger)
	locks := lock.NewRegistry(store, logger)
	outcomes := rebalance.NewOutcomeStore(store, cfg.Rebalance.HistoryLimit)
	statuses := settlement.NewStatusStore(store)

	rebalancer := rebalance.NewExecutor(rebalance.ExecutorConfig{
		Assets:     cfg.Assets,
		ProposalID: cfg.ProposalID,
		Vault:      vaultAddress,
		Execute:    cfg.Rebalance.Execute,
		Plan: rebalance.Config{
			TolerancePercent: cfg.Rebalance.TolerancePercent,
			MinUsdDelta:      cfg.Rebalance.MinUsdDelta,
		},
	}, client, quoter, treasuryReader, priceService, voteStore, outcomes, logger)

	settlementService := settlement.NewService(settlement.ServiceConfig{
		ProposalID: cfg.ProposalID,
		MaxAge:     cfg.Settlement.MaxAge,
	}, ledgerStore, treasuryReader, jobQueue, statuses, logger)

	settler := settlement.NewExecutor(settlement.ExecutorConfig{
		ProposalID: cfg.ProposalID,
		Execute:    cfg.Settlement.Execute,
	}, client, ledgerStore, voteStore, jobQueue, statuses, logger)

	alerter := buildAlerter(cfg, logger)

	jobWorker := worker.New(jobQueue, rebalancer, settler, alerter, cfg.Jobs.PollInterval, logger)

	apiServer := server.New(server.Config{
		ProposalID:            cfg.ProposalID,
		VaultAddress:          vaultAddress,
		RequiredAmountWei:     cfg.Deposit.RequiredAmountWei,
		RequiredConfirmations: cfg.Deposit.RequiredConfirmations,
	}, ledgerStore, voteStore, client, jobQueue, locks, settlementService, statuses, outcomes, jobWorker, quoter, logger)

	rateLimiter := server.NewRateLimitMiddleware(logger)
	defer rateLimiter.Stop()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: rateLimiter.Wrap(apiServer.Handler()),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		go func() {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
				logger.Warn("http server shutdown error", "error", err)
			}
		}()
		logger.Info("http server started", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := jobWorker.Run(gCtx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("treasuryd exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("treasuryd shut down gracefully")
}

// resolveVaultAddress prefers the explicit override; a mismatch with the
// derived address warns, and the override wins.
func resolveVaultAddress(signer *evm.Signer, override string, logger *slog.Logger) (string, error) {
	if signer == nil {
		if override == "" {
			return "", fmt.Errorf("no vault key and no address override")
		}
		return evm.Checksum(override), nil
	}
	derived := signer.Address().Hex()
	if override == "" {
		return derived, nil
	}
	checked := evm.Checksum(override)
	if !strings.EqualFold(checked, derived) {
		logger.Warn("vault address override does not match derived address",
			"derived", derived, "override", checked)
	}
	return checked, nil
}

func swapClient(cfg *config.Config, logger *slog.Logger) *swap.Client {
	return swap.NewClient(swap.Config{
		BaseURL:     cfg.Aggregator.BaseURL,
		APIKey:      cfg.Aggregator.APIKey,
		ChainID:     cfg.Chain.ChainID,
		SlippageBps: cfg.Aggregator.SlippageBps,
	}, logger)
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)
}

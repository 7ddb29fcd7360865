// Package swap talks to the external quote aggregator's allowance-holder
// endpoint, behind a rate limiter and a circuit breaker.
package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/compusophy/GroupWallet/internal/circuitbreaker"
	"github.com/compusophy/GroupWallet/internal/metrics"
)

const quotePath = "/swap/allowance-holder/quote"

// Quote is the aggregator response subset the core consumes.
type Quote struct {
	BuyAmount  string `json:"buyAmount"`
	SellAmount string `json:"sellAmount"`
	Issues     *struct {
		Allowance *struct {
			Spender string `json:"spender"`
		} `json:"allowance"`
	} `json:"issues,omitempty"`
	Transaction struct {
		To       string `json:"to"`
		Data     string `json:"data"`
		Gas      string `json:"gas,omitempty"`
		GasPrice string `json:"gasPrice,omitempty"`
		Value    string `json:"value,omitempty"`
	} `json:"transaction"`
	Route *struct {
		Fills []struct {
			Source        string `json:"source"`
			ProportionBps string `json:"proportionBps"`
		} `json:"fills,omitempty"`
	} `json:"route,omitempty"`
}

// BuyAmountInt parses the quoted buy amount.
func (q *Quote) BuyAmountInt() (*big.Int, error) {
	n, ok := new(big.Int).SetString(q.BuyAmount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid buyAmount %q", q.BuyAmount)
	}
	return n, nil
}

// AllowanceSpender returns the address that needs an ERC-20 allowance, or
// empty when none is required.
func (q *Quote) AllowanceSpender() string {
	if q.Issues != nil && q.Issues.Allowance != nil {
		return q.Issues.Allowance.Spender
	}
	return ""
}

// PrimarySource names the route's dominant liquidity source for logging.
func (q *Quote) PrimarySource() string {
	if q.Route == nil || len(q.Route.Fills) == 0 {
		return ""
	}
	return q.Route.Fills[0].Source
}

// Request identifies one quote lookup.
type Request struct {
	SellToken  string
	BuyToken   string
	SellAmount *big.Int
	Taker      string
}

// Client fetches quotes from the aggregator.
type Client struct {
	baseURL     string
	apiKey      string
	chainID     int64
	slippageBps int
	httpClient  *http.Client
	limiter     *rate.Limiter
	breaker     *circuitbreaker.Breaker
	logger      *slog.Logger
}

// Config configures the aggregator client.
type Config struct {
	BaseURL     string
	APIKey      string
	ChainID     int64
	SlippageBps int // clamped to [1, 500]
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SlippageBps < 1 {
		cfg.SlippageBps = 1
	}
	if cfg.SlippageBps > 500 {
		cfg.SlippageBps = 500
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		chainID:     cfg.ChainID,
		slippageBps: cfg.SlippageBps,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(2), 4),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("aggregator circuit state changed", "from", from.String(), "to", to.String())
			},
		}),
		logger: logger.With("component", "swap"),
	}
}

// GetQuote fetches one quote. Non-2xx responses are fatal for the calling
// job.
func (c *Client) GetQuote(ctx context.Context, req Request) (*Quote, error) {
	if err := c.breaker.Allow(); err != nil {
		metrics.QuoteRequests.WithLabelValues("circuit_open").Inc()
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	params := url.Values{}
	params.Set("sellToken", req.SellToken)
	params.Set("buyToken", req.BuyToken)
	params.Set("sellAmount", req.SellAmount.String())
	params.Set("taker", req.Taker)
	params.Set("chainId", strconv.FormatInt(c.chainID, 10))
	params.Set("slippageBps", strconv.Itoa(c.slippageBps))

	quoteURL := c.baseURL + quotePath + "?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, quoteURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create quote request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("0x-api-key", c.apiKey)
	}
	httpReq.Header.Set("0x-version", "v2")

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	metrics.QuoteLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		c.breaker.RecordFailure()
		metrics.QuoteRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetch quote: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure()
		metrics.QuoteRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("read quote response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure()
		metrics.QuoteRequests.WithLabelValues("http_" + strconv.Itoa(resp.StatusCode)).Inc()
		return nil, fmt.Errorf("quote http status %d: %s", resp.StatusCode, string(body))
	}

	var quote Quote
	if err := json.Unmarshal(body, &quote); err != nil {
		c.breaker.RecordFailure()
		metrics.QuoteRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("unmarshal quote: %w", err)
	}
	if _, err := quote.BuyAmountInt(); err != nil {
		c.breaker.RecordFailure()
		metrics.QuoteRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	c.breaker.RecordSuccess()
	metrics.QuoteRequests.WithLabelValues("ok").Inc()
	return &quote, nil
}

package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const defaultSpotBaseURL = "https://api.coinbase.com/v2/prices"

// SpotClient fetches USD spot prices from the Coinbase public API.
type SpotClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewSpotClient(baseURL string) *SpotClient {
	if baseURL == "" {
		baseURL = defaultSpotBaseURL
	}
	return &SpotClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type spotResponse struct {
	Data struct {
		Amount string `json:"amount"`
	} `json:"data"`
}

// SpotPrice returns the USD price for a symbol as a decimal.
func (c *SpotClient) SpotPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/%s-USD/spot", c.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch spot price %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read spot response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("spot price %s: http status %d: %s", symbol, resp.StatusCode, string(body))
	}

	var parsed spotResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return decimal.Zero, fmt.Errorf("unmarshal spot response: %w", err)
	}

	price, err := decimal.NewFromString(parsed.Data.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse spot amount %q: %w", parsed.Data.Amount, err)
	}
	if price.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("spot price %s: non-positive amount %s", symbol, price)
	}
	return price, nil
}

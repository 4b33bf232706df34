package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceFeed fetches USD prices keyed by upstream price id
type PriceFeed interface {
	FetchUSDPrices(ctx context.Context, ids []string) (map[string]decimal.Decimal, error)
}

// CoinGeckoFeed queries the CoinGecko simple/price endpoint
type CoinGeckoFeed struct {
	baseURL    string
	httpClient *http.Client
}

// NewCoinGeckoFeed creates a feed against baseURL (e.g. https://api.coingecko.com/api/v3)
func NewCoinGeckoFeed(baseURL string, timeout time.Duration) *CoinGeckoFeed {
	return &CoinGeckoFeed{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type coinGeckoPrice struct {
	USD decimal.Decimal `json:"usd"`
}

// FetchUSDPrices returns the USD price of every id the upstream knows about
func (c *CoinGeckoFeed) FetchUSDPrices(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	endpoint := fmt.Sprintf("%s/simple/price?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read price response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price feed returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var apiResponse map[string]coinGeckoPrice
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to decode price response: %w", err)
	}

	prices := make(map[string]decimal.Decimal, len(apiResponse))
	for id, p := range apiResponse {
		if p.USD.IsPositive() {
			prices[id] = p.USD
		}
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("price feed returned no usable prices")
	}
	return prices, nil
}

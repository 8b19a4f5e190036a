package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/settlegate/internal/chain"
)

// DefaultCoinGeckoURL is the public simple price endpoint (no key required).
const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3/simple/price"

var coinGeckoIDs = map[chain.ID]string{
	chain.BTC: "bitcoin",
	chain.BCH: "bitcoin-cash",
	chain.ETH: "ethereum",
	chain.POL: "polygon-ecosystem-token",
	chain.SOL: "solana",
}

// CoinGecko fetches prices from the CoinGecko API.
type CoinGecko struct {
	baseURL string
	client  *http.Client
}

// NewCoinGecko creates a source. An empty baseURL uses DefaultCoinGeckoURL.
func NewCoinGecko(baseURL string) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	return &CoinGecko{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *CoinGecko) Price(ctx context.Context, id chain.ID) (decimal.Decimal, error) {
	coin, ok := coinGeckoIDs[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, id)
	}

	q := url.Values{"ids": {coin}, "vs_currencies": {"usd"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price API returned status %d", resp.StatusCode)
	}

	var result map[string]struct {
		USD decimal.Decimal `json:"usd"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}

	p := result[strings.ToLower(coin)].USD
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s returned %s", ErrNoPrice, coin, p)
	}
	return p, nil
}

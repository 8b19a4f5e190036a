package rates

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"

	"github.com/mbd888/settlegate/internal/chain"
)

// Cached memoizes a PriceSource for ttl. When the source fails it serves the
// last known price, then the configured fallback.
type Cached struct {
	src      PriceSource
	cache    *expirable.LRU[chain.ID, decimal.Decimal]
	fallback Static
	logger   *slog.Logger

	mu        sync.RWMutex
	lastKnown map[chain.ID]decimal.Decimal
}

// NewCached wraps src. fallback may be nil.
func NewCached(src PriceSource, ttl time.Duration, fallback Static, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{
		src:       src,
		cache:     expirable.NewLRU[chain.ID, decimal.Decimal](32, nil, ttl),
		fallback:  fallback,
		logger:    logger,
		lastKnown: make(map[chain.ID]decimal.Decimal),
	}
}

func (c *Cached) Price(ctx context.Context, id chain.ID) (decimal.Decimal, error) {
	if p, ok := c.cache.Get(id); ok {
		return p, nil
	}

	p, err := c.src.Price(ctx, id)
	if err == nil {
		c.cache.Add(id, p)
		c.mu.Lock()
		c.lastKnown[id] = p
		c.mu.Unlock()
		return p, nil
	}

	c.logger.Warn("price fetch failed", "chain", id, "error", err)
	c.mu.RLock()
	last, ok := c.lastKnown[id]
	c.mu.RUnlock()
	if ok {
		return last, nil
	}
	if c.fallback != nil {
		return c.fallback.Price(ctx, id)
	}
	return decimal.Zero, err
}

package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"optionsbot/internal/models"
)

type cacheEntry[V any] struct {
	value     V
	fetchedAt time.Time
}

// TTLCache is an in-memory cache whose entries expire ttl after they were
// stored. The clock is injectable for tests.
type TTLCache[K comparable, V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[K]cacheEntry[V]

	lastRefresh time.Time
}

// NewTTLCache creates a cache with the given TTL.
func NewTTLCache[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]cacheEntry[V]),
	}
}

// WithClock replaces the cache clock.
func (c *TTLCache[K, V]) WithClock(now func() time.Time) *TTLCache[K, V] {
	c.now = now
	return c
}

// Get returns a fresh value for key.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = cacheEntry[V]{value: value, fetchedAt: now}
	c.lastRefresh = now
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Errors are not cached.
func (c *TTLCache[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

// LastRefresh returns when the cache was last written.
func (c *TTLCache[K, V]) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

// Purge drops expired entries and returns how many were removed.
func (c *TTLCache[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CacheTTLs configures CachedProvider lifetimes per data kind.
type CacheTTLs struct {
	Chain       time.Duration
	History     time.Duration
	Expirations time.Duration
	Quote       time.Duration
}

// DefaultCacheTTLs keeps chains and quotes for a single cycle and slower
// data for longer.
func DefaultCacheTTLs() CacheTTLs {
	return CacheTTLs{
		Chain:       2 * time.Minute,
		History:     time.Hour,
		Expirations: time.Hour,
		Quote:       30 * time.Second,
	}
}

type chainKey struct {
	ticker     string
	expiration int64
}

type historyKey struct {
	ticker string
	period Period
}

// CachedProvider decorates a Provider with per-kind TTL caches so the
// strategies scanning the same ticker share one fetch.
type CachedProvider struct {
	inner Provider

	chains      *TTLCache[chainKey, *models.OptionChain]
	history     *TTLCache[historyKey, []models.Candle]
	expirations *TTLCache[string, []time.Time]
	quotes      *TTLCache[string, float64]
	vixHistory  *TTLCache[Period, []float64]
}

// NewCachedProvider wraps inner.
func NewCachedProvider(inner Provider, ttls CacheTTLs) *CachedProvider {
	return &CachedProvider{
		inner:       inner,
		chains:      NewTTLCache[chainKey, *models.OptionChain](ttls.Chain),
		history:     NewTTLCache[historyKey, []models.Candle](ttls.History),
		expirations: NewTTLCache[string, []time.Time](ttls.Expirations),
		quotes:      NewTTLCache[string, float64](ttls.Quote),
		vixHistory:  NewTTLCache[Period, []float64](ttls.History),
	}
}

func (p *CachedProvider) Expirations(ctx context.Context, ticker string) ([]time.Time, error) {
	return p.expirations.GetOrLoad(ticker, func() ([]time.Time, error) {
		return p.inner.Expirations(ctx, ticker)
	})
}

func (p *CachedProvider) OptionChain(ctx context.Context, ticker string, expiration time.Time) (*models.OptionChain, error) {
	key := chainKey{ticker: ticker, expiration: expiration.Unix()}
	return p.chains.GetOrLoad(key, func() (*models.OptionChain, error) {
		return p.inner.OptionChain(ctx, ticker, expiration)
	})
}

func (p *CachedProvider) PriceHistory(ctx context.Context, ticker string, period Period) ([]models.Candle, error) {
	return p.history.GetOrLoad(historyKey{ticker: ticker, period: period}, func() ([]models.Candle, error) {
		return p.inner.PriceHistory(ctx, ticker, period)
	})
}

func (p *CachedProvider) LastPrice(ctx context.Context, ticker string) (float64, error) {
	return p.quotes.GetOrLoad(ticker, func() (float64, error) {
		return p.inner.LastPrice(ctx, ticker)
	})
}

func (p *CachedProvider) VolatilityIndex(ctx context.Context) (float64, error) {
	return p.quotes.GetOrLoad(VIXSymbol, func() (float64, error) {
		return p.inner.VolatilityIndex(ctx)
	})
}

func (p *CachedProvider) VolatilityIndexHistory(ctx context.Context, period Period) ([]float64, error) {
	return p.vixHistory.GetOrLoad(period, func() ([]float64, error) {
		return p.inner.VolatilityIndexHistory(ctx, period)
	})
}

// Purge drops expired entries from every cache.
func (p *CachedProvider) Purge() int {
	return p.chains.Purge() + p.history.Purge() + p.expirations.Purge() + p.quotes.Purge() + p.vixHistory.Purge()
}

func (p *CachedProvider) String() string {
	return fmt.Sprintf("cached(%d chains, %d histories)", p.chains.Len(), p.history.Len())
}

// Redis-backed cache for per-symbol reference prices. The simulation and
// monitoring paths read reference prices on every pass, so the ingest pipeline
// publishes the latest estimate here after each cycle. When Redis is
// unavailable the cache falls back to an in-memory map so simulation keeps
// working without interruption.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// RefPriceKeyPrefix is the prefix for reference price keys.
	// Format: radar:refprice:{platform}:{symbol}
	RefPriceKeyPrefix = "radar:refprice"

	// RefPriceTTL bounds how stale a cached reference price may get before
	// readers fall back to the store-derived estimate.
	RefPriceTTL = 15 * time.Minute
)

// CachedRefPrice is the cached per-symbol price estimate with its provenance.
type CachedRefPrice struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	SampleSize int       `json:"sample_size"`
	Source     string    `json:"source"` // "snapshots" or "event"
	SavedAt    time.Time `json:"saved_at"`
}

// RedisPriceCache stores reference prices in Redis with an in-memory
// fallback. If client is nil the cache operates in memory-only mode.
type RedisPriceCache struct {
	client         *redis.Client
	inMemory       map[string]*CachedRefPrice // key = "{platform}:{symbol}"
	mu             sync.RWMutex
	redisAvailable atomic.Bool
}

// NewRedisPriceCache creates a RedisPriceCache and probes availability once.
func NewRedisPriceCache(client *redis.Client) *RedisPriceCache {
	c := &RedisPriceCache{
		client:   client,
		inMemory: make(map[string]*CachedRefPrice),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[PRICE-CACHE] Redis unavailable at startup: %v, using in-memory cache", err)
			c.redisAvailable.Store(false)
		} else {
			log.Printf("[PRICE-CACHE] Redis connected")
			c.redisAvailable.Store(true)
		}
	} else {
		c.redisAvailable.Store(false)
	}

	return c
}

func (c *RedisPriceCache) redisKey(platform, symbol string) string {
	return fmt.Sprintf("%s:%s:%s", RefPriceKeyPrefix, platform, symbol)
}

func (c *RedisPriceCache) memKey(platform, symbol string) string {
	return platform + ":" + symbol
}

// SaveRefPrice publishes the latest reference price for a symbol.
func (c *RedisPriceCache) SaveRefPrice(ctx context.Context, platform string, p *CachedRefPrice) error {
	if p == nil {
		return fmt.Errorf("cannot cache nil reference price")
	}
	p.SavedAt = time.Now().UTC()

	c.mu.Lock()
	cp := *p
	c.inMemory[c.memKey(platform, p.Symbol)] = &cp
	c.mu.Unlock()

	if c.client == nil || !c.redisAvailable.Load() {
		return nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal reference price: %w", err)
	}

	if err := c.client.Set(ctx, c.redisKey(platform, p.Symbol), data, RefPriceTTL).Err(); err != nil {
		log.Printf("[PRICE-CACHE] Failed to write to Redis: %v, using in-memory cache", err)
		c.redisAvailable.Store(false)
		return nil
	}

	return nil
}

// GetRefPrice returns the cached price for a symbol, or nil when nothing
// fresh is cached. Entries older than RefPriceTTL are ignored.
func (c *RedisPriceCache) GetRefPrice(ctx context.Context, platform, symbol string) (*CachedRefPrice, error) {
	if c.client != nil && c.redisAvailable.Load() {
		data, err := c.client.Get(ctx, c.redisKey(platform, symbol)).Result()
		if err != nil {
			if err == redis.Nil {
				return c.getFromMemory(platform, symbol), nil
			}
			log.Printf("[PRICE-CACHE] Redis read error: %v, using in-memory cache", err)
			c.redisAvailable.Store(false)
			return c.getFromMemory(platform, symbol), nil
		}

		c.redisAvailable.Store(true)

		var p CachedRefPrice
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reference price: %w", err)
		}

		c.mu.Lock()
		cp := p
		c.inMemory[c.memKey(platform, symbol)] = &cp
		c.mu.Unlock()

		return &p, nil
	}

	return c.getFromMemory(platform, symbol), nil
}

// CheckConnection pings Redis and updates availability.
func (c *RedisPriceCache) CheckConnection(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("no Redis client configured")
	}

	if err := c.client.Ping(ctx).Err(); err != nil {
		c.redisAvailable.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}

	wasUnavailable := !c.redisAvailable.Load()
	c.redisAvailable.Store(true)
	if wasUnavailable {
		log.Printf("[PRICE-CACHE] Redis connection recovered")
	}

	return nil
}

// IsRedisAvailable reports current availability for the health endpoint.
func (c *RedisPriceCache) IsRedisAvailable() bool {
	return c.redisAvailable.Load()
}

func (c *RedisPriceCache) getFromMemory(platform, symbol string) *CachedRefPrice {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.inMemory[c.memKey(platform, symbol)]
	if !ok {
		return nil
	}
	if time.Since(p.SavedAt) > RefPriceTTL {
		return nil
	}
	cp := *p
	return &cp
}

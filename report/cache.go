package report

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/mcp-vinreport/instrumentation"
	"github.com/giantswarm/mcp-vinreport/security"
)

// DefaultCacheTTL is how long a produced report is served from cache
const DefaultCacheTTL = 1 * time.Hour

type cacheEntry struct {
	report    *Report
	expiresAt time.Time
}

// Cache is a TTL cache in front of a Producer, shared by all sessions.
// Expiry is checked on every read; the sweeper only reclaims memory.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry

	producer Producer
	ttl      time.Duration
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
}

var _ Producer = (*Cache)(nil)

// NewCache wraps a producer with a TTL cache keyed by normalized VIN
func NewCache(producer Producer, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries:  make(map[string]*cacheEntry),
		producer: producer,
		ttl:      ttl,
		logger:   logger,
	}
}

// SetInstrumentation attaches hit/miss metrics (optional)
func (c *Cache) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	c.metrics = inst.Metrics()
}

// Produce returns the cached report for the VIN or asks the wrapped producer.
// Concurrent misses for the same VIN may each hit the producer; the cache
// keeps whichever lands last.
func (c *Cache) Produce(ctx context.Context, vin string) (*Report, error) {
	key := NormalizeVIN(vin)

	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if exists && !security.IsExpired(entry.expiresAt) {
		if c.metrics != nil {
			c.metrics.RecordReportCacheLookup(ctx, true)
		}
		return entry.report, nil
	}

	if c.metrics != nil {
		c.metrics.RecordReportCacheLookup(ctx, false)
	}

	report, err := c.producer.Produce(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{
		report:    report,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()

	return report, nil
}

// Size returns the number of cached entries, live or expired
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// SweepName identifies the cache to the sweeper
func (c *Cache) SweepName() string {
	return "report-cache"
}

// SweepExpired removes expired entries and returns how many were reclaimed
func (c *Cache) SweepExpired(_ context.Context, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if security.IsExpiredAt(entry.expiresAt, now) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Swept expired report cache entries", "count", removed)
	}
	return removed
}

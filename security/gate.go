package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// gateEntry tracks a per-identifier limiter and its last access time
type gateEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Gate is the admission-control check every public endpoint runs before
// processing a request. It keeps a token bucket per identifier (normally the
// client IP) with LRU eviction to bound memory.
type Gate struct {
	entries    map[string]*list.Element // identifier -> list element
	lruList    *list.List               // LRU list of *gateEntry
	mu         sync.Mutex
	rate       int
	burst      int
	maxEntries int
	logger     *slog.Logger

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once

	totalEvictions int64
}

// NewGate creates an admission gate allowing requestsPerSecond per identifier
// with the given burst. A zero or negative rate admits everything.
// Default max tracked identifiers is 10,000; least recently seen identifiers
// are evicted beyond that.
func NewGate(requestsPerSecond, burst int, logger *slog.Logger) *Gate {
	return NewGateWithConfig(requestsPerSecond, burst, 10000, logger)
}

// NewGateWithConfig creates an admission gate with a custom bound on tracked
// identifiers. maxEntries 0 means unlimited.
func NewGateWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		maxEntries = 10000
	}

	g := &Gate{
		entries:         make(map[string]*list.Element),
		lruList:         list.New(),
		rate:            requestsPerSecond,
		burst:           burst,
		maxEntries:      maxEntries,
		logger:          logger,
		cleanupInterval: 5 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}

	go g.cleanupLoop()

	return g
}

// Allow reports whether a request from the given identifier is admitted.
func (g *Gate) Allow(identifier string) bool {
	if g.rate <= 0 {
		return true
	}

	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if elem, exists := g.entries[identifier]; exists {
		g.lruList.MoveToFront(elem)
		entry := elem.Value.(*gateEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if g.maxEntries > 0 && len(g.entries) >= g.maxEntries {
		g.evictLRU()
	}

	entry := &gateEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(g.rate), g.burst),
		lastAccess: now,
	}
	g.entries[identifier] = g.lruList.PushFront(entry)

	return entry.limiter.Allow()
}

// evictLRU removes the least recently used entry. Caller holds the mutex.
func (g *Gate) evictLRU() {
	elem := g.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*gateEntry)
	delete(g.entries, entry.identifier)
	g.lruList.Remove(elem)
	g.totalEvictions++

	g.logger.Debug("Admission gate LRU eviction",
		"identifier", entry.identifier,
		"total_evictions", g.totalEvictions,
		"current_entries", len(g.entries))
}

// cleanupLoop periodically removes idle limiters to prevent memory leaks
func (g *Gate) cleanupLoop() {
	ticker := time.NewTicker(g.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.Cleanup(30 * time.Minute)
		case <-g.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters that have not been consulted for maxIdleTime.
func (g *Gate) Cleanup(maxIdleTime time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := g.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*gateEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(g.entries, entry.identifier)
			g.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		g.logger.Debug("Admission gate cleanup completed",
			"removed", removed,
			"remaining", len(g.entries))
	}
}

// Stop gracefully stops the cleanup goroutine
func (g *Gate) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCleanup)
	})
}

// GateStats holds admission gate statistics for monitoring
type GateStats struct {
	CurrentEntries int   // Current number of tracked identifiers
	MaxEntries     int   // Maximum allowed entries (0 = unlimited)
	TotalEvictions int64 // Total number of LRU evictions
}

// Stats returns current gate statistics for monitoring and alerting.
func (g *Gate) Stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	return GateStats{
		CurrentEntries: len(g.entries),
		MaxEntries:     g.maxEntries,
		TotalEvictions: g.totalEvictions,
	}
}

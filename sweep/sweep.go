// Package sweep runs the periodic background eviction of expired entries.
// The sweep is advisory: every read path re-checks expiry independently, so
// correctness never depends on the sweeper running promptly. It only bounds
// memory held by entries nobody will read again.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/mcp-vinreport/instrumentation"
)

// Default sweep intervals: OAuth state moves slowly, sessions and the report
// cache churn faster.
const (
	DefaultOAuthInterval   = 5 * time.Minute
	DefaultSessionInterval = 1 * time.Minute
)

// Target is anything the sweeper can reap expired entries from
type Target interface {
	// SweepName identifies the target in logs and metrics
	SweepName() string

	// SweepExpired removes entries expired as of now and returns the count
	SweepExpired(ctx context.Context, now time.Time) int
}

type group struct {
	interval time.Duration
	targets  []Target
}

// Sweeper drives periodic sweeps over registered targets, one goroutine per
// interval group.
type Sweeper struct {
	mu      sync.Mutex
	groups  []group
	started bool

	logger   *slog.Logger
	metrics  *instrumentation.Metrics
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a sweeper
func New(logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// SetInstrumentation attaches sweep metrics (optional)
func (s *Sweeper) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.metrics = inst.Metrics()
}

// Register adds targets swept on the given interval.
// Must be called before Start.
func (s *Sweeper) Register(interval time.Duration, targets ...Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || interval <= 0 || len(targets) == 0 {
		return
	}
	s.groups = append(s.groups, group{interval: interval, targets: targets})
}

// Start launches the sweep loops
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for _, g := range s.groups {
		s.wg.Add(1)
		go s.loop(g)
	}
}

// Stop terminates all sweep loops and waits for them to exit
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Sweeper) loop(g group) {
	defer s.wg.Done()

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepNow(context.Background(), g.targets...)
		case <-s.stopCh:
			return
		}
	}
}

// SweepNow runs one sweep pass over the targets immediately
func (s *Sweeper) SweepNow(ctx context.Context, targets ...Target) {
	now := time.Now()
	for _, target := range targets {
		removed := target.SweepExpired(ctx, now)
		if s.metrics != nil {
			s.metrics.RecordSweep(ctx, target.SweepName(), removed)
		}
		if removed > 0 {
			s.logger.Debug("Sweep pass complete",
				"target", target.SweepName(),
				"removed", removed)
		}
	}
}

package task

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweepFunc finds work that was missed by scheduled tasks and enqueues it.
// It returns the number of tasks enqueued.
type SweepFunc func(ctx context.Context) (int, error)

// Sweeper runs sweep functions periodically.
type Sweeper struct {
	interval time.Duration
	lg       *zap.Logger

	mu     sync.Mutex
	sweeps []namedSweep
}

type namedSweep struct {
	name string
	fn   SweepFunc
}

// NewSweeper creates a Sweeper running every interval.
func NewSweeper(interval time.Duration, lg *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{interval: interval, lg: lg}
}

// Add registers a sweep.
func (s *Sweeper) Add(name string, fn SweepFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps = append(s.sweeps, namedSweep{name: name, fn: fn})
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.lg.Info("Starting sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnceNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunOnceNow(ctx)
		case <-ctx.Done():
			s.lg.Info("Sweeper stopped")
			return nil
		}
	}
}

// RunOnceNow runs every sweep once and returns the number of tasks enqueued
// per sweep. Failures are logged and do not stop the remaining sweeps.
func (s *Sweeper) RunOnceNow(ctx context.Context) map[string]int {
	s.mu.Lock()
	sweeps := append([]namedSweep(nil), s.sweeps...)
	s.mu.Unlock()

	out := make(map[string]int, len(sweeps))
	for _, sw := range sweeps {
		n, err := sw.fn(ctx)
		if err != nil {
			s.lg.Error("Sweep failed", zap.String("sweep", sw.name), zap.Error(err))
			continue
		}
		out[sw.name] = n
		if n > 0 {
			s.lg.Info("Sweep enqueued tasks", zap.String("sweep", sw.name), zap.Int("count", n))
		}
	}
	return out
}

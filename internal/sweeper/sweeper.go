package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"commandcenter/internal/engine"
)

const defaultInterval = 10 * time.Minute

// Target is what the sweeper drives; engine.Engine satisfies it.
type Target interface {
	Sweep(ctx context.Context) (engine.SweepResult, error)
}

// Sweeper periodically expires overdue drafts and purges old terminal ones.
type Sweeper struct {
	Engine   Target
	Interval time.Duration
	Logger   *slog.Logger

	mu      sync.Mutex
	running bool
	last    engine.SweepResult
}

func New(t Target, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{Engine: t, Interval: interval, Logger: logger}
}

func (s *Sweeper) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Start runs the loop in the background until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	go s.Run(ctx)
}

// Run sweeps once immediately and then on every tick. Errors are logged and
// the loop continues; a sweep still in progress is not overlapped.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log().Warn("sweep.error", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep. Concurrent calls are skipped and return
// a zero result.
func (s *Sweeper) RunOnce(ctx context.Context) (engine.SweepResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log().Debug("sweep.skipped")
		return engine.SweepResult{}, nil
	}
	s.running = true
	s.mu.Unlock()

	res, err := s.Engine.Sweep(ctx)

	s.mu.Lock()
	s.running = false
	if err == nil {
		s.last = res
	}
	s.mu.Unlock()
	return res, err
}

// Last returns the result of the most recent successful sweep.
func (s *Sweeper) Last() engine.SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

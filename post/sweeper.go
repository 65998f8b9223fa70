package post

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically asks the manager to drop entries whose backing files
// are gone. Two sweeps never run concurrently: a tick arriving while the
// previous pass is still busy is skipped.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	busy     sync.Mutex
}

// NewSweeper constructs a sweeper. A non-positive interval disables it.
func NewSweeper(manager *Manager, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{manager: manager, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled, sweeping on the configured interval.
// It exits between ticks; an in-progress pass runs to completion.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sweeper) tick() {
	if !s.busy.TryLock() {
		s.logger.Warn("sweep still running, skipping tick")
		return
	}
	defer s.busy.Unlock()

	start := time.Now()
	removed, skipped := s.manager.Sweep()
	s.logger.Debug("sweep finished",
		"removed", removed,
		"skipped", skipped,
		"remaining", s.manager.Len(),
		"duration", time.Since(start))
}

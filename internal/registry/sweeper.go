// ABOUTME: Background sweeper that archives threads idle past a TTL
// ABOUTME: Skips threads with in-flight turns and runs on a fixed interval

package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SweeperConfig controls the idle-thread sweeper.
type SweeperConfig struct {
	// Interval between sweep passes.
	Interval time.Duration
	// IdleTTL is how long a thread may go without activity before
	// it is archived.
	IdleTTL time.Duration
	// BatchSize caps how many threads one pass archives.
	BatchSize int
}

// Sweeper periodically archives threads whose last activity is older
// than the configured TTL.
type Sweeper struct {
	registry *Registry
	config   SweeperConfig
	logger   *slog.Logger
}

// NewSweeper creates a sweeper. Zero config fields get defaults:
// 1m interval, 24h TTL, 100 threads per pass.
func NewSweeper(r *Registry, config SweeperConfig, logger *slog.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 24 * time.Hour
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry: r,
		config:   config,
		logger:   logger.With("component", "sweeper"),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started",
		"interval", s.config.Interval,
		"idle_ttl", s.config.IdleTTL)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("swept idle threads", "archived", n)
			}
		}
	}
}

// Sweep archives one batch of idle threads and returns how many it
// archived. Threads with in-flight turns are left alone; they will be
// picked up on a later pass once their turn settles.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.config.IdleTTL)
	threads, err := s.registry.store.ListActiveThreads(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, thread := range threads {
		if err := s.registry.Archive(ctx, thread.ID); err != nil {
			if errors.Is(err, ErrThreadBusy) || ctx.Err() != nil {
				continue
			}
			s.logger.Warn("failed to archive idle thread",
				"thread_id", thread.ID, "error", err)
			continue
		}
		archived++
	}
	return archived, nil
}

package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"batch-engine/internal/repository"
)

// Janitor prunes archived jobs older than the retention window, on a cron
// schedule and on demand.
type Janitor struct {
	repo      repository.JobRepository
	retention time.Duration
	cron      string
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
}

// NewJanitor creates a new archive janitor
func NewJanitor(repo repository.JobRepository, retention time.Duration, cron string, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Janitor{
		repo:      repo,
		retention: retention,
		cron:      cron,
		logger:    logger,
		now:       time.Now,
	}
}

// Prune removes archived jobs that finished before now minus the retention.
// Overlapping calls return immediately with zero.
func (j *Janitor) Prune(ctx context.Context) (int, error) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return 0, nil
	}
	j.running = true
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	cutoff := j.now().Add(-j.retention)
	n, err := j.repo.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info("archive pruned", "removed", n, "cutoff", cutoff)
	}
	return n, nil
}

// Run prunes on every cron tick until ctx is done. An empty schedule
// disables scheduled pruning.
func (j *Janitor) Run(ctx context.Context) {
	if j.cron == "" {
		return
	}
	j.logger.Info("archive janitor enabled", "cron", j.cron, "retention", j.retention)

	for {
		next, err := gronx.NextTickAfter(j.cron, j.now(), false)
		if err != nil {
			j.logger.Error("archive janitor schedule failed", "cron", j.cron, "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := j.Prune(ctx); err != nil {
				j.logger.Error("archive prune failed", "error", err)
			}
		}
	}
}

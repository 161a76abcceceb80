// Package sweeper periodically downgrades lapsed permission grants. The
// query engine already downgrades on observation; the sweep catches agents
// nobody has read recently, so an expired grant never outlives the interval
// by much even when idle.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openfleet/contextd/internal/permission"
	"github.com/openfleet/contextd/internal/storage"
)

// DefaultInterval is the sweep period when the config names none.
const DefaultInterval = 5 * time.Minute

// Sweeper runs the expired-permission downgrade on a schedule.
type Sweeper struct {
	store    *storage.Store
	manager  *permission.Manager
	logger   *slog.Logger
	interval time.Duration
	cron     *cron.Cron
}

func New(store *storage.Store, manager *permission.Manager, logger *slog.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		store:    store,
		manager:  manager,
		logger:   logger,
		interval: interval,
	}
}

// Start schedules the sweep and runs one pass immediately so a restart
// never extends an already lapsed grant.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() {
		s.runOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.runOnce(ctx)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// RunOnce sweeps immediately and reports how many agents were downgraded.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.store.ListExpiredPermissionAgents(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	downgraded := 0
	for _, id := range ids {
		if err := s.manager.DowngradeExpired(ctx, id); err != nil {
			s.logger.Warn("sweep downgrade failed", "agent_id", id, "error", err)
			continue
		}
		downgraded++
	}
	return downgraded, nil
}

func (s *Sweeper) runOnce(ctx context.Context) {
	n, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("permission sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("permission sweep downgraded expired grants", "count", n)
	}
}

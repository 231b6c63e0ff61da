// Package scheduler runs the periodic retention sweep: old history entries,
// the history size cap, and stale terminal download snapshots.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/streamhawk/streamhawk/internal/config"
	"github.com/streamhawk/streamhawk/internal/models"
	"github.com/streamhawk/streamhawk/internal/observability"
	"github.com/streamhawk/streamhawk/internal/repository"
)

// SettingsProvider supplies the current persisted settings.
type SettingsProvider interface {
	Get(ctx context.Context) (*models.AppSettings, error)
}

// Sweeper prunes persisted download state on a cron schedule.
type Sweeper struct {
	downloads *repository.DownloadRepository
	history   *repository.HistoryRepository
	settings  SettingsProvider
	cfg       config.DownloadsConfig
	logger    *slog.Logger

	schedule cron.Schedule

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper. The schedule uses six-field cron syntax
// with a leading seconds field.
func NewSweeper(
	downloads *repository.DownloadRepository,
	history *repository.HistoryRepository,
	settings SettingsProvider,
	cfg config.DownloadsConfig,
	logger *slog.Logger,
) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.SweepCron)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepCron, err)
	}

	return &Sweeper{
		downloads: downloads,
		history:   history,
		settings:  settings,
		cfg:       cfg,
		logger:    observability.WithComponent(logger, "sweeper"),
		schedule:  schedule,
	}, nil
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("sweeper already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("sweeper started", slog.String("schedule", s.cfg.SweepCron))
	return nil
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(s.ctx)
		}
	}
}

// Sweep runs one retention pass. The age cutoff is applied before the size
// cap so time-based removal always wins.
func (s *Sweeper) Sweep(ctx context.Context) {
	st, err := s.settings.Get(ctx)
	if err != nil || st == nil {
		st = models.DefaultSettings()
	}

	now := time.Now()
	cutoff := now.AddDate(0, 0, -st.HistoryAutoRemoveInterval)

	expired, err := s.history.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("history age sweep failed", slog.Any("error", err))
	}

	trimmed, err := s.history.TrimToSize(ctx, st.MaxHistorySize)
	if err != nil {
		s.logger.Error("history trim failed", slog.Any("error", err))
	}

	pruned, err := s.downloads.DeleteTerminalBefore(ctx, now.Add(-s.cfg.ActiveRetention))
	if err != nil {
		s.logger.Error("download snapshot prune failed", slog.Any("error", err))
	}

	if expired > 0 || trimmed > 0 || pruned > 0 {
		s.logger.Info("retention sweep finished",
			slog.Int64("history_expired", expired),
			slog.Int64("history_trimmed", trimmed),
			slog.Int64("snapshots_pruned", pruned))
	}
}

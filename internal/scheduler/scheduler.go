// Package scheduler runs the gateway's periodic background tasks: world
// auto-save through the command session and history retention.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/palboard-project/gateway/internal/config"
	"github.com/palboard-project/gateway/internal/palserver"
)

const saveTimeout = 30 * time.Second

// Pruner removes history entries older than a retention window.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg       config.SchedulerConfig
	retention time.Duration
	sessions  *palserver.Holder
	history   Pruner
}

// NewScheduler creates a task scheduler. sessions and history may be nil,
// which disables the tasks that need them.
func NewScheduler(cfg config.SchedulerConfig, retention time.Duration, sessions *palserver.Holder, history Pruner) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		retention: retention,
		sessions:  sessions,
		history:   history,
	}
}

// Start runs the enabled tasks and blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.cfg.AutoSaveEnabled && s.sessions != nil && s.cfg.AutoSaveIntervalSec > 0 {
		go s.every(ctx, "auto_save", config.Seconds(s.cfg.AutoSaveIntervalSec), s.runAutoSave)
	}
	if s.history != nil && s.retention > 0 && s.cfg.HistoryCleanupIntervalSec > 0 {
		go s.every(ctx, "history_cleanup", config.Seconds(s.cfg.HistoryCleanupIntervalSec), s.runHistoryCleanup)
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Str("task", name).Dur("interval", interval).Msg("task scheduled")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// runAutoSave asks the game server to save the world.
func (s *Scheduler) runAutoSave(ctx context.Context) {
	client := s.sessions.Current()
	if client == nil || !client.Alive() {
		log.Debug().Msg("auto-save skipped, no live command session")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()

	start := time.Now()
	resp, err := client.Save(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("auto-save failed")
		return
	}

	log.Info().
		Str("response", resp).
		Dur("took", time.Since(start)).
		Msg("auto-save completed")
}

// runHistoryCleanup prunes history past the retention window.
func (s *Scheduler) runHistoryCleanup(ctx context.Context) {
	removed, err := s.history.Prune(ctx, s.retention)
	if err != nil {
		log.Warn().Err(err).Msg("history cleanup failed")
		return
	}

	log.Info().
		Int64("removed", removed).
		Dur("retention", s.retention).
		Msg("history cleanup completed")
}

// Package watchers contains the synchronization watchers and their
// supervisor.
package watchers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
)

// RelistFunc performs one full reconciliation pass for a resource kind.
type RelistFunc func(ctx context.Context) error

// RelistWatcher re-runs a reconciliation function on a fixed interval. The
// event-driven paths handle the common case; the relist catches anything
// missed while disconnected.
type RelistWatcher struct {
	name     string
	interval time.Duration
	relist   RelistFunc
	logger   arbor.ILogger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

var _ interfaces.Watcher = (*RelistWatcher)(nil)

// NewRelistWatcher creates a relist watcher for one resource kind.
func NewRelistWatcher(name string, interval time.Duration, relist RelistFunc, logger arbor.ILogger) *RelistWatcher {
	return &RelistWatcher{
		name:     name,
		interval: interval,
		relist:   relist,
		logger:   logger,
	}
}

func (w *RelistWatcher) Name() string {
	return w.name
}

// Start schedules the relist and runs one pass immediately so a fresh watcher
// converges without waiting a full interval.
func (w *RelistWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher %s already running", w.name)
	}

	w.cron = cron.New()
	if _, err := w.cron.AddFunc(fmt.Sprintf("@every %s", w.interval), w.runOnce); err != nil {
		return fmt.Errorf("failed to schedule %s relist: %w", w.name, err)
	}
	w.cron.Start()
	w.running = true

	w.logger.Info().
		Str("watcher", w.name).
		Str("interval", w.interval.String()).
		Msg("Relist watcher started")

	go w.runOnce()
	return nil
}

// Stop halts the schedule. A relist pass already in flight finishes.
func (w *RelistWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.cron.Stop()
	w.cron = nil
	w.running = false

	w.logger.Info().
		Str("watcher", w.name).
		Msg("Relist watcher stopped")
}

func (w *RelistWatcher) runOnce() {
	if err := w.relist(context.Background()); err != nil {
		w.logger.Warn().
			Err(err).
			Str("watcher", w.name).
			Msg("Relist pass failed")
	}
}

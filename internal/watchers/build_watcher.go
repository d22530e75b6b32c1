package watchers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/events"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/runsync"
)

// BuildWatcher is the primary watcher: it owns the lifecycle event feed and
// the run status poll scheduler, and periodically prunes tracked runs whose
// remote build resource has been deleted out from under them.
type BuildWatcher struct {
	feed      *events.Feed
	scheduler *runsync.PollScheduler
	registry  *runsync.Registry
	shipper   *runsync.Shipper
	client    interfaces.BuildClient
	prune     time.Duration
	logger    arbor.ILogger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

var _ interfaces.Watcher = (*BuildWatcher)(nil)

// NewBuildWatcher assembles the build watcher from the already-wired sync
// core. prune is the interval for the deleted-build sweep.
func NewBuildWatcher(feed *events.Feed, scheduler *runsync.PollScheduler, registry *runsync.Registry, shipper *runsync.Shipper, client interfaces.BuildClient, prune time.Duration, logger arbor.ILogger) *BuildWatcher {
	return &BuildWatcher{
		feed:      feed,
		scheduler: scheduler,
		registry:  registry,
		shipper:   shipper,
		client:    client,
		prune:     prune,
		logger:    logger,
	}
}

func (w *BuildWatcher) Name() string {
	return "builds"
}

// Start connects the event feed, launches the poll scheduler and schedules
// the prune sweep.
func (w *BuildWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher builds already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.feed.Start(ctx)
	w.scheduler.Start()

	w.cron = cron.New()
	if _, err := w.cron.AddFunc(fmt.Sprintf("@every %s", w.prune), w.pruneDeleted); err != nil {
		cancel()
		w.feed.Stop()
		return fmt.Errorf("failed to schedule build prune: %w", err)
	}
	w.cron.Start()
	w.running = true

	w.logger.Info().
		Str("prune_interval", w.prune.String()).
		Msg("Build watcher started")
	return nil
}

// Stop disconnects the feed and halts polling. Tracked runs stay registered;
// a restarted watcher resumes them.
func (w *BuildWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.cron.Stop()
	w.cron = nil
	w.cancel()
	w.feed.Stop()
	w.scheduler.Stop()
	w.running = false

	w.logger.Info().Msg("Build watcher stopped")
}

// pruneDeleted drops tracked runs whose build resource no longer exists.
// Event delivery normally handles this; the sweep covers deletions that
// happened while the feed was disconnected.
func (w *BuildWatcher) pruneDeleted() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, run := range w.registry.Snapshot() {
		cause := run.Cause()
		if cause == nil {
			continue
		}

		_, err := w.client.GetBuild(ctx, cause.Namespace, cause.Name)
		if err == nil {
			continue
		}
		if !models.IsNotFound(err) {
			w.logger.Debug().
				Err(err).
				Str("run", run.Key()).
				Msg("Build existence check failed, keeping run")
			continue
		}

		w.logger.Warn().
			Str("run", run.Key()).
			Msg("Build resource deleted remotely, untracking run")
		w.registry.Untrack(run.Key())
		w.shipper.Forget(run.Key())
	}
}

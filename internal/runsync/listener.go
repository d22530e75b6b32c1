// -----------------------------------------------------------------------
// Run listener - lifecycle callbacks driving tracking, upserts and cleanup
// -----------------------------------------------------------------------

package runsync

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
)

// ListenerOptions carries the qualification rules and timing knobs for a
// run listener.
type ListenerOptions struct {
	// JobNamePattern, when set, restricts tracking to matching job names.
	JobNamePattern *regexp.Regexp
	// SkipOrganizationPrefix skips jobs whose name starts with this prefix.
	SkipOrganizationPrefix string
	// SkipBranchSuffix skips jobs whose name ends with this suffix.
	SkipBranchSuffix string
	// FinalizeGrace is the delay between the finalize callback and the
	// final log shipment + purge. The engine's finalize can fire before the
	// last log lines reach storage.
	FinalizeGrace time.Duration
}

// Listener reacts to run lifecycle callbacks from the CI engine, mutating
// the registry and triggering upserts. Callbacks and the poll sweep are
// serialized per run by a keyed mutex; unrelated runs proceed concurrently.
type Listener struct {
	registry  *Registry
	scheduler *PollScheduler
	upserter  *Upserter
	shipper   *Shipper
	next      interfaces.NextScheduler // optional
	clock     clockwork.Clock
	opts      ListenerOptions
	logger    arbor.ILogger

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
	wg       sync.WaitGroup // pending finalize-cleanup tasks
}

var _ interfaces.RunListener = (*Listener)(nil)

// NewListener creates a lifecycle listener. next may be nil. A nil clock
// falls back to the real clock.
func NewListener(registry *Registry, scheduler *PollScheduler, upserter *Upserter, shipper *Shipper, next interfaces.NextScheduler, clock clockwork.Clock, opts ListenerOptions, logger arbor.ILogger) *Listener {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.FinalizeGrace <= 0 {
		opts.FinalizeGrace = 5 * time.Second
	}
	return &Listener{
		registry:  registry,
		scheduler: scheduler,
		upserter:  upserter,
		shipper:   shipper,
		next:      next,
		clock:     clock,
		opts:      opts,
		logger:    logger,
		runLocks:  make(map[string]*sync.Mutex),
	}
}

// PollRun is the sweep callback: upsert one tracked run under its keyed
// lock so sweeps never race lifecycle callbacks for the same run.
func (l *Listener) PollRun(ctx context.Context, run interfaces.Run) error {
	lock := l.lockFor(run.Key())
	lock.Lock()
	defer lock.Unlock()
	return l.upserter.Upsert(ctx, run)
}

// OnStarted tracks a qualifying run, initializes its log state and makes
// sure the poll scheduler is running.
func (l *Listener) OnStarted(ctx context.Context, run interfaces.Run) {
	lock := l.lockFor(run.Key())
	lock.Lock()
	defer lock.Unlock()

	if !l.qualifies(run) {
		l.logger.Debug().
			Str("run", run.Key()).
			Msg("Run does not qualify for build tracking")
		return
	}

	if description := run.Cause().Description(); description != "" {
		if err := run.SetDescription(ctx, description); err != nil {
			l.logger.Warn().
				Err(err).
				Str("run", run.Key()).
				Msg("Cannot set run description")
		}
	}

	if l.registry.Track(run) {
		l.logger.Info().
			Str("run", run.Key()).
			Msg("Started polling run")
	}
	l.shipper.Init(run)
	l.scheduler.Start()
}

// OnCompleted untracks the run, performs one final synchronous upsert and
// signals the external scheduler that a queued dependent may proceed. A
// final log shipment always happens, covering runs whose cause appeared
// late.
func (l *Listener) OnCompleted(ctx context.Context, run interfaces.Run) {
	lock := l.lockFor(run.Key())
	lock.Lock()
	defer lock.Unlock()

	if l.qualifies(run) {
		l.registry.Untrack(run.Key())
		l.upsert(ctx, run, "completed")
		l.signalNext(run)
	}
	l.ship(ctx, run, "completed")
}

// OnDeleted behaves like OnCompleted and additionally drops the run's
// in-memory log state.
func (l *Listener) OnDeleted(ctx context.Context, run interfaces.Run) {
	lock := l.lockFor(run.Key())
	lock.Lock()
	defer lock.Unlock()

	if l.qualifies(run) {
		l.registry.Untrack(run.Key())
		l.upsert(ctx, run, "deleted")
		l.signalNext(run)
	}
	l.ship(ctx, run, "deleted")
	l.shipper.Forget(run.Key())
}

// OnFinalized runs one more upsert and shipment, then schedules the
// two-phase cleanup: after the grace delay, a last shipment, a full chunk
// purge and removal of all per-run auxiliary state. The delay exists
// because finalize can fire before the very last log lines are flushed.
func (l *Listener) OnFinalized(ctx context.Context, run interfaces.Run) {
	lock := l.lockFor(run.Key())
	lock.Lock()

	if l.qualifies(run) {
		l.registry.Untrack(run.Key())
		l.upsert(ctx, run, "finalized")
	}
	l.ship(ctx, run, "finalized")
	lock.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		timer := l.clock.NewTimer(l.opts.FinalizeGrace)
		defer timer.Stop()
		<-timer.Chan()

		cleanupCtx := context.Background()

		lock := l.lockFor(run.Key())
		lock.Lock()
		defer lock.Unlock()

		l.logger.Info().
			Str("run", run.Key()).
			Msg("Final log shipment and annotation purge")

		l.ship(cleanupCtx, run, "purge")
		if err := l.shipper.Purge(cleanupCtx, run); err != nil {
			l.logger.Warn().
				Err(err).
				Str("run", run.Key()).
				Msg("Log annotation purge failed")
		}
		l.shipper.Forget(run.Key())
		l.dropLock(run.Key())
	}()
}

// Wait blocks until all pending finalize-cleanup tasks have run. Used on
// shutdown and in tests.
func (l *Listener) Wait() {
	l.wg.Wait()
}

// qualifies reports whether the run is eligible for tracking: pipeline
// kind, a trigger cause, and a job name passing the configured filters.
func (l *Listener) qualifies(run interfaces.Run) bool {
	if run.Kind() != models.RunKindPipeline || run.Cause() == nil {
		return false
	}

	name := run.JobName()
	if l.opts.JobNamePattern != nil && !l.opts.JobNamePattern.MatchString(name) {
		return false
	}
	if l.opts.SkipOrganizationPrefix != "" && strings.HasPrefix(name, l.opts.SkipOrganizationPrefix) {
		return false
	}
	if l.opts.SkipBranchSuffix != "" && strings.HasSuffix(name, l.opts.SkipBranchSuffix) {
		return false
	}
	return true
}

func (l *Listener) upsert(ctx context.Context, run interfaces.Run, event string) {
	if err := l.upserter.Upsert(ctx, run); err != nil {
		l.logger.Warn().
			Err(err).
			Str("run", run.Key()).
			Str("event", event).
			Msg("Final run upsert failed")
	}
}

func (l *Listener) ship(ctx context.Context, run interfaces.Run, event string) {
	if err := l.shipper.Ship(ctx, run); err != nil {
		if models.IsNotFound(err) || models.IsInvalid(err) {
			l.registry.Untrack(run.Key())
			l.shipper.Forget(run.Key())
			return
		}
		l.logger.Warn().
			Err(err).
			Str("run", run.Key()).
			Str("event", event).
			Msg("Log shipment failed")
	}
}

func (l *Listener) signalNext(run interfaces.Run) {
	if l.next != nil {
		l.next(run.JobName())
	}
}

// lockFor returns the keyed mutex serializing all operations for one run.
func (l *Listener) lockFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, exists := l.runLocks[key]
	if !exists {
		lock = &sync.Mutex{}
		l.runLocks[key] = lock
	}
	return lock
}

func (l *Listener) dropLock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.runLocks, key)
}

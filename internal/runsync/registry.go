// -----------------------------------------------------------------------
// Run registry and poll scheduler - tracked run set plus periodic sweep
// -----------------------------------------------------------------------

package runsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/interfaces"
)

// Registry is the concurrent set of runs currently eligible for periodic
// status polling, keyed by run display key. Membership spans "started" to
// "completed/deleted". All methods are safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]interfaces.Run
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		runs: make(map[string]interfaces.Run),
	}
}

// Track adds the run to the set. Idempotent: re-adding an already-tracked
// run is a no-op. Returns true when the run was newly added.
func (r *Registry) Track(run interfaces.Run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.Key()]; exists {
		return false
	}
	r.runs[run.Key()] = run
	return true
}

// Untrack removes the run. No-op when absent. Returns true when the run was
// present.
func (r *Registry) Untrack(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[key]; !exists {
		return false
	}
	delete(r.runs, key)
	return true
}

// Contains reports whether the run is currently tracked.
func (r *Registry) Contains(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.runs[key]
	return exists
}

// Snapshot returns a copy of the tracked runs, safe to iterate while the
// registry is mutated concurrently.
func (r *Registry) Snapshot() []interfaces.Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := make([]interfaces.Run, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	return runs
}

// Len returns the number of tracked runs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// PollFunc is invoked by the scheduler for every tracked run on each sweep.
// A non-nil error is logged and the sweep continues with the next run.
type PollFunc func(ctx context.Context, run interfaces.Run) error

// PollScheduler sweeps the registry on a fixed period, invoking the poll
// callback for every tracked run. Start is explicitly idempotent (CAS
// guarded); a stopped scheduler stays stopped, the supervisor builds a new
// one on reconfigure.
type PollScheduler struct {
	registry *Registry
	period   time.Duration
	poll     PollFunc
	clock    clockwork.Clock
	logger   arbor.ILogger

	started atomic.Bool
	stopped sync.Once
	stopCh  chan struct{}
}

// NewPollScheduler creates a scheduler over the given registry. A nil clock
// falls back to the real clock.
func NewPollScheduler(registry *Registry, period time.Duration, poll PollFunc, clock clockwork.Clock, logger arbor.ILogger) *PollScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PollScheduler{
		registry: registry,
		period:   period,
		poll:     poll,
		clock:    clock,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. Safe to call from multiple goroutines; only
// the first call has any effect.
func (s *PollScheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.logger.Info().
		Str("period", s.period.String()).
		Msg("Run status poll scheduler started")

	go s.loop()
}

// Stop halts the sweep loop. Idempotent. An upsert already in flight is not
// interrupted, but no further sweeps run.
func (s *PollScheduler) Stop() {
	s.stopped.Do(func() {
		close(s.stopCh)
	})
}

func (s *PollScheduler) loop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := s.clock.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logger.Info().Msg("Run status poll scheduler stopped")
			return
		case <-ticker.Chan():
			s.sweep(ctx)
		}
	}
}

// sweep polls every run in a snapshot of the registry. One run's failure
// never halts the sweep over the remaining runs.
func (s *PollScheduler) sweep(ctx context.Context) {
	for _, run := range s.registry.Snapshot() {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.poll(ctx, run); err != nil {
			s.logger.Warn().
				Err(err).
				Str("run", run.Key()).
				Msg("Run status poll failed, continuing sweep")
		}
	}
}

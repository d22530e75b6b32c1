package watchers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
)

// ClientFactory builds a remote build client for the given configuration.
type ClientFactory func(cfg common.SyncConfig) interfaces.BuildClient

// WatcherFactory assembles the watcher set for the given configuration and
// client. Called once per enable, after the host reports ready.
type WatcherFactory func(cfg common.SyncConfig, client interfaces.BuildClient) []interfaces.Watcher

// Supervisor owns the watcher set and the remote client, transitioning both
// atomically on configuration changes. Watcher startup waits for host
// readiness on a background gate task; Apply never blocks the caller.
type Supervisor struct {
	newClient     ClientFactory
	newWatchers   WatcherFactory
	ready         interfaces.ReadinessProbe
	probeInterval time.Duration
	clock         clockwork.Clock
	logger        arbor.ILogger

	mu         sync.Mutex
	client     interfaces.BuildClient
	watchers   []interfaces.Watcher
	gateCancel context.CancelFunc
	gateWG     sync.WaitGroup
	enabled    bool
	started    bool
}

// NewSupervisor creates a watcher supervisor. A nil clock falls back to the
// real clock.
func NewSupervisor(newClient ClientFactory, newWatchers WatcherFactory, ready interfaces.ReadinessProbe, probeInterval time.Duration, clock clockwork.Clock, logger arbor.ILogger) *Supervisor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if probeInterval <= 0 {
		probeInterval = 500 * time.Millisecond
	}
	return &Supervisor{
		newClient:     newClient,
		newWatchers:   newWatchers,
		ready:         ready,
		probeInterval: probeInterval,
		clock:         clock,
		logger:        logger,
	}
}

// Apply transitions the supervisor to the given configuration. Disabled
// stops everything and discards the client; enabled builds a fresh client
// and starts the watcher set once the host reports ready. Safe to call
// repeatedly; each call fully supersedes the previous configuration.
func (s *Supervisor) Apply(cfg common.SyncConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.teardownLocked()

	if !cfg.Enabled {
		s.logger.Info().Msg("Synchronization disabled")
		return
	}
	s.enabled = true
	s.client = s.newClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	s.gateCancel = cancel

	s.gateWG.Add(1)
	go s.gate(ctx, cfg, s.client)
}

// Stop tears down the watcher set, any pending gate task and the client.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()

	s.gateWG.Wait()
}

// Running reports whether the watcher set has been started.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// WatcherNames returns the names of the currently started watchers.
func (s *Supervisor) WatcherNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.watchers))
	for _, w := range s.watchers {
		names = append(names, w.Name())
	}
	return names
}

// teardownLocked cancels the gate task, stops every watcher and discards the
// client. One watcher's failing stop never prevents the others from
// stopping.
func (s *Supervisor) teardownLocked() {
	if s.gateCancel != nil {
		s.gateCancel()
		s.gateCancel = nil
	}

	for _, w := range s.watchers {
		s.stopWatcher(w)
	}
	s.watchers = nil

	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	s.enabled = false
	s.started = false
}

func (s *Supervisor) stopWatcher(w interfaces.Watcher) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("watcher", w.Name()).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Watcher stop panicked")
		}
	}()
	w.Stop()
	s.logger.Info().
		Str("watcher", w.Name()).
		Msg("Watcher stopped")
}

// gate polls the readiness probe until the host is up, then starts the
// watcher set. Cancelled by the next Apply or Stop.
func (s *Supervisor) gate(ctx context.Context, cfg common.SyncConfig, client interfaces.BuildClient) {
	defer s.gateWG.Done()

	ticker := s.clock.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		if !s.ready() {
			continue
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}

		watchers := s.newWatchers(cfg, client)
		started := watchers[:0]
		for _, w := range watchers {
			if err := w.Start(); err != nil {
				s.logger.Error().
					Err(err).
					Str("watcher", w.Name()).
					Msg("Watcher failed to start")
				continue
			}
			s.logger.Info().
				Str("watcher", w.Name()).
				Msg("Watcher started")
			started = append(started, w)
		}
		s.watchers = started
		s.started = true
		s.mu.Unlock()
		return
	}
}

// Package app wires the synchronization core, storage and watchers together.
package app

import (
	"context"
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/ci"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/events"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/remote"
	"github.com/ternarybob/vigil/internal/runsync"
	"github.com/ternarybob/vigil/internal/storage/badger"
	"github.com/ternarybob/vigil/internal/watchers"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB         *badger.BadgerDB
	Chunks     interfaces.ChunkStore
	Registry   *runsync.Registry
	Supervisor *watchers.Supervisor

	configWatcher *watchers.ConfigWatcher
	ready         atomic.Bool
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// The registry outlives client and watcher reconfigurations: tracked runs
	// resume polling after every re-apply.
	app.Registry = runsync.NewRegistry()
	app.initSupervisor()

	logger.Info().
		Bool("sync_enabled", cfg.Sync.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	db, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to open chunk database: %w", err)
	}

	a.DB = db
	a.Chunks = badger.NewChunkStore(db, a.Logger)
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initSupervisor builds the watcher supervisor over the client and watcher
// factories. Factories run on every enable so a reconfigure always gets a
// fresh client and watcher set.
func (a *App) initSupervisor() {
	newClient := func(cfg common.SyncConfig) interfaces.BuildClient {
		opts := []remote.ClientOption{remote.WithLogger(a.Logger)}
		if len(cfg.Namespaces) > 0 {
			opts = append(opts, remote.WithNamespace(cfg.Namespaces[0]))
		}
		return remote.NewClient(cfg.Server, cfg.Token, opts...)
	}

	probe := common.Duration(a.Config.Sync.Intervals.ReadyProbe, 0)
	a.Supervisor = watchers.NewSupervisor(newClient, a.buildWatchers, a.Ready, probe, nil, a.Logger)
}

// buildWatchers assembles the watcher set for one enable: the build watcher
// around the sync core, plus the enabled sibling relist watchers.
func (a *App) buildWatchers(cfg common.SyncConfig, client interfaces.BuildClient) []interfaces.Watcher {
	engine := ci.NewClient(cfg.EngineURL, cfg.EngineToken, ci.WithLogger(a.Logger))
	clock := clockwork.NewRealClock()

	shipper := runsync.NewShipper(client, a.Chunks, clock, a.Logger)
	upserter := runsync.NewUpserter(client, shipper, a.Registry, a.rootURLResolver(cfg, engine), nil, cfg.MaxStatusBytes, a.Logger)

	opts := runsync.ListenerOptions{
		SkipOrganizationPrefix: cfg.SkipOrganizationPrefix,
		SkipBranchSuffix:       cfg.SkipBranchSuffix,
		FinalizeGrace:          common.Duration(cfg.Intervals.FinalizeGrace, 0),
	}
	if cfg.JobNamePattern != "" {
		pattern, err := regexp.Compile(cfg.JobNamePattern)
		if err != nil {
			a.Logger.Error().
				Err(err).
				Str("pattern", cfg.JobNamePattern).
				Msg("Invalid job name pattern, tracking all job names")
		} else {
			opts.JobNamePattern = pattern
		}
	}

	var listener *runsync.Listener
	poll := func(ctx context.Context, run interfaces.Run) error {
		fresh, err := engine.Lookup(ctx, run.Key())
		if err != nil {
			if ci.IsNotFound(err) {
				a.Logger.Warn().
					Str("run", run.Key()).
					Msg("Run vanished from engine, untracking")
				a.Registry.Untrack(run.Key())
				shipper.Forget(run.Key())
				engine.Forget(run.Key())
				return nil
			}
			return err
		}
		return listener.PollRun(ctx, fresh)
	}

	scheduler := runsync.NewPollScheduler(a.Registry, common.Duration(cfg.Intervals.BuildPoll, 0), poll, clock, a.Logger)
	listener = runsync.NewListener(a.Registry, scheduler, upserter, shipper, nil, clock, opts, a.Logger)

	feed := events.NewFeed(events.NewDialer(cfg.EventsURL, cfg.EngineToken), engine, listener, a.Logger)

	set := []interfaces.Watcher{}
	if cfg.Watch.Build {
		prune := common.Duration(cfg.Intervals.BuildRelist, 0)
		set = append(set, watchers.NewBuildWatcher(feed, scheduler, a.Registry, shipper, client, prune, a.Logger))
	}
	if cfg.Watch.PipelineTemplate {
		interval := common.Duration(cfg.Intervals.PipelineTemplateRelist, 0)
		set = append(set, watchers.NewRelistWatcher("pipeline-templates", interval, func(ctx context.Context) error {
			return engine.RefreshResources(ctx, "pipeline-templates")
		}, a.Logger))
	}
	if cfg.Watch.Secret {
		interval := common.Duration(cfg.Intervals.SecretRelist, 0)
		set = append(set, watchers.NewRelistWatcher("secrets", interval, func(ctx context.Context) error {
			return engine.RefreshResources(ctx, "secrets")
		}, a.Logger))
	}
	if cfg.Watch.ConfigMap {
		interval := common.Duration(cfg.Intervals.ConfigMapRelist, 0)
		set = append(set, watchers.NewRelistWatcher("configmaps", interval, func(ctx context.Context) error {
			return engine.RefreshResources(ctx, "configmaps")
		}, a.Logger))
	}
	return set
}

// rootURLResolver resolves the externally reachable engine root for
// human-facing links: the configured public URL when set, the engine API
// root otherwise.
func (a *App) rootURLResolver(cfg common.SyncConfig, engine *ci.Client) interfaces.RootURLResolver {
	return func(ctx context.Context, namespace string) (string, error) {
		if cfg.PublicURL != "" {
			return cfg.PublicURL, nil
		}
		if engine.BaseURL() == "" {
			return "", fmt.Errorf("no engine URL configured for namespace %s", namespace)
		}
		return engine.BaseURL(), nil
	}
}

// Start applies the sync configuration and begins watching the config files
// for changes.
func (a *App) Start(configPaths ...string) error {
	a.Supervisor.Apply(a.Config.Sync)

	watched := make([]string, 0, len(configPaths))
	for _, p := range configPaths {
		if p != "" {
			watched = append(watched, p)
		}
	}
	if len(watched) == 0 {
		return nil
	}

	cw, err := watchers.NewConfigWatcher(a.Logger, watched...)
	if err != nil {
		// Reload-on-change is a convenience, not a requirement.
		a.Logger.Warn().Err(err).Msg("Config file watching unavailable")
		return nil
	}
	cw.OnReload(func(cfg *common.Config) {
		a.Config.Sync = cfg.Sync
		a.Supervisor.Apply(cfg.Sync)
	})
	cw.Start()
	a.configWatcher = cw
	return nil
}

// MarkReady flips the readiness flag the watcher supervisor gates on. The
// HTTP server calls this once it is listening.
func (a *App) MarkReady() {
	a.ready.Store(true)
}

// Ready reports whether the host process has completed startup.
func (a *App) Ready() bool {
	return a.ready.Load()
}

// Close closes all application resources
func (a *App) Close() error {
	if a.configWatcher != nil {
		if err := a.configWatcher.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Config watcher stop failed")
		}
	}

	a.Supervisor.Stop()

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			return fmt.Errorf("failed to close chunk database: %w", err)
		}
	}
	return nil
}

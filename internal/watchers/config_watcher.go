package watchers

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/vigil/internal/common"
)

// ReloadCallback receives the freshly loaded configuration after a config
// file change.
type ReloadCallback func(cfg *common.Config)

// ConfigWatcher reloads the configuration when any of the watched files
// change and notifies registered callbacks. Rapid successive writes are
// debounced, so editors that write in multiple syscalls trigger one reload.
type ConfigWatcher struct {
	paths    []string
	watcher  *fsnotify.Watcher
	logger   arbor.ILogger
	debounce time.Duration

	mu        sync.Mutex
	callbacks []ReloadCallback
	timer     *time.Timer
	done      chan struct{}
}

// NewConfigWatcher creates a watcher over the given config files.
func NewConfigWatcher(logger arbor.ILogger, paths ...string) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config file %s: %w", path, err)
		}
	}

	return &ConfigWatcher{
		paths:    paths,
		watcher:  watcher,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// OnReload registers a callback invoked after each successful reload.
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// Start begins watching for config file changes.
func (cw *ConfigWatcher) Start() {
	go cw.watchLoop()
}

// Stop stops watching. Pending debounced reloads are dropped.
func (cw *ConfigWatcher) Stop() error {
	close(cw.done)

	cw.mu.Lock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.mu.Unlock()

	return cw.watcher.Close()
}

func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cw.logger.Info().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Config file changed")
			cw.scheduleReload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn().
				Err(err).
				Msg("Config watcher error")
		}
	}
}

func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(cw.debounce, cw.reload)
}

func (cw *ConfigWatcher) reload() {
	select {
	case <-cw.done:
		return
	default:
	}

	cfg, err := common.LoadFromFiles(cw.paths...)
	if err != nil {
		cw.logger.Error().
			Err(err).
			Msg("Config reload failed, keeping previous configuration")
		return
	}

	cw.logger.Info().Msg("Configuration reloaded")

	cw.mu.Lock()
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	for _, callback := range callbacks {
		callback(cfg)
	}
}

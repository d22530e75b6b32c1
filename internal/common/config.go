package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Server      ServerConfig  `toml:"server"`
	Sync        SyncConfig    `toml:"sync"`
	Storage     StorageConfig `toml:"storage"`
	Logging     LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gte=0,lte=65535"`
	Host string `toml:"host"`
}

// SyncConfig configures the build synchronization core and its watchers.
type SyncConfig struct {
	Enabled bool `toml:"enabled"`

	// Remote build resource API.
	Server     string   `toml:"server" validate:"omitempty,url"`
	Token      string   `toml:"token"`      // credential reference, empty for anonymous
	Namespaces []string `toml:"namespaces"` // empty = client default namespace

	// CI engine endpoints.
	EngineURL   string `toml:"engine_url" validate:"omitempty,url"` // engine API root (run lookup, console logs)
	EngineToken string `toml:"engine_token"`
	EventsURL   string `toml:"events_url"` // websocket lifecycle event feed
	PublicURL   string `toml:"public_url"` // externally reachable engine root for human-facing links

	// Run qualification rules.
	JobNamePattern         string `toml:"job_name_pattern"`
	SkipOrganizationPrefix string `toml:"skip_organization_prefix"`
	SkipBranchSuffix       string `toml:"skip_branch_suffix"`

	// Status-json annotation size cap in bytes. Blobs over the cap abort
	// the upsert as a serialization failure.
	MaxStatusBytes int `toml:"max_status_bytes" validate:"gte=0"`

	Watch     WatchConfig     `toml:"watch"`
	Intervals IntervalsConfig `toml:"intervals"`
}

// WatchConfig enables individual watcher kinds.
type WatchConfig struct {
	Build            bool `toml:"build"`
	PipelineTemplate bool `toml:"pipeline_template"`
	Secret           bool `toml:"secret"`
	ConfigMap        bool `toml:"config_map"`
}

// IntervalsConfig holds the per-kind cadences as duration strings.
type IntervalsConfig struct {
	BuildPoll              string `toml:"build_poll"`               // run status sweep period
	BuildRelist            string `toml:"build_relist"`             // deleted-build prune sweep
	PipelineTemplateRelist string `toml:"pipeline_template_relist"` // sibling watcher relists
	SecretRelist           string `toml:"secret_relist"`
	ConfigMapRelist        string `toml:"config_map_relist"`
	FinalizeGrace          string `toml:"finalize_grace"` // delay before final log purge
	ReadyProbe             string `toml:"ready_probe"`    // host readiness poll period
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig returns the built-in defaults applied before any config
// file, environment variable or flag.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8475,
			Host: "localhost",
		},
		Sync: SyncConfig{
			Enabled:        true,
			MaxStatusBytes: 256 * 1024,
			Watch: WatchConfig{
				Build: true,
			},
			Intervals: IntervalsConfig{
				BuildPoll:              "1s",
				BuildRelist:            "300s",
				PipelineTemplateRelist: "300s",
				SecretRelist:           "300s",
				ConfigMapRelist:        "300s",
				FinalizeGrace:          "5s",
				ReadyProbe:             "500ms",
			},
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/vigil",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env. Later files override earlier
// files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("VIGIL_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("VIGIL_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("VIGIL_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if enabled := os.Getenv("VIGIL_SYNC_ENABLED"); enabled != "" {
		config.Sync.Enabled = enabled == "true" || enabled == "1"
	}
	if server := os.Getenv("VIGIL_SYNC_SERVER"); server != "" {
		config.Sync.Server = server
	}
	if token := os.Getenv("VIGIL_SYNC_TOKEN"); token != "" {
		config.Sync.Token = token
	}
	if namespaces := os.Getenv("VIGIL_SYNC_NAMESPACES"); namespaces != "" {
		config.Sync.Namespaces = splitString(namespaces, " ")
	}
	if engineURL := os.Getenv("VIGIL_ENGINE_URL"); engineURL != "" {
		config.Sync.EngineURL = engineURL
	}
	if engineToken := os.Getenv("VIGIL_ENGINE_TOKEN"); engineToken != "" {
		config.Sync.EngineToken = engineToken
	}
	if eventsURL := os.Getenv("VIGIL_EVENTS_URL"); eventsURL != "" {
		config.Sync.EventsURL = eventsURL
	}
	if publicURL := os.Getenv("VIGIL_PUBLIC_URL"); publicURL != "" {
		config.Sync.PublicURL = publicURL
	}

	if path := os.Getenv("VIGIL_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}

	if level := os.Getenv("VIGIL_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks structural constraints and interval formats.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	intervals := map[string]string{
		"build_poll":               c.Sync.Intervals.BuildPoll,
		"build_relist":             c.Sync.Intervals.BuildRelist,
		"pipeline_template_relist": c.Sync.Intervals.PipelineTemplateRelist,
		"secret_relist":            c.Sync.Intervals.SecretRelist,
		"config_map_relist":        c.Sync.Intervals.ConfigMapRelist,
		"finalize_grace":           c.Sync.Intervals.FinalizeGrace,
		"ready_probe":              c.Sync.Intervals.ReadyProbe,
	}
	for name, value := range intervals {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid configuration: sync.intervals.%s %q: %w", name, value, err)
		}
	}

	return nil
}

// Duration parses a configured interval, falling back to def when the value
// is empty or malformed.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// IsProduction returns true when running in production mode
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func splitString(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Package config loads the fleet-server configuration from a YAML file and
// applies environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the terminal fleet orchestrator.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Server    Server    `yaml:"server"`
	Poll      Poll      `yaml:"poll"`
	Terminals Terminals `yaml:"terminals"`
	Launcher  Launcher  `yaml:"launcher"`
	Logging   Logging   `yaml:"logging"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir      string `yaml:"data_dir"`
	RegistryPath string `yaml:"registry_path"` // JSON terminal registry
	KeyPath      string `yaml:"key_path"`      // vault key file
	CachePath    string `yaml:"cache_path"`    // shared snapshot cache (SQLite)
}

// Server holds network listener configuration.
type Server struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`

	// AuthToken, when set, is required as a bearer token on every admin
	// API request.
	AuthToken Secret `yaml:"auth_token"`
}

// Poll defines the per-terminal polling and retry policy.
type Poll struct {
	Interval    Duration `yaml:"interval"`     // time between polls while connected
	CallTimeout Duration `yaml:"call_timeout"` // timeout for a single terminal call
	BackoffBase Duration `yaml:"backoff_base"` // first reconnect delay
	BackoffCap  Duration `yaml:"backoff_cap"`  // max reconnect delay
	MaxRetries  int      `yaml:"max_retries"`  // consecutive failures before cool-down
	Cooldown    Duration `yaml:"cooldown"`     // extended sleep after max_retries

	SnapshotTTL Duration `yaml:"snapshot_ttl"` // terminal:{id} cache TTL
	StatusTTL   Duration `yaml:"status_ttl"`   // terminal_status:{id} cache TTL
	StatsTTL    Duration `yaml:"stats_ttl"`    // daily_stats:{id}:{date} cache TTL

	// Timezone is the IANA location used for the "today" boundary when
	// fetching closed deals. Empty means the host's local zone.
	Timezone string `yaml:"timezone"`
}

// Terminals describes the broker-slot directories backing terminal IDs.
type Terminals struct {
	BasePath string `yaml:"base_path"` // contains Account<N> slot directories
	MinSlot  int    `yaml:"min_slot"`
	MaxSlot  int    `yaml:"max_slot"`
}

// Launcher selects the worker deployment mode.
type Launcher struct {
	// Mode is "goroutine" (workers inside fleet-server) or "process"
	// (one terminal-worker OS process per terminal).
	Mode        string   `yaml:"mode"`
	WorkerBin   string   `yaml:"worker_bin"`
	GracePeriod Duration `yaml:"grace_period"` // SIGTERM → SIGKILL escalation
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Duration wraps time.Duration so YAML values like "5s" parse directly.
type Duration time.Duration

// UnmarshalYAML parses a duration string ("5s", "1m30s") or a bare number
// of seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs float64
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value on line %d", node.Line)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a Config with all defaults applied and no file read.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MTFLEET_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("MTFLEET_REGISTRY_PATH"); v != "" {
		cfg.Storage.RegistryPath = v
	}
	if v := os.Getenv("MTFLEET_KEY_PATH"); v != "" {
		cfg.Storage.KeyPath = v
	}
	if v := os.Getenv("MTFLEET_CACHE_PATH"); v != "" {
		cfg.Storage.CachePath = v
	}
	if v := os.Getenv("MTFLEET_TERMINALS_BASE"); v != "" {
		cfg.Terminals.BasePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MTFLEET_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = Secret(v)
	}
	if v := os.Getenv("MTFLEET_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
}

// applyDefaults fills zero-valued fields with the reference deployment
// profile (5s polls, base=5s cap=60s backoff, 5 retries, 5m cool-down).
func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.RegistryPath == "" {
		cfg.Storage.RegistryPath = cfg.Storage.DataDir + "/terminals.json"
	}
	if cfg.Storage.KeyPath == "" {
		cfg.Storage.KeyPath = cfg.Storage.DataDir + "/vault.key"
	}
	if cfg.Storage.CachePath == "" {
		cfg.Storage.CachePath = cfg.Storage.DataDir + "/cache.db"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}

	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = Duration(5 * time.Second)
	}
	if cfg.Poll.CallTimeout == 0 {
		cfg.Poll.CallTimeout = Duration(15 * time.Second)
	}
	if cfg.Poll.BackoffBase == 0 {
		cfg.Poll.BackoffBase = Duration(5 * time.Second)
	}
	if cfg.Poll.BackoffCap == 0 {
		cfg.Poll.BackoffCap = Duration(60 * time.Second)
	}
	if cfg.Poll.MaxRetries == 0 {
		cfg.Poll.MaxRetries = 5
	}
	if cfg.Poll.Cooldown == 0 {
		cfg.Poll.Cooldown = Duration(5 * time.Minute)
	}
	if cfg.Poll.SnapshotTTL == 0 {
		cfg.Poll.SnapshotTTL = Duration(2 * cfg.Poll.Interval.Std())
	}
	if cfg.Poll.StatusTTL == 0 {
		cfg.Poll.StatusTTL = Duration(5 * time.Minute)
	}
	if cfg.Poll.StatsTTL == 0 {
		cfg.Poll.StatsTTL = Duration(24 * time.Hour)
	}

	if cfg.Terminals.BasePath == "" {
		cfg.Terminals.BasePath = "terminals"
	}
	if cfg.Terminals.MinSlot == 0 {
		cfg.Terminals.MinSlot = 2
	}
	if cfg.Terminals.MaxSlot == 0 {
		cfg.Terminals.MaxSlot = 10
	}

	if cfg.Launcher.Mode == "" {
		cfg.Launcher.Mode = "goroutine"
	}
	if cfg.Launcher.WorkerBin == "" {
		cfg.Launcher.WorkerBin = "terminal-worker"
	}
	if cfg.Launcher.GracePeriod == 0 {
		cfg.Launcher.GracePeriod = Duration(5 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

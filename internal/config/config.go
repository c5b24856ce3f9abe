package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/pipesearch/internal/job"
)

// EnvPrefix prefixes every environment override, e.g. PIPESEARCH_SERVER_ADDRESS.
const EnvPrefix = "PIPESEARCH"

// Config represents the complete pipesearch configuration
type Config struct {
	Server    ServerConfig            `mapstructure:"server"`
	Search    SearchConfig            `mapstructure:"search"`
	Scheduler SchedulerConfig         `mapstructure:"scheduler"`
	Store     StoreConfig             `mapstructure:"store"`
	Workers   map[string]WorkerConfig `mapstructure:"workers"`
	Stream    StreamConfig            `mapstructure:"stream"`
	Tracing   TracingConfig           `mapstructure:"tracing"`
	Logging   LoggingConfig           `mapstructure:"logging"`
	Paths     PathsConfig             `mapstructure:"paths"`
}

// ServerConfig controls the remote API
type ServerConfig struct {
	// Address is the listen address (default: ":45042")
	Address string `mapstructure:"address"`
	// AuthSecret enables HS256 bearer token checks when set
	AuthSecret string `mapstructure:"auth_secret"`
	// CORSOrigins lists allowed origins, "*" for any (default: ["*"])
	CORSOrigins []string `mapstructure:"cors_origins"`
	// ShutdownTimeoutSeconds bounds graceful shutdown (default: 10)
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// SearchConfig controls pipeline searches
type SearchConfig struct {
	// TimeoutMinutes is the default search budget, 0 = no deadline (default: 60)
	TimeoutMinutes float64 `mapstructure:"timeout_minutes"`
	// TimeoutRunSeconds bounds one pipeline run inside a worker (default: 600)
	TimeoutRunSeconds int `mapstructure:"timeout_run_seconds"`
	// TuneTopK is how many top pipelines get tuned after a search (default: 5)
	TuneTopK int `mapstructure:"tune_top_k"`
	// ExportTop is how many pipelines the search command exports (default: 20)
	ExportTop int `mapstructure:"export_top"`
	// Workers bounds concurrent orchestration tasks, 0 = CPU count
	Workers int `mapstructure:"workers"`
	// ReceiveTimeoutMs is the generator loop's receive timeout (default: 3000)
	ReceiveTimeoutMs int `mapstructure:"receive_timeout_ms"`
}

// SchedulerConfig controls the job scheduler
type SchedulerConfig struct {
	// MaxRunning bounds concurrently running jobs, 0 = one per CPU up to 6
	MaxRunning int `mapstructure:"max_running"`
	// PollIntervalMs is the scheduler tick (default: 3000)
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	// MaxMemoryPercent holds new jobs above this host memory use, 0 = disabled (default: 90)
	MaxMemoryPercent float64 `mapstructure:"max_memory_percent"`
	// GraceSeconds is the SIGTERM to SIGKILL window for workers (default: 30)
	GraceSeconds int `mapstructure:"grace_seconds"`
}

// StoreConfig selects the pipeline database
type StoreConfig struct {
	// Driver is "sqlite" or "postgres" (default: "sqlite")
	Driver string `mapstructure:"driver"`
	// DSN is the postgres connection string or sqlite path.
	// Empty sqlite DSN uses <output_dir>/pipelines.sqlite3.
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	// CacheTTLMinutes caches pipeline lookups, 0 = no cache (default: 30)
	CacheTTLMinutes int `mapstructure:"cache_ttl_minutes"`
}

// WorkerConfig is the command launched for one job kind
type WorkerConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Env     []string `mapstructure:"env"`
}

// StreamConfig controls event fan-out outside the process
type StreamConfig struct {
	// RedisURL enables cross-instance fan-out, e.g. redis://localhost:6379/0
	RedisURL string `mapstructure:"redis_url"`
	// RedisChannel is the pub/sub channel (default: "pipesearch:events")
	RedisChannel string `mapstructure:"redis_channel"`
	// NATSURL enables the JetStream event sink
	NATSURL string `mapstructure:"nats_url"`
	// NATSStream is the JetStream stream name (default: "EVENTS")
	NATSStream string `mapstructure:"nats_stream"`
	// Buffer is the per-subscriber buffer of the in-process stream (default: 256)
	Buffer int `mapstructure:"buffer"`
}

// TracingConfig controls OpenTelemetry export
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Endpoint is the OTLP/HTTP collector host:port (default: "localhost:4318")
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
	// SampleRatio is the fraction of traces kept (default: 1)
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Console also writes readable lines to stderr (default: true)
	Console bool `mapstructure:"console"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// PathsConfig controls where pipesearch stores data
type PathsConfig struct {
	// OutputDir holds session directories. Supports ~ (default: "./output")
	OutputDir string `mapstructure:"output_dir"`
	// RuntimeDir receives training artifacts, empty = <output_dir>/runtime
	RuntimeDir string `mapstructure:"runtime_dir"`
	// LogDir holds the service log, empty = <output_dir>/logs
	LogDir string `mapstructure:"log_dir"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:                ":45042",
			CORSOrigins:            []string{"*"},
			ShutdownTimeoutSeconds: 10,
		},
		Search: SearchConfig{
			TimeoutMinutes:    60,
			TimeoutRunSeconds: 600,
			TuneTopK:          5,
			ExportTop:         20,
			ReceiveTimeoutMs:  3000,
		},
		Scheduler: SchedulerConfig{
			PollIntervalMs:   3000,
			MaxMemoryPercent: 90,
			GraceSeconds:     30,
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			CacheTTLMinutes: 30,
		},
		Workers: map[string]WorkerConfig{},
		Stream: StreamConfig{
			RedisChannel: "pipesearch:events",
			NATSStream:   "EVENTS",
			Buffer:       256,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			OutputDir: "./output",
		},
	}
}

// SearchTimeout returns the default search budget (0 means no deadline)
func (c *SearchConfig) SearchTimeout() time.Duration {
	return time.Duration(c.TimeoutMinutes * float64(time.Minute))
}

// TimeoutRun returns the per-run worker budget
func (c *SearchConfig) TimeoutRun() time.Duration {
	return time.Duration(c.TimeoutRunSeconds) * time.Second
}

// ReceiveTimeout returns the generator receive timeout
func (c *SearchConfig) ReceiveTimeout() time.Duration {
	return time.Duration(c.ReceiveTimeoutMs) * time.Millisecond
}

// PollInterval returns the scheduler tick
func (c *SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Grace returns the worker termination grace period
func (c *SchedulerConfig) Grace() time.Duration {
	return time.Duration(c.GraceSeconds) * time.Second
}

// CacheTTL returns the pipeline cache lifetime (0 means no cache)
func (c *StoreConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// ShutdownTimeout returns the graceful shutdown bound
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// ResolveOutputDir returns the absolute output directory with ~ expanded.
func (p *PathsConfig) ResolveOutputDir() string {
	return resolvePath(p.OutputDir)
}

// ResolveRuntimeDir returns the runtime directory, defaulting under the
// output directory.
func (p *PathsConfig) ResolveRuntimeDir() string {
	if p.RuntimeDir == "" {
		return filepath.Join(p.ResolveOutputDir(), "runtime")
	}
	return resolvePath(p.RuntimeDir)
}

// ResolveLogDir returns the log directory, defaulting under the output
// directory.
func (p *PathsConfig) ResolveLogDir() string {
	if p.LogDir == "" {
		return filepath.Join(p.ResolveOutputDir(), "logs")
	}
	return resolvePath(p.LogDir)
}

// ResolveDSN returns the database DSN, placing a default sqlite file in the
// output directory.
func (c *Config) ResolveDSN() string {
	if c.Store.DSN == "" && (c.Store.Driver == "" || c.Store.Driver == "sqlite") {
		return filepath.Join(c.Paths.ResolveOutputDir(), "pipelines.sqlite3")
	}
	return c.Store.DSN
}

// Commands converts the worker table into job commands.
func (c *Config) Commands() map[string]job.Command {
	cmds := make(map[string]job.Command, len(c.Workers))
	for kind, w := range c.Workers {
		cmds[kind] = job.Command{Path: w.Command, Args: slices.Clone(w.Args), Env: slices.Clone(w.Env)}
	}
	return cmds
}

func resolvePath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = home
		}
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Server defaults
	viper.SetDefault("server.address", defaults.Server.Address)
	viper.SetDefault("server.auth_secret", defaults.Server.AuthSecret)
	viper.SetDefault("server.cors_origins", defaults.Server.CORSOrigins)
	viper.SetDefault("server.shutdown_timeout_seconds", defaults.Server.ShutdownTimeoutSeconds)

	// Search defaults
	viper.SetDefault("search.timeout_minutes", defaults.Search.TimeoutMinutes)
	viper.SetDefault("search.timeout_run_seconds", defaults.Search.TimeoutRunSeconds)
	viper.SetDefault("search.tune_top_k", defaults.Search.TuneTopK)
	viper.SetDefault("search.export_top", defaults.Search.ExportTop)
	viper.SetDefault("search.workers", defaults.Search.Workers)
	viper.SetDefault("search.receive_timeout_ms", defaults.Search.ReceiveTimeoutMs)

	// Scheduler defaults
	viper.SetDefault("scheduler.max_running", defaults.Scheduler.MaxRunning)
	viper.SetDefault("scheduler.poll_interval_ms", defaults.Scheduler.PollIntervalMs)
	viper.SetDefault("scheduler.max_memory_percent", defaults.Scheduler.MaxMemoryPercent)
	viper.SetDefault("scheduler.grace_seconds", defaults.Scheduler.GraceSeconds)

	// Store defaults
	viper.SetDefault("store.driver", defaults.Store.Driver)
	viper.SetDefault("store.dsn", defaults.Store.DSN)
	viper.SetDefault("store.max_open_conns", defaults.Store.MaxOpenConns)
	viper.SetDefault("store.cache_ttl_minutes", defaults.Store.CacheTTLMinutes)

	// Stream defaults
	viper.SetDefault("stream.redis_url", defaults.Stream.RedisURL)
	viper.SetDefault("stream.redis_channel", defaults.Stream.RedisChannel)
	viper.SetDefault("stream.nats_url", defaults.Stream.NATSURL)
	viper.SetDefault("stream.nats_stream", defaults.Stream.NATSStream)
	viper.SetDefault("stream.buffer", defaults.Stream.Buffer)

	// Tracing defaults
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.endpoint", defaults.Tracing.Endpoint)
	viper.SetDefault("tracing.insecure", defaults.Tracing.Insecure)
	viper.SetDefault("tracing.sample_ratio", defaults.Tracing.SampleRatio)

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.console", defaults.Logging.Console)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Paths defaults
	viper.SetDefault("paths.output_dir", defaults.Paths.OutputDir)
	viper.SetDefault("paths.runtime_dir", defaults.Paths.RuntimeDir)
	viper.SetDefault("paths.log_dir", defaults.Paths.LogDir)
}

// legacyEnv maps the environment variables of existing deployments onto
// config keys.
var legacyEnv = map[string]string{
	"paths.output_dir":       "D3MOUTPUTDIR",
	"search.timeout_minutes": "D3MTIMEOUT",
	"scheduler.max_running":  "D3MCPU",
}

// BindEnv enables PIPESEARCH_* overrides and the legacy variables.
// PIPESEARCH_* wins when both are set.
func BindEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	for key, legacy := range legacyEnv {
		_ = viper.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy)
	}
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.Workers == nil {
		cfg.Workers = map[string]WorkerConfig{}
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// Watch reloads the config file on change and hands every valid result to
// onChange. Invalid edits are reported to onError and otherwise ignored.
func Watch(onChange func(*Config), onError func(error)) {
	viper.OnConfigChange(func(fsnotify.Event) {
		cfg, err := Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pipesearch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pipesearch"
	}
	return filepath.Join(home, ".config", "pipesearch")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/pipesearch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or create the pipesearch configuration",
	Long: `View or create the pipesearch configuration.

Without arguments, displays the effective configuration after defaults,
the config file and environment overrides are applied.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/pipesearch/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "# Config file: (none - using defaults)\n")
	}
	if cfg.Server.AuthSecret != "" {
		cfg.Server.AuthSecret = "********"
	}

	data, err := yaml.Marshal(toDocument(cfg))
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// toDocument renders a config with the same keys the file uses.
func toDocument(cfg *config.Config) map[string]any {
	workers := make(map[string]any, len(cfg.Workers))
	for kind, w := range cfg.Workers {
		workers[kind] = map[string]any{"command": w.Command, "args": w.Args, "env": w.Env}
	}
	return map[string]any{
		"server": map[string]any{
			"address":                  cfg.Server.Address,
			"auth_secret":              cfg.Server.AuthSecret,
			"cors_origins":             cfg.Server.CORSOrigins,
			"shutdown_timeout_seconds": cfg.Server.ShutdownTimeoutSeconds,
		},
		"search": map[string]any{
			"timeout_minutes":     cfg.Search.TimeoutMinutes,
			"timeout_run_seconds": cfg.Search.TimeoutRunSeconds,
			"tune_top_k":          cfg.Search.TuneTopK,
			"export_top":          cfg.Search.ExportTop,
			"workers":             cfg.Search.Workers,
			"receive_timeout_ms":  cfg.Search.ReceiveTimeoutMs,
		},
		"scheduler": map[string]any{
			"max_running":        cfg.Scheduler.MaxRunning,
			"poll_interval_ms":   cfg.Scheduler.PollIntervalMs,
			"max_memory_percent": cfg.Scheduler.MaxMemoryPercent,
			"grace_seconds":      cfg.Scheduler.GraceSeconds,
		},
		"store": map[string]any{
			"driver":            cfg.Store.Driver,
			"dsn":               cfg.ResolveDSN(),
			"max_open_conns":    cfg.Store.MaxOpenConns,
			"cache_ttl_minutes": cfg.Store.CacheTTLMinutes,
		},
		"workers": workers,
		"stream": map[string]any{
			"redis_url":     cfg.Stream.RedisURL,
			"redis_channel": cfg.Stream.RedisChannel,
			"nats_url":      cfg.Stream.NATSURL,
			"nats_stream":   cfg.Stream.NATSStream,
			"buffer":        cfg.Stream.Buffer,
		},
		"tracing": map[string]any{
			"enabled":      cfg.Tracing.Enabled,
			"endpoint":     cfg.Tracing.Endpoint,
			"insecure":     cfg.Tracing.Insecure,
			"sample_ratio": cfg.Tracing.SampleRatio,
		},
		"logging": map[string]any{
			"level":       cfg.Logging.Level,
			"console":     cfg.Logging.Console,
			"max_size_mb": cfg.Logging.MaxSizeMB,
			"max_backups": cfg.Logging.MaxBackups,
		},
		"paths": map[string]any{
			"output_dir":  cfg.Paths.ResolveOutputDir(),
			"runtime_dir": cfg.Paths.ResolveRuntimeDir(),
			"log_dir":     cfg.Paths.ResolveLogDir(),
		},
	}
}

// defaultConfigFile is the commented file written by config init.
const defaultConfigFile = `# Pipesearch Configuration

# Remote API
server:
  address: ":45042"
  # Set to require HS256 bearer tokens on /api/v1
  auth_secret: ""
  cors_origins: ["*"]
  shutdown_timeout_seconds: 10

# Pipeline searches
search:
  # Search budget in minutes, 0 = no deadline
  timeout_minutes: 60
  # Budget of one pipeline run inside a worker
  timeout_run_seconds: 600
  # How many of the best pipelines get tuned after a search
  tune_top_k: 5
  # How many pipelines 'pipesearch search' exports
  export_top: 20
  # Concurrent orchestration tasks, 0 = CPU count
  workers: 0
  receive_timeout_ms: 3000

# Job scheduling
scheduler:
  # Concurrently running worker processes, 0 = one per CPU up to 6
  max_running: 0
  poll_interval_ms: 3000
  # Hold new jobs while host memory use is above this percentage, 0 = off
  max_memory_percent: 90
  # SIGTERM to SIGKILL window for workers
  grace_seconds: 30

# Pipeline database
store:
  # sqlite or postgres
  driver: sqlite
  # Empty sqlite DSN uses <output_dir>/pipelines.sqlite3
  dsn: ""
  max_open_conns: 0
  cache_ttl_minutes: 30

# Worker commands per job kind: generator, score, tune, train, test
workers: {}
#  generator:
#    command: /usr/local/bin/pipeline-generator
#  score:
#    command: /usr/local/bin/pipeline-worker
#    args: ["score"]

# Event fan-out
stream:
  redis_url: ""
  redis_channel: "pipesearch:events"
  nats_url: ""
  nats_stream: EVENTS
  buffer: 256

# OpenTelemetry export
tracing:
  enabled: false
  endpoint: "localhost:4318"
  insecure: true
  sample_ratio: 1

logging:
  # debug, info, warn, error
  level: info
  console: true
  max_size_mb: 10
  max_backups: 3

paths:
  output_dir: ./output
  # Empty = <output_dir>/runtime
  runtime_dir: ""
  # Empty = <output_dir>/logs
  log_dir: ""
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Configure the worker commands before running a search.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_SERVER_ADDRESS)\n", config.EnvPrefix, config.EnvPrefix)
	fmt.Fprintln(out, "Legacy variables: D3MOUTPUTDIR, D3MTIMEOUT, D3MCPU")
	return nil
}

package config

import (
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/Iron-Ham/pipesearch/internal/job"
	"github.com/Iron-Ham/pipesearch/internal/orchestrator"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "scheduler.max_running")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidDrivers returns the supported store drivers
func ValidDrivers() []string {
	return []string{"sqlite", "postgres"}
}

// WorkerKinds returns the job kinds a worker command can be configured for
func WorkerKinds() []string {
	return append([]string{orchestrator.KindGenerator}, job.Kinds()...)
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateSearch()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateStore()...)
	errors = append(errors, c.validateWorkers()...)
	errors = append(errors, c.validateStream()...)
	errors = append(errors, c.validateTracing()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)

	return errors
}

// validateServer validates the ServerConfig
func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Server.Address) == "" {
		errors = append(errors, ValidationError{
			Field:   "server.address",
			Value:   c.Server.Address,
			Message: "cannot be empty",
		})
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.shutdown_timeout_seconds",
			Value:   c.Server.ShutdownTimeoutSeconds,
			Message: "must be non-negative",
		})
	}

	// HS256 secrets shorter than the hash output are trivially guessable
	const minSecretLength = 32
	if c.Server.AuthSecret != "" && len(c.Server.AuthSecret) < minSecretLength {
		errors = append(errors, ValidationError{
			Field:   "server.auth_secret",
			Value:   "<redacted>",
			Message: fmt.Sprintf("must be at least %d characters", minSecretLength),
		})
	}

	return errors
}

// validateSearch validates the SearchConfig
func (c *Config) validateSearch() []ValidationError {
	var errors []ValidationError

	if c.Search.TimeoutMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "search.timeout_minutes",
			Value:   c.Search.TimeoutMinutes,
			Message: "must be non-negative (0 disables the deadline)",
		})
	}

	const maxTimeoutRun = 24 * 60 * 60
	if c.Search.TimeoutRunSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "search.timeout_run_seconds",
			Value:   c.Search.TimeoutRunSeconds,
			Message: "must be positive",
		})
	} else if c.Search.TimeoutRunSeconds > maxTimeoutRun {
		errors = append(errors, ValidationError{
			Field:   "search.timeout_run_seconds",
			Value:   c.Search.TimeoutRunSeconds,
			Message: fmt.Sprintf("exceeds maximum of %d seconds (24h)", maxTimeoutRun),
		})
	}

	const maxTuneTopK = 100
	if c.Search.TuneTopK < 0 || c.Search.TuneTopK > maxTuneTopK {
		errors = append(errors, ValidationError{
			Field:   "search.tune_top_k",
			Value:   c.Search.TuneTopK,
			Message: fmt.Sprintf("must be between 0 and %d", maxTuneTopK),
		})
	}
	if c.Search.ExportTop < 0 {
		errors = append(errors, ValidationError{
			Field:   "search.export_top",
			Value:   c.Search.ExportTop,
			Message: "must be non-negative (0 exports every scored pipeline)",
		})
	}
	if c.Search.Workers < 0 {
		errors = append(errors, ValidationError{
			Field:   "search.workers",
			Value:   c.Search.Workers,
			Message: "must be non-negative (0 uses the CPU count)",
		})
	}

	const minReceive, maxReceive = 10, 60_000
	if c.Search.ReceiveTimeoutMs < minReceive || c.Search.ReceiveTimeoutMs > maxReceive {
		errors = append(errors, ValidationError{
			Field:   "search.receive_timeout_ms",
			Value:   c.Search.ReceiveTimeoutMs,
			Message: fmt.Sprintf("must be between %dms and %dms", minReceive, maxReceive),
		})
	}

	return errors
}

// validateScheduler validates the SchedulerConfig
func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	const maxMaxRunning = 256
	if c.Scheduler.MaxRunning < 0 || c.Scheduler.MaxRunning > maxMaxRunning {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_running",
			Value:   c.Scheduler.MaxRunning,
			Message: fmt.Sprintf("must be between 0 and %d (0 uses the CPU count)", maxMaxRunning),
		})
	}

	const minPoll, maxPoll = 10, 60_000
	if c.Scheduler.PollIntervalMs < minPoll || c.Scheduler.PollIntervalMs > maxPoll {
		errors = append(errors, ValidationError{
			Field:   "scheduler.poll_interval_ms",
			Value:   c.Scheduler.PollIntervalMs,
			Message: fmt.Sprintf("must be between %dms and %dms", minPoll, maxPoll),
		})
	}

	if c.Scheduler.MaxMemoryPercent < 0 || c.Scheduler.MaxMemoryPercent > 100 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_memory_percent",
			Value:   c.Scheduler.MaxMemoryPercent,
			Message: "must be between 0 and 100 (0 disables the check)",
		})
	}
	if c.Scheduler.GraceSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.grace_seconds",
			Value:   c.Scheduler.GraceSeconds,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateStore validates the StoreConfig
func (c *Config) validateStore() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidDrivers(), c.Store.Driver) {
		errors = append(errors, ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidDrivers(), ", ")),
		})
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		errors = append(errors, ValidationError{
			Field:   "store.dsn",
			Value:   c.Store.DSN,
			Message: "is required for the postgres driver",
		})
	}
	if c.Store.MaxOpenConns < 0 {
		errors = append(errors, ValidationError{
			Field:   "store.max_open_conns",
			Value:   c.Store.MaxOpenConns,
			Message: "must be non-negative",
		})
	}
	if c.Store.CacheTTLMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "store.cache_ttl_minutes",
			Value:   c.Store.CacheTTLMinutes,
			Message: "must be non-negative (0 disables the cache)",
		})
	}

	return errors
}

// validateWorkers validates the worker command table
func (c *Config) validateWorkers() []ValidationError {
	var errors []ValidationError

	kinds := make([]string, 0, len(c.Workers))
	for kind := range c.Workers {
		kinds = append(kinds, kind)
	}
	// Stable error order for the same config
	sort.Strings(kinds)

	for _, kind := range kinds {
		w := c.Workers[kind]
		field := "workers." + kind
		if !slices.Contains(WorkerKinds(), kind) {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   kind,
				Message: fmt.Sprintf("unknown worker kind, must be one of: %s", strings.Join(WorkerKinds(), ", ")),
			})
			continue
		}
		if strings.TrimSpace(w.Command) == "" {
			errors = append(errors, ValidationError{
				Field:   field + ".command",
				Value:   w.Command,
				Message: "cannot be empty",
			})
		}
		for i, kv := range w.Env {
			if !strings.Contains(kv, "=") {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("%s.env[%d]", field, i),
					Value:   kv,
					Message: "must have the form KEY=VALUE",
				})
			}
		}
	}

	return errors
}

// validateStream validates the StreamConfig
func (c *Config) validateStream() []ValidationError {
	var errors []ValidationError

	if c.Stream.Buffer <= 0 {
		errors = append(errors, ValidationError{
			Field:   "stream.buffer",
			Value:   c.Stream.Buffer,
			Message: "must be positive",
		})
	}
	if c.Stream.RedisURL != "" {
		u, err := url.Parse(c.Stream.RedisURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errors = append(errors, ValidationError{
				Field:   "stream.redis_url",
				Value:   c.Stream.RedisURL,
				Message: "must be a redis:// or rediss:// URL",
			})
		}
		if c.Stream.RedisChannel == "" {
			errors = append(errors, ValidationError{
				Field:   "stream.redis_channel",
				Value:   c.Stream.RedisChannel,
				Message: "cannot be empty when redis_url is set",
			})
		}
	}
	if c.Stream.NATSURL != "" && c.Stream.NATSStream == "" {
		errors = append(errors, ValidationError{
			Field:   "stream.nats_stream",
			Value:   c.Stream.NATSStream,
			Message: "cannot be empty when nats_url is set",
		})
	}

	return errors
}

// validateTracing validates the TracingConfig
func (c *Config) validateTracing() []ValidationError {
	var errors []ValidationError

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errors = append(errors, ValidationError{
			Field:   "tracing.endpoint",
			Value:   c.Tracing.Endpoint,
			Message: "cannot be empty when tracing is enabled",
		})
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errors = append(errors, ValidationError{
			Field:   "tracing.sample_ratio",
			Value:   c.Tracing.SampleRatio,
			Message: "must be between 0 and 1",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validatePaths validates the PathsConfig
func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	if strings.TrimSpace(c.Paths.OutputDir) == "" {
		errors = append(errors, ValidationError{
			Field:   "paths.output_dir",
			Value:   c.Paths.OutputDir,
			Message: "cannot be empty",
		})
	}

	fields := []struct {
		name string
		path string
	}{
		{"paths.output_dir", c.Paths.OutputDir},
		{"paths.runtime_dir", c.Paths.RuntimeDir},
		{"paths.log_dir", c.Paths.LogDir},
	}
	const maxPathLength = 4096
	for _, f := range fields {
		if strings.ContainsRune(f.path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   f.name,
				Value:   f.path,
				Message: "path contains invalid null character",
			})
		}
		if len(f.path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   f.name,
				Value:   f.path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	return errors
}

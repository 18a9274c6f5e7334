package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string       `toml:"environment"` // "development" or "production"
	Server      ServerConfig `toml:"server"`
	Storage     StorageConfig `toml:"storage"`
	Queue       QueueConfig  `toml:"queue"`
	Logging     LoggingConfig `toml:"logging"`
	JWOC        JWOCConfig   `toml:"jwoc"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// StorageConfig holds the SQLite connection and pragma settings used by both
// the job/work-item store and the goqite-backed queues.
type StorageConfig struct {
	Path           string `toml:"path"`             // Database file path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
	WAL            bool   `toml:"wal"`               // Enable WAL journal mode
	BusyTimeoutMS  int    `toml:"busy_timeout_ms"`   // SQLITE_BUSY retry window in milliseconds
	CacheSizeKB    int    `toml:"cache_size_kb"`     // Negative-KB page cache size passed to PRAGMA cache_size
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often pumps poll for messages
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent update-processor workers
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m"; not passed to the queue provider, goqite's own timeout applies
	MaxReceive        int    `toml:"max_receive"`        // not passed to the queue provider, goqite's own receive limit applies
	SchedulerName     string `toml:"scheduler_name"`     // Scheduler queue name
	UpdateName        string `toml:"update_name"`        // Update queue name
	WorkPrefix        string `toml:"work_prefix"`        // Per-service work queue name prefix
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default: "15:04:05.000"
}

// JWOCConfig holds the job/work-item orchestration tunables: error policy
// defaults, the Failer sweep parameters, and batching limits.
type JWOCConfig struct {
	WorkItemRetryLimit                           int                      `toml:"work_item_retry_limit"`
	MaxErrorsForJob                              int                      `toml:"max_errors_for_job"`
	MaxPercentErrorsForJob                       float64                  `toml:"max_percent_errors_for_job"`
	MinCompletedWorkItemsToCheckFailurePercentage int                     `toml:"min_completed_work_items_to_check_failure_percentage"`
	WorkFailerPeriodSec                          int                      `toml:"work_failer_period_sec"`
	FailableWorkAgeMinutes                       int                      `toml:"failable_work_age_minutes"`
	WorkFailerBatchSize                          int                      `toml:"work_failer_batch_size"`
	MaxWorkItemsOnUpdateQueueFailer              int                      `toml:"max_work_items_on_update_queue_failer"`
	DefaultTimeoutSeconds                        int                      `toml:"default_timeout_seconds"`
	MaxBatchInputs                               int                      `toml:"max_batch_inputs"`
	MaxBatchSizeInBytes                          int64                    `toml:"max_batch_size_in_bytes"`
	CMRMaxPageSize                                int                     `toml:"cmr_max_page_size"`
	MaxGranuleLimit                              int                      `toml:"max_granule_limit"`
	RetentionDays                                int                      `toml:"retention_days"`
	RetentionSweepSchedule                       string                   `toml:"retention_sweep_schedule"` // cron expression
	ServiceTimeoutSeconds                        map[string]int           `toml:"service_timeout_seconds"`  // per-service-id override of DefaultTimeoutSeconds
}

// TimeoutForService returns the configured timeout for a service id, falling
// back to DefaultTimeoutSeconds when no override is present.
func (j JWOCConfig) TimeoutForService(serviceID string) time.Duration {
	if secs, ok := j.ServiceTimeoutSeconds[serviceID]; ok {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(j.DefaultTimeoutSeconds) * time.Second
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in jwoc.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Path:          "./data/jwoc.db",
			WAL:           true,
			BusyTimeoutMS: 5000,
			CacheSizeKB:   20000,
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       8,
			VisibilityTimeout: "5m",
			MaxReceive:        5,
			SchedulerName:     "jwoc_scheduler",
			UpdateName:        "jwoc_updates",
			WorkPrefix:        "jwoc_work_",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05.000",
		},
		JWOC: JWOCConfig{
			WorkItemRetryLimit:                           3,
			MaxErrorsForJob:                               -1, // -1 = unlimited
			MaxPercentErrorsForJob:                        -1,
			MinCompletedWorkItemsToCheckFailurePercentage: 10,
			WorkFailerPeriodSec:                           60,
			FailableWorkAgeMinutes:                        60,
			WorkFailerBatchSize:                           100,
			MaxWorkItemsOnUpdateQueueFailer:               1000,
			DefaultTimeoutSeconds:                         14400, // 4 hours
			MaxBatchInputs:                                1000,
			MaxBatchSizeInBytes:                           2 * 1024 * 1024 * 1024, // 2GB
			CMRMaxPageSize:                                2000,
			MaxGranuleLimit:                               1000000,
			RetentionDays:                                 30,
			RetentionSweepSchedule:                        "0 3 * * *", // daily at 3am
			ServiceTimeoutSeconds: map[string]int{
				"aggregation-batchee": 900,
			},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env.
func LoadFromFile(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("JWOC_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("JWOC_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("JWOC_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if dbPath := os.Getenv("JWOC_STORAGE_PATH"); dbPath != "" {
		config.Storage.Path = dbPath
	}

	if pollInterval := os.Getenv("JWOC_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if concurrency := os.Getenv("JWOC_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}

	if level := os.Getenv("JWOC_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("JWOC_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("JWOC_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if maxErrors := os.Getenv("JWOC_MAX_ERRORS_FOR_JOB"); maxErrors != "" {
		if me, err := strconv.Atoi(maxErrors); err == nil {
			config.JWOC.MaxErrorsForJob = me
		}
	}
	if defaultTimeout := os.Getenv("JWOC_DEFAULT_TIMEOUT_SECONDS"); defaultTimeout != "" {
		if dt, err := strconv.Atoi(defaultTimeout); err == nil {
			config.JWOC.DefaultTimeoutSeconds = dt
		}
	}
}

// IsProduction returns true if the environment is set to production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// DeepCloneConfig creates a deep copy of the Config struct.
// Used by callers that hand a *Config to long-lived goroutines and must
// guard against later mutation of the original.
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}

	clone := *c

	if len(c.Logging.Output) > 0 {
		clone.Logging.Output = make([]string, len(c.Logging.Output))
		copy(clone.Logging.Output, c.Logging.Output)
	}

	if len(c.JWOC.ServiceTimeoutSeconds) > 0 {
		clone.JWOC.ServiceTimeoutSeconds = make(map[string]int, len(c.JWOC.ServiceTimeoutSeconds))
		for k, v := range c.JWOC.ServiceTimeoutSeconds {
			clone.JWOC.ServiceTimeoutSeconds[k] = v
		}
	}

	return &clone
}

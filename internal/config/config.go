// Package config loads engine tunables from a YAML file, a .env file and
// BATCH_* environment variables, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"batch-engine/internal/models"
)

const (
	defaultMaxConcurrentJobs = 4
	defaultBatchSize         = 100
	defaultMaxBatchSize      = 1000
	defaultWorkerPoolSize    = 10
	defaultQueueMaxSize      = 1000
	defaultMemoryThresholdMB = 512
	defaultMemoryCheck       = 5 * time.Second
	defaultBatchTimeout      = 30 * time.Second
	defaultShutdownTimeout   = 30 * time.Second

	defaultDynamicMinSize        = 10
	defaultDynamicMaxSize        = 1000
	defaultTargetProcessingTime  = 1 * time.Second
	defaultDynamicAdjustmentRate = 0.2

	defaultBreakerFailureThreshold = 5
	defaultBreakerSuccessThreshold = 3
	defaultBreakerTimeout          = 60 * time.Second

	defaultRetryMaxAttempts = 3
	defaultRetryBaseDelay   = 1 * time.Second
	defaultRetryMaxDelay    = 30 * time.Second
	defaultRetryMultiplier  = 2.0

	defaultMetricsInterval = 10 * time.Second
	defaultAlertQueueSize  = 800
	defaultAlertErrorRate  = 10.0
	defaultAlertMemoryMB   = 450
	defaultAlertProcessing = 5000.0

	defaultArchiveRetention = 30 * time.Minute
	defaultArchivePruneCron = "*/5 * * * *"

	defaultHTTPAddr       = ":8080"
	defaultNATSSubject    = "batch.events"
	defaultNATSBufferSize = 1024
)

// Config is the full engine configuration
type Config struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	DefaultBatchSize  int           `yaml:"default_batch_size"`
	MaxBatchSize      int           `yaml:"max_batch_size"`
	WorkerPoolSize    int           `yaml:"worker_pool_size"`
	QueueMaxSize      int           `yaml:"queue_max_size"`
	BatchTimeout      Duration      `yaml:"batch_timeout"`
	ShutdownTimeout   Duration      `yaml:"shutdown_timeout"`
	Memory            MemoryConfig  `yaml:"memory"`
	DynamicSizing     DynamicConfig `yaml:"dynamic_sizing"`
	CircuitBreaker    BreakerConfig `yaml:"circuit_breaker"`
	Retry             RetryConfig   `yaml:"retry"`
	Monitoring        MonitorConfig `yaml:"monitoring"`
	Archive           ArchiveConfig `yaml:"archive"`
	Submission        SubmitConfig  `yaml:"submission"`
	HTTP              HTTPConfig    `yaml:"http"`
	NATS              NATSConfig    `yaml:"nats"`
	Log               LogConfig     `yaml:"log"`
}

// MemoryConfig holds the memory pressure tunables
type MemoryConfig struct {
	ThresholdMB   SizeMB   `yaml:"threshold_mb"`
	GCThresholdMB SizeMB   `yaml:"gc_threshold_mb"`
	CheckInterval Duration `yaml:"check_interval"`
}

// DynamicConfig tunes adaptive batch sizing
type DynamicConfig struct {
	Enabled              bool     `yaml:"enabled"`
	MinSize              int      `yaml:"min_size"`
	MaxSize              int      `yaml:"max_size"`
	TargetProcessingTime Duration `yaml:"target_processing_time"`
	AdjustmentFactor     float64  `yaml:"adjustment_factor"`
}

// BreakerConfig tunes the per-processor circuit breakers
type BreakerConfig struct {
	Enabled          bool     `yaml:"enabled"`
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	Timeout          Duration `yaml:"timeout"`
}

// RetryConfig is the default retry policy
type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	BaseDelay         Duration `yaml:"base_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	Jitter            bool     `yaml:"jitter"`
	RetryableErrors   []string `yaml:"retryable_errors"`
}

// Policy converts the config block into a retry policy value
func (r RetryConfig) Policy() models.RetryPolicy {
	return models.RetryPolicy{
		MaxAttempts:       r.MaxAttempts,
		BaseDelay:         r.BaseDelay.Duration(),
		MaxDelay:          r.MaxDelay.Duration(),
		BackoffMultiplier: r.BackoffMultiplier,
		Jitter:            r.Jitter,
		RetryableErrors:   append([]string(nil), r.RetryableErrors...),
	}
}

// MonitorConfig controls periodic metrics emission and alerting
type MonitorConfig struct {
	Enabled         bool         `yaml:"enabled"`
	MetricsInterval Duration     `yaml:"metrics_interval"`
	AlertThresholds AlertsConfig `yaml:"alert_thresholds"`
}

// AlertsConfig holds the thresholds that raise alert events. Zero disables a check.
type AlertsConfig struct {
	QueueSize        int     `yaml:"queue_size"`
	ErrorRatePercent float64 `yaml:"error_rate_percent"`
	MemoryUsageMB    SizeMB  `yaml:"memory_usage_mb"`
	ProcessingTimeMs float64 `yaml:"processing_time_ms"`
}

// ArchiveConfig selects where terminal jobs are kept and for how long
type ArchiveConfig struct {
	Driver    string   `yaml:"driver"`
	Path      string   `yaml:"path"`
	Retention Duration `yaml:"retention"`
	PruneCron string   `yaml:"prune_cron"`
}

// SubmitConfig limits per-processor submission rates. Zero rate disables it.
type SubmitConfig struct {
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// NATSConfig enables event forwarding when URL is set
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	// BufferSize bounds the events waiting to be published; more are dropped.
	BufferSize int `yaml:"buffer_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		MaxConcurrentJobs: defaultMaxConcurrentJobs,
		DefaultBatchSize:  defaultBatchSize,
		MaxBatchSize:      defaultMaxBatchSize,
		WorkerPoolSize:    defaultWorkerPoolSize,
		QueueMaxSize:      defaultQueueMaxSize,
		BatchTimeout:      Duration(defaultBatchTimeout),
		ShutdownTimeout:   Duration(defaultShutdownTimeout),
		Memory: MemoryConfig{
			ThresholdMB:   defaultMemoryThresholdMB,
			GCThresholdMB: defaultMemoryThresholdMB,
			CheckInterval: Duration(defaultMemoryCheck),
		},
		DynamicSizing: DynamicConfig{
			Enabled:              true,
			MinSize:              defaultDynamicMinSize,
			MaxSize:              defaultDynamicMaxSize,
			TargetProcessingTime: Duration(defaultTargetProcessingTime),
			AdjustmentFactor:     defaultDynamicAdjustmentRate,
		},
		CircuitBreaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: defaultBreakerFailureThreshold,
			SuccessThreshold: defaultBreakerSuccessThreshold,
			Timeout:          Duration(defaultBreakerTimeout),
		},
		Retry: RetryConfig{
			MaxAttempts:       defaultRetryMaxAttempts,
			BaseDelay:         Duration(defaultRetryBaseDelay),
			MaxDelay:          Duration(defaultRetryMaxDelay),
			BackoffMultiplier: defaultRetryMultiplier,
			Jitter:            true,
		},
		Monitoring: MonitorConfig{
			Enabled:         true,
			MetricsInterval: Duration(defaultMetricsInterval),
			AlertThresholds: AlertsConfig{
				QueueSize:        defaultAlertQueueSize,
				ErrorRatePercent: defaultAlertErrorRate,
				MemoryUsageMB:    defaultAlertMemoryMB,
				ProcessingTimeMs: defaultAlertProcessing,
			},
		},
		Archive: ArchiveConfig{
			Driver:    "memory",
			Path:      "archive.db",
			Retention: Duration(defaultArchiveRetention),
			PruneCron: defaultArchivePruneCron,
		},
		HTTP: HTTPConfig{Addr: defaultHTTPAddr},
		NATS: NATSConfig{Subject: defaultNATSSubject, BufferSize: defaultNATSBufferSize},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the optional YAML file at path over the defaults, then applies
// .env and BATCH_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config file not found: %s", path)
			}
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	_ = godotenv.Load()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	ints := map[string]*int{
		"BATCH_MAX_CONCURRENT_JOBS":       &c.MaxConcurrentJobs,
		"BATCH_DEFAULT_BATCH_SIZE":        &c.DefaultBatchSize,
		"BATCH_MAX_BATCH_SIZE":            &c.MaxBatchSize,
		"BATCH_WORKER_POOL_SIZE":          &c.WorkerPoolSize,
		"BATCH_QUEUE_MAX_SIZE":            &c.QueueMaxSize,
		"BATCH_BREAKER_FAILURE_THRESHOLD": &c.CircuitBreaker.FailureThreshold,
		"BATCH_RETRY_MAX_ATTEMPTS":        &c.Retry.MaxAttempts,
		"BATCH_NATS_BUFFER_SIZE":          &c.NATS.BufferSize,
	}
	for key, dst := range ints {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"BATCH_TIMEOUT":           &c.BatchTimeout,
		"BATCH_SHUTDOWN_TIMEOUT":  &c.ShutdownTimeout,
		"BATCH_BREAKER_TIMEOUT":   &c.CircuitBreaker.Timeout,
		"BATCH_RETRY_BASE_DELAY":  &c.Retry.BaseDelay,
		"BATCH_RETRY_MAX_DELAY":   &c.Retry.MaxDelay,
		"BATCH_ARCHIVE_RETENTION": &c.Archive.Retention,
	}
	for key, dst := range durations {
		if v := getenv(key); v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = Duration(d)
		}
	}

	if v := getenv("BATCH_MEMORY_THRESHOLD"); v != "" {
		mb, err := ParseSizeMB(v)
		if err != nil {
			return fmt.Errorf("invalid BATCH_MEMORY_THRESHOLD: %w", err)
		}
		c.Memory.ThresholdMB = SizeMB(mb)
	}
	if v := getenv("BATCH_RETRYABLE_ERRORS"); v != "" {
		c.Retry.RetryableErrors = splitList(v)
	}

	strs := map[string]*string{
		"BATCH_HTTP_ADDR":      &c.HTTP.Addr,
		"BATCH_ARCHIVE_DRIVER": &c.Archive.Driver,
		"BATCH_ARCHIVE_PATH":   &c.Archive.Path,
		"BATCH_NATS_URL":       &c.NATS.URL,
		"BATCH_NATS_SUBJECT":   &c.NATS.Subject,
		"BATCH_LOG_LEVEL":      &c.Log.Level,
		"BATCH_LOG_FORMAT":     &c.Log.Format,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects configurations the engine cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.MaxConcurrentJobs <= 0 {
		errs = append(errs, errors.New("max_concurrent_jobs must be positive"))
	}
	if c.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("worker_pool_size must be positive"))
	}
	if c.NATS.BufferSize <= 0 {
		errs = append(errs, errors.New("nats.buffer_size must be positive"))
	}
	if c.MaxConcurrentJobs > 0 && c.WorkerPoolSize > 0 && c.MaxConcurrentJobs > c.WorkerPoolSize {
		errs = append(errs, fmt.Errorf("max_concurrent_jobs (%d) cannot exceed worker_pool_size (%d)", c.MaxConcurrentJobs, c.WorkerPoolSize))
	}
	if c.QueueMaxSize <= 0 {
		errs = append(errs, errors.New("queue_max_size must be positive"))
	}
	if c.DefaultBatchSize <= 0 || c.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("default_batch_size and max_batch_size must be positive"))
	} else if c.DefaultBatchSize > c.MaxBatchSize {
		errs = append(errs, fmt.Errorf("default_batch_size (%d) cannot exceed max_batch_size (%d)", c.DefaultBatchSize, c.MaxBatchSize))
	}
	if c.DynamicSizing.Enabled {
		d := c.DynamicSizing
		if d.MinSize <= 0 || d.MaxSize < d.MinSize {
			errs = append(errs, fmt.Errorf("dynamic_sizing range [%d, %d] is invalid", d.MinSize, d.MaxSize))
		}
		if d.AdjustmentFactor <= 0 || d.AdjustmentFactor >= 1 {
			errs = append(errs, fmt.Errorf("dynamic_sizing.adjustment_factor must be in (0, 1), got %v", d.AdjustmentFactor))
		}
		if d.TargetProcessingTime <= 0 {
			errs = append(errs, errors.New("dynamic_sizing.target_processing_time must be positive"))
		}
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.FailureThreshold <= 0 || c.CircuitBreaker.SuccessThreshold <= 0 {
			errs = append(errs, errors.New("circuit_breaker thresholds must be positive"))
		}
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts cannot be negative"))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_multiplier must be >= 1, got %v", c.Retry.BackoffMultiplier))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay cannot be smaller than retry.base_delay"))
	}
	if c.Memory.ThresholdMB <= 0 {
		errs = append(errs, errors.New("memory.threshold_mb must be positive"))
	}
	switch c.Archive.Driver {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown archive driver %q", c.Archive.Driver))
	}
	if c.Archive.PruneCron != "" && !gronx.New().IsValid(c.Archive.PruneCron) {
		errs = append(errs, fmt.Errorf("archive.prune_cron %q is not a valid cron expression", c.Archive.PruneCron))
	}
	if c.Submission.RatePerSec < 0 {
		errs = append(errs, errors.New("submission.rate_per_sec cannot be negative"))
	}
	return errors.Join(errs...)
}

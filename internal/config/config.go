// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for databases (always absolute)
	RedisAddr string
	RedisDB   int
	LogLevel  string
	Port      int
	DevMode   bool

	Admission AdmissionConfig
	Workers   WorkersConfig
	Monitor   MonitorConfig

	// WebhookURL, when set, routes monitor alerts to an HTTP endpoint
	// instead of the log.
	WebhookURL string
}

// AdmissionConfig holds distributed semaphore settings for evaluation jobs.
type AdmissionConfig struct {
	LimiterName    string
	MaxConcurrent  int
	LeaseDuration  time.Duration
	RetryDelay     time.Duration // delay between re-attempts after a denied acquire
	MaxRetries     int           // denied-admission retry ceiling
	ComputeRetries int           // transient computation error retry ceiling
	ComputeBackoff time.Duration // base backoff for transient computation errors, doubles per attempt
}

// WorkersConfig holds worker pool and per-task-type timeout settings.
type WorkersConfig struct {
	EvaluationWorkers  int
	MetricsSyncWorkers int

	EvaluationSoftTimeout  time.Duration
	EvaluationHardTimeout  time.Duration
	MetricsSyncSoftTimeout time.Duration
	MetricsSyncHardTimeout time.Duration
}

// MonitorConfig holds stuck-task monitor thresholds.
type MonitorConfig struct {
	Interval            time.Duration
	LongRunningFraction float64 // fraction of the soft timeout before a long-running alert
	RecentFailureWindow time.Duration
	FailureRateWindow   time.Duration
	FailureRateLimit    float64
	MinSampleSize       int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("FACTORHUB_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:    absDataDir,
		RedisAddr:  getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:    getEnvAsInt("REDIS_DB", 0),
		Port:       getEnvAsInt("PORT", 8001),
		DevMode:    getEnvAsBool("DEV_MODE", false),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		WebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),
		Admission: AdmissionConfig{
			LimiterName:    getEnv("EVAL_LIMITER_NAME", "factor_evaluation"),
			MaxConcurrent:  getEnvAsInt("EVAL_MAX_CONCURRENT", 3),
			LeaseDuration:  getEnvAsDuration("EVAL_LEASE_DURATION", time.Hour),
			RetryDelay:     getEnvAsDuration("EVAL_RETRY_DELAY", 30*time.Second),
			MaxRetries:     getEnvAsInt("EVAL_MAX_RETRIES", 10),
			ComputeRetries: getEnvAsInt("EVAL_COMPUTE_RETRIES", 3),
			ComputeBackoff: getEnvAsDuration("EVAL_COMPUTE_BACKOFF", 10*time.Second),
		},
		Workers: WorkersConfig{
			EvaluationWorkers:      getEnvAsInt("EVAL_WORKERS", 2),
			MetricsSyncWorkers:     getEnvAsInt("METRICS_SYNC_WORKERS", 1),
			EvaluationSoftTimeout:  getEnvAsDuration("EVAL_SOFT_TIMEOUT", 55*time.Minute),
			EvaluationHardTimeout:  getEnvAsDuration("EVAL_HARD_TIMEOUT", time.Hour),
			MetricsSyncSoftTimeout: getEnvAsDuration("METRICS_SYNC_SOFT_TIMEOUT", 5*time.Minute),
			MetricsSyncHardTimeout: getEnvAsDuration("METRICS_SYNC_HARD_TIMEOUT", 10*time.Minute),
		},
		Monitor: MonitorConfig{
			Interval:            getEnvAsDuration("MONITOR_INTERVAL", 30*time.Minute),
			LongRunningFraction: getEnvAsFloat("MONITOR_LONG_RUNNING_FRACTION", 0.8),
			RecentFailureWindow: getEnvAsDuration("MONITOR_RECENT_FAILURE_WINDOW", time.Hour),
			FailureRateWindow:   getEnvAsDuration("MONITOR_FAILURE_RATE_WINDOW", 24*time.Hour),
			FailureRateLimit:    getEnvAsFloat("MONITOR_FAILURE_RATE_LIMIT", 0.30),
			MinSampleSize:       getEnvAsInt("MONITOR_MIN_SAMPLE_SIZE", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and consistent
func (c *Config) Validate() error {
	if c.Admission.MaxConcurrent <= 0 {
		return fmt.Errorf("EVAL_MAX_CONCURRENT must be positive, got %d", c.Admission.MaxConcurrent)
	}
	if c.Admission.LeaseDuration <= 0 {
		return fmt.Errorf("EVAL_LEASE_DURATION must be positive, got %s", c.Admission.LeaseDuration)
	}
	// A lease that expires while its task is still legitimately running would
	// free the slot early. The hard timeout bounds legitimate run time.
	if c.Admission.LeaseDuration < c.Workers.EvaluationHardTimeout {
		return fmt.Errorf(
			"EVAL_LEASE_DURATION (%s) must be at least the hard timeout (%s)",
			c.Admission.LeaseDuration, c.Workers.EvaluationHardTimeout,
		)
	}
	if c.Workers.EvaluationSoftTimeout >= c.Workers.EvaluationHardTimeout {
		return fmt.Errorf(
			"EVAL_SOFT_TIMEOUT (%s) must be below EVAL_HARD_TIMEOUT (%s)",
			c.Workers.EvaluationSoftTimeout, c.Workers.EvaluationHardTimeout,
		)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

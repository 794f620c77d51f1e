package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/clinicguard/pkg/audit"
	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/retention"
	"github.com/platinummonkey/clinicguard/pkg/storage"
	"github.com/platinummonkey/clinicguard/pkg/storage/postgres"
)

const envPrefix = "CLINICGUARD_"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Session       SessionConfig
	Audit         AuditConfig
	Retention     RetentionConfig
	Observability ObservabilityConfig

	// RoleCatalogPath points at a YAML role catalog. Empty uses the built-in catalog.
	RoleCatalogPath string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// SessionConfig holds bearer token settings
type SessionConfig struct {
	TokenSecret string
	Issuer      string
	TTL         time.Duration
}

// AuditConfig tunes the audit recorder and its spill journal
type AuditConfig struct {
	JournalDir    string
	Recorder      audit.Config
	AlertInterval time.Duration
	AlertBurst    int
}

// RetentionConfig tunes the retention engine and its scheduler
type RetentionConfig struct {
	Schedule      string
	RunTimeout    time.Duration
	DeferInterval time.Duration
	LockTTL       time.Duration
	Workers       int
	TaskTimeout   time.Duration
	ArchivePrefix string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadWorkerConfig loads configuration for the retention worker. It serves
// no API, so server and session settings are not validated.
func LoadWorkerConfig() (*Config, error) {
	cfg := load()
	if err := cfg.validateBackend(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func load() *Config {
	return &Config{
		Server:          loadServerConfig(),
		Storage:         loadStorageConfig(),
		Session:         loadSessionConfig(),
		Audit:           loadAuditConfig(),
		Retention:       loadRetentionConfig(),
		Observability:   loadObservabilityConfig(),
		RoleCatalogPath: getEnv(envPrefix+"ROLE_CATALOG", ""),
	}
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv(envPrefix+"HOST", "0.0.0.0"),
		Port:            getEnv(envPrefix+"PORT", "8080"),
		ReadTimeout:     getEnvDuration(envPrefix+"READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration(envPrefix+"WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration(envPrefix+"IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration(envPrefix+"SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv(envPrefix+"HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	// PostgreSQL config
	cfg.PostgresURL = getEnv(envPrefix+"POSTGRES_URL", cfg.PostgresURL)
	if replicaURLs := getEnv(envPrefix+"POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = postgres.ParseReplicaURLs(replicaURLs)
	}
	if maxConns := getEnvInt(envPrefix+"POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt(envPrefix+"POSTGRES_MIN_CONNS", -1); minConns >= 0 {
		cfg.PostgresMinConns = minConns
	}
	cfg.PostgresTimeout = getEnvDuration(envPrefix+"POSTGRES_TIMEOUT", cfg.PostgresTimeout)
	cfg.PostgresMaxLifetime = getEnvDuration(envPrefix+"POSTGRES_MAX_LIFETIME", cfg.PostgresMaxLifetime)
	cfg.PostgresMaxIdleTime = getEnvDuration(envPrefix+"POSTGRES_MAX_IDLE_TIME", cfg.PostgresMaxIdleTime)

	// Redis config
	cfg.RedisURL = getEnv(envPrefix+"REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv(envPrefix+"REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt(envPrefix+"REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt(envPrefix+"REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt(envPrefix+"REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	// S3 config
	cfg.S3Endpoint = getEnv(envPrefix+"S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv(envPrefix+"S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv(envPrefix+"S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv(envPrefix+"S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv(envPrefix+"S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool(envPrefix+"S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	return cfg
}

func loadSessionConfig() SessionConfig {
	return SessionConfig{
		TokenSecret: getEnv(envPrefix+"TOKEN_SECRET", ""),
		Issuer:      getEnv(envPrefix+"TOKEN_ISSUER", "clinicguard"),
		TTL:         getEnvDuration(envPrefix+"SESSION_TTL", 8*time.Hour),
	}
}

func loadAuditConfig() AuditConfig {
	rec := audit.DefaultConfig()
	rec.QueueCapacity = getEnvInt(envPrefix+"AUDIT_QUEUE_CAPACITY", rec.QueueCapacity)
	rec.FlushWorkers = getEnvInt(envPrefix+"AUDIT_FLUSH_WORKERS", rec.FlushWorkers)
	rec.BatchSize = getEnvInt(envPrefix+"AUDIT_BATCH_SIZE", rec.BatchSize)
	rec.FlushInterval = getEnvDuration(envPrefix+"AUDIT_FLUSH_INTERVAL", rec.FlushInterval)
	rec.RetryMaxElapsed = getEnvDuration(envPrefix+"AUDIT_RETRY_MAX_ELAPSED", rec.RetryMaxElapsed)
	rec.ReconcileInterval = getEnvDuration(envPrefix+"AUDIT_RECONCILE_INTERVAL", rec.ReconcileInterval)

	return AuditConfig{
		JournalDir:    getEnv(envPrefix+"AUDIT_JOURNAL_DIR", "/var/lib/clinicguard/journal"),
		Recorder:      rec,
		AlertInterval: getEnvDuration(envPrefix+"AUDIT_ALERT_INTERVAL", time.Minute),
		AlertBurst:    getEnvInt(envPrefix+"AUDIT_ALERT_BURST", 5),
	}
}

func loadRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Schedule:      getEnv(envPrefix+"RETENTION_SCHEDULE", retention.DefaultSchedule),
		RunTimeout:    getEnvDuration(envPrefix+"RETENTION_RUN_TIMEOUT", time.Hour),
		DeferInterval: getEnvDuration(envPrefix+"RETENTION_DEFER_INTERVAL", 24*time.Hour),
		LockTTL:       getEnvDuration(envPrefix+"RETENTION_LOCK_TTL", 5*time.Minute),
		Workers:       getEnvInt(envPrefix+"RETENTION_WORKERS", 4),
		TaskTimeout:   getEnvDuration(envPrefix+"RETENTION_TASK_TIMEOUT", 10*time.Minute),
		ArchivePrefix: getEnv(envPrefix+"RETENTION_ARCHIVE_PREFIX", "retention"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv(envPrefix+"LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool(envPrefix+"METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool(envPrefix+"OTEL_ENABLED", false),
		OTelEndpoint:       getEnv(envPrefix+"OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv(envPrefix+"OTEL_SERVICE_NAME", "clinicguard"),
		OTelServiceVersion: getEnv(envPrefix+"OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool(envPrefix+"OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Session.TokenSecret == "" {
		return fmt.Errorf("token secret is required")
	}
	if len(c.Session.TokenSecret) < 32 {
		return fmt.Errorf("token secret must be at least 32 bytes")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}

	return c.validateBackend()
}

// validateBackend checks the settings shared by the server and the worker
func (c *Config) validateBackend() error {
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if c.Audit.JournalDir == "" {
		return fmt.Errorf("audit journal directory is required")
	}
	if c.Audit.Recorder.QueueCapacity <= 0 || c.Audit.Recorder.FlushWorkers <= 0 || c.Audit.Recorder.BatchSize <= 0 {
		return fmt.Errorf("audit queue capacity, flush workers and batch size must be positive")
	}

	if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", c.Retention.Schedule, err)
	}
	if c.Retention.Workers <= 0 {
		return fmt.Errorf("retention workers must be positive")
	}
	if c.Retention.LockTTL <= 0 {
		return fmt.Errorf("retention lock TTL must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// OTel returns the OpenTelemetry settings in the form InitOTel takes
func (c *Config) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.Observability.OTelEnabled,
		ServiceName:    c.Observability.OTelServiceName,
		ServiceVersion: c.Observability.OTelServiceVersion,
		Endpoint:       c.Observability.OTelEndpoint,
		Insecure:       c.Observability.OTelInsecure,
	}
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

package storage

import (
	"errors"
	"time"
)

// Config for the storage backends shared by the server and the retention job
type Config struct {
	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration
	PostgresMaxLifetime time.Duration
	PostgresMaxIdleTime time.Duration

	// Redis config (sessions and the retention lock)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// S3 config (retention archive sink)
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PostgresMaxConns:    20,
		PostgresMinConns:    2,
		PostgresTimeout:     10 * time.Second,
		PostgresMaxLifetime: time.Hour,
		PostgresMaxIdleTime: 10 * time.Minute,
		RedisURL:            "redis://localhost:6379/0",
		RedisDB:             0,
		RedisMaxRetries:     3,
		RedisPoolSize:       10,
		S3Region:            "us-east-1",
	}
}

// Validate checks the settings every deployment needs.
func (c Config) Validate() error {
	if c.PostgresURL == "" {
		return errors.New("postgres URL is required")
	}
	if c.PostgresMaxConns <= 0 {
		return errors.New("postgres max connections must be positive")
	}
	if c.PostgresMinConns < 0 || c.PostgresMinConns > c.PostgresMaxConns {
		return errors.New("postgres min connections must be between 0 and max connections")
	}
	if c.RedisURL == "" {
		return errors.New("redis URL is required")
	}
	return nil
}

// ArchiveEnabled reports whether an S3 bucket is configured for archives
func (c Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

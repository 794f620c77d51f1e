package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/clinicguard/pkg/async"
	"github.com/platinummonkey/clinicguard/pkg/observability"
	"github.com/platinummonkey/clinicguard/pkg/storage"
)

// ConnectionManager manages PostgreSQL primary and read replica connections.
// Writes (audit appends, retention transitions, role changes) go to the
// primary; audit history queries may use a replica.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32 // round-robin cursor
	mu       sync.RWMutex
	config   ConnectionConfig
	logger   *observability.Logger
	opener   func(dsn string) (*sql.DB, error)
}

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// ConfigFrom maps the shared storage settings onto a ConnectionConfig
func ConfigFrom(cfg storage.Config) ConnectionConfig {
	return ConnectionConfig{
		PrimaryURL:  cfg.PostgresURL,
		ReplicaURLs: cfg.PostgresReplicaURLs,
		MaxConns:    cfg.PostgresMaxConns,
		MinConns:    cfg.PostgresMinConns,
		Timeout:     cfg.PostgresTimeout,
		MaxLifetime: cfg.PostgresMaxLifetime,
		MaxIdleTime: cfg.PostgresMaxIdleTime,
	}
}

func openPostgres(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

// NewConnectionManager connects to the primary and every reachable replica.
// An unreachable replica is logged and skipped; an unreachable primary fails.
func NewConnectionManager(config ConnectionConfig, logger *observability.Logger) (*ConnectionManager, error) {
	return newConnectionManager(config, logger, openPostgres)
}

func newConnectionManager(config ConnectionConfig, logger *observability.Logger, opener func(string) (*sql.DB, error)) (*ConnectionManager, error) {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	cm := &ConnectionManager{
		config:   config,
		replicas: make([]*sql.DB, 0),
		logger:   observability.OrDefault(logger).WithField("component", "postgres"),
		opener:   opener,
	}

	primary, err := opener(config.PrimaryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary connection: %w", err)
	}
	cm.configurePool(primary, config.MaxConns)

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	if err := primary.PingContext(ctx); err != nil {
		primary.Close()
		return nil, fmt.Errorf("failed to ping primary: %w", err)
	}
	cm.primary = primary

	for i, replicaURL := range config.ReplicaURLs {
		replica, err := cm.openReplica(replicaURL)
		if err != nil {
			cm.logger.WithField("replica", i).WithError(err).Warn("skipping replica")
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	cm.logger.WithField("replicas", len(cm.replicas)).Info("connection manager initialized")
	return cm, nil
}

func (cm *ConnectionManager) configurePool(db *sql.DB, maxConns int) {
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	db.SetMaxIdleConns(cm.config.MinConns)
	db.SetConnMaxLifetime(cm.config.MaxLifetime)
	db.SetConnMaxIdleTime(cm.config.MaxIdleTime)
}

// replicas get half the primary pool, never fewer than two connections
func (cm *ConnectionManager) replicaMaxConns() int {
	n := cm.config.MaxConns / 2
	if n < 2 {
		n = 2
	}
	return n
}

func (cm *ConnectionManager) openReplica(url string) (*sql.DB, error) {
	replica, err := cm.opener(url)
	if err != nil {
		return nil, fmt.Errorf("failed to open replica connection: %w", err)
	}
	cm.configurePool(replica, cm.replicaMaxConns())

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.Timeout)
	defer cancel()
	if err := replica.PingContext(ctx); err != nil {
		replica.Close()
		return nil, fmt.Errorf("failed to ping replica: %w", err)
	}
	return replica, nil
}

// Primary returns the primary database connection (for writes)
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection.
// Falls back to primary if no replicas are available.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.replicas) == 0 {
		return cm.primary
	}

	index := atomic.AddUint32(&cm.current, 1)
	return cm.replicas[int(index%uint32(len(cm.replicas)))]
}

// HealthCheck checks the primary and reports an error when every replica is down
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	cm.mu.RLock()
	replicas := make([]*sql.DB, len(cm.replicas))
	copy(replicas, cm.replicas)
	cm.mu.RUnlock()

	var unhealthy []string
	for i, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("replica-%d", i))
		}
	}

	if len(unhealthy) > 0 && len(unhealthy) == len(replicas) {
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(unhealthy, ", "))
	}

	return nil
}

// ConnectionStats holds statistics for all database connections
type ConnectionStats struct {
	Primary  sql.DBStats
	Replicas []sql.DBStats
}

// Stats returns connection pool statistics for primary and replicas
func (cm *ConnectionManager) Stats() ConnectionStats {
	stats := ConnectionStats{
		Primary: cm.primary.Stats(),
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats.Replicas = make([]sql.DBStats, len(cm.replicas))
	for i, replica := range cm.replicas {
		stats.Replicas[i] = replica.Stats()
	}

	return stats
}

// RemoveUnhealthyReplicas closes and drops replicas that fail a ping
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := make([]*sql.DB, 0, len(cm.replicas))
	removed := 0

	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
		} else {
			healthy = append(healthy, replica)
		}
	}

	cm.replicas = healthy
	return removed
}

// Close closes all database connections
func (cm *ConnectionManager) Close() error {
	var errs []error

	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close error: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d close error: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// StartHealthCheckRoutine prunes unhealthy replicas every interval until ctx is done
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 30 * time.Second
	}

	async.SafeGo(ctx, cm.logger, 365*24*time.Hour, "replica health check", func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				removed := cm.RemoveUnhealthyReplicas(checkCtx)
				cancel()

				if removed > 0 {
					cm.logger.WithField("removed", removed).Warn("removed unhealthy replicas")
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
}

// ParseReplicaURLs parses a comma-separated list of replica URLs
func ParseReplicaURLs(replicaURLsStr string) []string {
	if replicaURLsStr == "" {
		return nil
	}

	urls := strings.Split(replicaURLsStr, ",")
	result := make([]string, 0, len(urls))

	for _, url := range urls {
		trimmed := strings.TrimSpace(url)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

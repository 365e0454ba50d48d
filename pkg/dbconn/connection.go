// Package dbconn provides a primary/replica Postgres connection manager shared by
// the Index and Auth backends' relational implementations.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/spokehub/registry/pkg/observability"
)

// Manager manages a primary connection and a set of read replicas, selected
// round-robin for read traffic. Replicas are optional; with none configured,
// Replica() simply returns the primary.
type Manager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
	mu       sync.RWMutex
	config   Config
	logger   *observability.Logger
}

// Config holds database connection configuration.
type Config struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// NewManager opens the primary connection (and any replicas), pinging each before
// returning. Replica connection failures are logged and skipped — replicas are an
// optimization, not a requirement for serving traffic.
func NewManager(config Config, logger *observability.Logger) (*Manager, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	cm := &Manager{config: config, logger: logger, replicas: make([]*sql.DB, 0)}

	primary, err := sql.Open("postgres", config.PrimaryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary connection: %w", err)
	}
	primary.SetMaxOpenConns(config.MaxConns)
	primary.SetMaxIdleConns(config.MinConns)
	primary.SetConnMaxLifetime(config.MaxLifetime)
	primary.SetConnMaxIdleTime(config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	if err := primary.PingContext(ctx); err != nil {
		primary.Close()
		return nil, fmt.Errorf("failed to ping primary: %w", err)
	}
	cm.primary = primary

	for i, replicaURL := range config.ReplicaURLs {
		replica, err := sql.Open("postgres", replicaURL)
		if err != nil {
			logger.WithError(err).Warnf("failed to open replica %d", i)
			continue
		}
		replicaMaxConns := config.MaxConns / 2
		if replicaMaxConns < 2 {
			replicaMaxConns = 2
		}
		replica.SetMaxOpenConns(replicaMaxConns)
		replica.SetMaxIdleConns(config.MinConns)
		replica.SetConnMaxLifetime(config.MaxLifetime)
		replica.SetConnMaxIdleTime(config.MaxIdleTime)

		pingCtx, pingCancel := context.WithTimeout(context.Background(), config.Timeout)
		err = replica.PingContext(pingCtx)
		pingCancel()
		if err != nil {
			logger.WithError(err).Warnf("failed to ping replica %d", i)
			replica.Close()
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	logger.WithField("replicas", len(cm.replicas)).Info("connection manager initialized")
	return cm, nil
}

// NewManagerFromDB wraps an already-open *sql.DB as a replica-less Manager.
// Used by tests that substitute a sqlmock connection for a real pool; every
// Replica() call falls back to the primary.
func NewManagerFromDB(primary *sql.DB, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Manager{primary: primary, logger: logger, replicas: make([]*sql.DB, 0)}
}

// Primary returns the primary connection, for writes and transactions.
func (cm *Manager) Primary() *sql.DB { return cm.primary }

// Replica returns a read replica using round-robin selection, falling back to the
// primary when the replica list is empty (none configured, or all dropped by
// RemoveUnhealthyReplicas).
func (cm *Manager) Replica() *sql.DB {
	cm.mu.RLock()
	replicaCount := len(cm.replicas)
	cm.mu.RUnlock()

	if replicaCount == 0 {
		return cm.primary
	}

	index := atomic.AddUint32(&cm.current, 1)
	replicaIndex := int(index % uint32(replicaCount))

	cm.mu.RLock()
	replica := cm.replicas[replicaIndex]
	cm.mu.RUnlock()
	return replica
}

// HealthCheck pings the primary and every replica. It returns an error when the
// primary is unreachable or when every configured replica is unreachable; some
// replicas down while others answer counts as healthy.
func (cm *Manager) HealthCheck(ctx context.Context) error {
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

// RemoveUnhealthyReplicas drops any replica that fails a ping, returning the count removed.
// Pinging happens outside cm.mu, same as HealthCheck, so a slow or timed-out replica
// doesn't hold up every concurrent Replica() call for the duration of the sweep.
func (cm *Manager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.RLock()
	candidates := make([]*sql.DB, len(cm.replicas))
	copy(candidates, cm.replicas)
	cm.mu.RUnlock()

	healthy := make([]*sql.DB, 0, len(candidates))
	unhealthy := make([]*sql.DB, 0)
	for _, replica := range candidates {
		if err := replica.PingContext(ctx); err != nil {
			unhealthy = append(unhealthy, replica)
		} else {
			healthy = append(healthy, replica)
		}
	}

	cm.mu.Lock()
	cm.replicas = healthy
	cm.mu.Unlock()

	for _, replica := range unhealthy {
		replica.Close()
	}
	return len(unhealthy)
}

// StartHealthCheckRoutine periodically prunes unhealthy replicas until ctx is done.
func (cm *Manager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer func() {
			if r := recover(); r != nil {
				cm.logger.WithField("panic", r).WithField("stack", string(debug.Stack())).Error("health check routine panic")
			}
		}()
		for {
			select {
			case <-ticker.C:
				if removed := cm.RemoveUnhealthyReplicas(ctx); removed > 0 {
					cm.logger.Infof("removed %d unhealthy replicas", removed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close closes the primary and all replica connections.
func (cm *Manager) Close() error {
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
	if len(errs) > 0 {
		return fmt.Errorf("connection close errors: %v", errs)
	}
	return nil
}

// ParseReplicaURLs splits a comma-separated replica URL list, trimming whitespace
// and dropping empty entries.
func ParseReplicaURLs(replicaURLsStr string) []string {
	if replicaURLsStr == "" {
		return nil
	}
	urls := strings.Split(replicaURLsStr, ",")
	result := make([]string, 0, len(urls))
	for _, url := range urls {
		if trimmed := strings.TrimSpace(url); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Package pool implements the Pool Registry: lazy, reconnecting client
// handles per (cloud, database) for SQL and per cloud for the cache cluster,
// plus the topology query used to discover cache cluster masters before a
// scan. The registry is a process-global singleton; lazy first-use must be
// concurrency-safe.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"fanoutctl/internal/config"
	"fanoutctl/internal/domain"
)

const (
	sqlMinConns          = 2
	sqlMaxConns          = 20
	sqlIdleTimeout       = 30 * time.Second
	sqlConnectTimeout    = 10 * time.Second
	backoffInitial       = 500 * time.Millisecond
	backoffCap           = 30 * time.Second
	sqlEvictAfterFails   = 5
	kvEvictAfterFails    = 10
	errLogEveryN         = 5
)

// Registry is the process-wide Pool Registry: SQL pools keyed by
// (cloud, database) and KV cluster clients keyed by cloud name.
type Registry struct {
	cfg *config.Config
	log *slog.Logger

	mu       sync.Mutex
	sqlPools map[domain.DatabaseHandle]*sqlEntry
	kvPools  map[string]*kvEntry
}

type sqlEntry struct {
	pool   *pgxpool.Pool
	backoff backoffState
}

type kvEntry struct {
	client  *redis.ClusterClient
	backoff backoffState
}

// backoffState counts consecutive connect failures, used for eviction after
// N failures and for log throttling. nextDelay follows an exponential
// schedule (doubling from backoffInitial, capped at backoffCap), but no
// caller waits on it: the next Get call after a failure retries the connect
// immediately.
type backoffState struct {
	fails      int
	nextDelay  time.Duration
	lastLogged int
}

func newBackoffState() backoffState {
	return backoffState{nextDelay: backoffInitial}
}

func (b *backoffState) recordFailure() {
	b.fails++
	b.nextDelay *= 2
	if b.nextDelay > backoffCap {
		b.nextDelay = backoffCap
	}
}

func (b *backoffState) reset() {
	*b = newBackoffState()
}

// shouldLog reports whether this failure should be logged: the first one,
// and every Nth thereafter.
func (b *backoffState) shouldLog() bool {
	if b.fails == 1 || b.fails-b.lastLogged >= errLogEveryN {
		b.lastLogged = b.fails
		return true
	}
	return false
}

// NewRegistry constructs a Pool Registry over the given configuration. No
// connections are opened eagerly; every handle is built lazily on first use.
func NewRegistry(cfg *config.Config, log *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      log,
		sqlPools: make(map[domain.DatabaseHandle]*sqlEntry),
		kvPools:  make(map[string]*kvEntry),
	}
}

// GetConfig returns a snapshot of the declared cloud topology, for
// downstream request validation.
func (r *Registry) GetConfig() config.CloudsDocument {
	return r.cfg.Clouds
}

// findDatabase resolves a (cloud, database) pair against the declared
// topology, searching the primary cloud and every secondary cloud.
func (r *Registry) findDatabase(handle domain.DatabaseHandle) (domain.CloudConfig, domain.DatabaseConfig, error) {
	clouds := append([]domain.CloudConfig{r.cfg.Clouds.Primary}, r.cfg.Clouds.Secondary...)
	for _, cloud := range clouds {
		if cloud.CloudName != handle.CloudName {
			continue
		}
		for _, db := range cloud.DBConfigs {
			if db.Name == handle.DatabaseName {
				return cloud, db, nil
			}
		}
		return domain.CloudConfig{}, domain.DatabaseConfig{}, domain.ErrConfig(
			"database %q is not declared on cloud %q", handle.DatabaseName, handle.CloudName)
	}
	return domain.CloudConfig{}, domain.DatabaseConfig{}, domain.ErrConfig(
		"cloud %q is not declared in configuration", handle.CloudName)
}

// findKVCloud resolves a KV cloud name against the declared topology.
func (r *Registry) findKVCloud(cloudName string) (domain.CloudConfig, error) {
	for _, cloud := range r.cfg.Clouds.KVClouds {
		if cloud.CloudName == cloudName {
			return cloud, nil
		}
	}
	return domain.CloudConfig{}, domain.ErrConfig("kv cloud %q is not declared in configuration", cloudName)
}

// SQLCloudNames returns the primary cloud name followed by every secondary
// cloud name, used by the SQL Fan-Out Executor to resolve mode="both".
func (r *Registry) SQLCloudNames() []string {
	names := make([]string, 0, 1+len(r.cfg.Clouds.Secondary))
	names = append(names, r.cfg.Clouds.Primary.CloudName)
	for _, c := range r.cfg.Clouds.Secondary {
		names = append(names, c.CloudName)
	}
	return names
}

// GetSQLPool returns a cached pgxpool.Pool for the given (cloud, database),
// lazily opening one on first use. Fails with *domain.ConfigError if the
// pair is not declared.
func (r *Registry) GetSQLPool(ctx context.Context, handle domain.DatabaseHandle) (*pgxpool.Pool, error) {
	r.mu.Lock()
	entry, ok := r.sqlPools[handle]
	if !ok {
		entry = &sqlEntry{backoff: newBackoffState()}
		r.sqlPools[handle] = entry
	}
	r.mu.Unlock()

	if entry.pool != nil {
		return entry.pool, nil
	}

	_, db, err := r.findDatabase(handle)
	if err != nil {
		return nil, err
	}

	pool, err := r.openSQLPool(ctx, db)
	if err != nil {
		r.mu.Lock()
		entry.backoff.recordFailure()
		if entry.backoff.shouldLog() {
			r.log.Warn("sql pool connect failed", "cloud", handle.CloudName, "database", handle.DatabaseName,
				"attempt", entry.backoff.fails, "err", err)
		}
		if entry.backoff.fails >= sqlEvictAfterFails {
			delete(r.sqlPools, handle)
			r.log.Warn("sql pool evicted after repeated failures", "cloud", handle.CloudName, "database", handle.DatabaseName)
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("connect sql pool %s/%s: %w", handle.CloudName, handle.DatabaseName, err)
	}

	r.mu.Lock()
	if entry.pool != nil {
		existing := entry.pool
		r.mu.Unlock()
		pool.Close()
		return existing, nil
	}
	entry.pool = pool
	entry.backoff.reset()
	r.mu.Unlock()
	return pool, nil
}

// dsn builds the libpq connection string for a declared database, shared by
// the pooled connection path and the short-lived administrative connections
// CancelBackend opens.
func dsn(db domain.DatabaseConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?connect_timeout=%d",
		db.User, db.Password, db.Host, db.Port, db.Database, int(sqlConnectTimeout.Seconds()))
}

func (r *Registry) openSQLPool(ctx context.Context, db domain.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn(db))
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MinConns = sqlMinConns
	poolCfg.MaxConns = sqlMaxConns
	poolCfg.MaxConnIdleTime = sqlIdleTimeout

	connectCtx, cancel := context.WithTimeout(ctx, sqlConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// GetKVClient returns a cached cluster client for the given KV cloud,
// lazily opening one on first use.
func (r *Registry) GetKVClient(ctx context.Context, cloudName string) (*redis.ClusterClient, error) {
	r.mu.Lock()
	entry, ok := r.kvPools[cloudName]
	if !ok {
		entry = &kvEntry{backoff: newBackoffState()}
		r.kvPools[cloudName] = entry
	}
	r.mu.Unlock()

	if entry.client != nil {
		return entry.client, nil
	}

	cloud, err := r.findKVCloud(cloudName)
	if err != nil {
		return nil, err
	}

	client := redis.NewClusterClient(&redis.ClusterOptions{
		Addrs:       []string{fmt.Sprintf("%s:%d", cloud.Host, cloud.Port)},
		DialTimeout: sqlConnectTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, sqlConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		r.mu.Lock()
		entry.backoff.recordFailure()
		if entry.backoff.shouldLog() {
			r.log.Warn("kv cluster connect failed", "cloud", cloudName, "attempt", entry.backoff.fails, "err", err)
		}
		if entry.backoff.fails >= kvEvictAfterFails {
			delete(r.kvPools, cloudName)
			r.log.Warn("kv cluster client evicted after repeated failures", "cloud", cloudName)
		}
		r.mu.Unlock()
		return nil, fmt.Errorf("connect kv cluster %s: %w", cloudName, err)
	}

	r.mu.Lock()
	entry.client = client
	entry.backoff.reset()
	r.mu.Unlock()
	return client, nil
}

// MasterNode is one master node of a cache cluster's topology.
type MasterNode struct {
	ID   string
	Host string
	Port int
}

// GetKVMasters opens (or reuses) the cluster client for cloudName and asks
// the cluster for its node topology, filtering to masters not marked failed.
func (r *Registry) GetKVMasters(ctx context.Context, cloudName string) ([]MasterNode, error) {
	client, err := r.GetKVClient(ctx, cloudName)
	if err != nil {
		return nil, err
	}

	var masters []MasterNode
	err = client.ForEachMaster(ctx, func(ctx context.Context, shard *redis.Client) error {
		opts := shard.Options()
		masters = append(masters, MasterNode{
			ID:   fmt.Sprintf("%s:%d", opts.Addr, 0),
			Host: hostFromAddr(opts.Addr),
			Port: portFromAddr(opts.Addr),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover masters for %s: %w", cloudName, err)
	}
	return masters, nil
}

func hostFromAddr(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

func portFromAddr(addr string) int {
	port := 0
	seenColon := false
	for i := 0; i < len(addr); i++ {
		if addr[i] == ':' {
			seenColon = true
			port = 0
			continue
		}
		if seenColon && addr[i] >= '0' && addr[i] <= '9' {
			port = port*10 + int(addr[i]-'0')
		}
	}
	return port
}

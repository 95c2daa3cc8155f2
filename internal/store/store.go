// Package store implements the Execution Store: a pluggable two-tier store
// of ExecutionRecords keyed by execution id, pollable across stateless
// control-plane replicas, plus the per-replica registry of live client
// handles used to route engine-level cancellation.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"fanoutctl/internal/config"
	"fanoutctl/internal/domain"
)

// New builds the Execution Store selected by configuration: the in-memory
// fallback only when REDIS_HOST points at this machine, the Redis-backed
// shared tier otherwise. Per §14 locked answer 1, the shared tier is
// authoritative in every other case and write failures propagate.
func New(cfg *config.Config, log *slog.Logger) domain.ExecutionStore {
	if cfg.Runtime.RedisIsLocal() {
		log.Warn("execution store running in local-only in-memory mode; do not use in production")
		return NewMemoryStore(log)
	}
	return NewRedisStore(cfg, log)
}

const keyPrefix = "execution:"

// RedisStore is the shared, cross-replica tier backed by a Redis client (a
// cluster client when REDIS_CLUSTER_MODE is set, a single-node client
// otherwise). It is authoritative whenever REDIS_HOST is not local.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *slog.Logger

	mu        sync.Mutex
	cancelled map[string]bool // per-replica fast-path cancellation flag
}

// NewRedisStore constructs a RedisStore from the given configuration.
func NewRedisStore(cfg *config.Config, log *slog.Logger) *RedisStore {
	var client redis.UniversalClient
	if cfg.Runtime.RedisClusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs: []string{fmt.Sprintf("%s:%d", cfg.Runtime.RedisHost, cfg.Runtime.RedisPort)},
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", cfg.Runtime.RedisHost, cfg.Runtime.RedisPort),
		})
	}
	ttl := time.Duration(cfg.Runtime.RedisExecutionTTLSec) * time.Second
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &RedisStore{client: client, ttl: ttl, log: log, cancelled: make(map[string]bool)}
}

func (s *RedisStore) key(id string) string { return keyPrefix + id }

func (s *RedisStore) Init(ctx context.Context, id, userID string) error {
	rec := &domain.ExecutionRecord{
		ID:        id,
		UserID:    userID,
		Status:    domain.StatusRunning,
		StartTime: domain.NowMillis(),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(id), b, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store init %s: %w", id, err)
	}
	if !ok {
		return domain.ErrConflict("execution %s already exists", id)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.ExecutionRecord, bool, error) {
	b, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store get %s: %w", id, err)
	}
	var rec domain.ExecutionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal execution record %s: %w", id, err)
	}
	return &rec, true, nil
}

// mutate reads-modifies-writes the record under id; each write resets the
// key's TTL to the full s.ttl. The mutator returns false to signal a no-op
// (absent or terminal record).
func (s *RedisStore) mutate(ctx context.Context, id string, mutator func(*domain.ExecutionRecord) bool) error {
	rec, found, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if !mutator(rec) {
		return nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(id), b, s.ttl).Err(); err != nil {
		return fmt.Errorf("store write %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) UpdateProgress(ctx context.Context, id string, progress any) error {
	return s.mutate(ctx, id, func(r *domain.ExecutionRecord) bool {
		if r.Status.IsTerminal() {
			return false
		}
		r.Progress = progress
		return true
	})
}

func (s *RedisStore) SavePartial(ctx context.Context, id string, result any) error {
	return s.mutate(ctx, id, func(r *domain.ExecutionRecord) bool {
		r.Result = result
		return true
	})
}

func (s *RedisStore) Complete(ctx context.Context, id string, result any, success bool) error {
	return s.mutate(ctx, id, func(r *domain.ExecutionRecord) bool {
		if r.Status == domain.StatusCancelled {
			return false
		}
		if r.Status.IsTerminal() {
			return false
		}
		r.Result = result
		r.EndTime = domain.NowMillis()
		if success {
			r.Status = domain.StatusCompleted
		} else {
			r.Status = domain.StatusFailed
		}
		return true
	})
}

func (s *RedisStore) Fail(ctx context.Context, id string, errMsg string) error {
	return s.mutate(ctx, id, func(r *domain.ExecutionRecord) bool {
		if r.Status == domain.StatusCancelled || r.Status.IsTerminal() {
			return false
		}
		r.Status = domain.StatusFailed
		r.Error = errMsg
		r.EndTime = domain.NowMillis()
		return true
	})
}

func (s *RedisStore) MarkCancelled(ctx context.Context, id string) error {
	s.mu.Lock()
	s.cancelled[id] = true
	s.mu.Unlock()

	return s.mutate(ctx, id, func(r *domain.ExecutionRecord) bool {
		r.Status = domain.StatusCancelled
		r.EndTime = domain.NowMillis()
		return true
	})
}

func (s *RedisStore) IsCancelled(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	flagged := s.cancelled[id]
	s.mu.Unlock()
	if flagged {
		return true, nil
	}

	rec, found, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return rec.Status == domain.StatusCancelled, nil
}

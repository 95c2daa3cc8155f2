// Package kvscan implements the Cache SCAN Executor: given a pattern and
// cloud selection it enumerates master nodes of each target cluster,
// streams SCAN cursors accumulating a capped key preview, optionally
// batch-deletes matches with UNLINK, and reports per-cloud progress while
// honouring cooperative cancellation.
package kvscan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"fanoutctl/internal/domain"
	"fanoutctl/internal/pool"
)

const (
	previewCap      = 10_000
	deleteBatchSize = 1_000
	scanCountMin    = 1
	scanCountMax    = 200_000
	iterationPause  = 100 * time.Millisecond
	nodeDialTimeout = 10 * time.Second
)

// Executor runs cache SCAN/UNLINK submissions to completion in the
// background, publishing per-cloud progress to the Execution Store.
type Executor struct {
	pool  *pool.Registry
	store domain.ExecutionStore
	log   *slog.Logger
}

// New constructs a Cache SCAN Executor.
func New(reg *pool.Registry, store domain.ExecutionStore, log *slog.Logger) *Executor {
	return &Executor{pool: reg, store: store, log: log}
}

// Submit allocates an execution id, initializes its record, and kicks off
// background execution. The caller must already have run the Policy Engine
// (wildcard-only patterns and RAW/role gating never reach this executor).
func (e *Executor) Submit(ctx context.Context, userID string, req domain.ScanRequest) (string, error) {
	id := domain.NewID()
	if err := e.store.Init(ctx, id, userID); err != nil {
		return "", err
	}
	go e.run(id, req)
	return id, nil
}

func (e *Executor) run(id string, req domain.ScanRequest) {
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			errMsg := fmt.Sprintf("panic: %v", r)
			e.log.Error("cache scan run panicked", "execution_id", id, "error", errMsg)
			if err := e.store.Fail(ctx, id, errMsg); err != nil {
				e.log.Error("fail scan execution failed", "execution_id", id, "err", err)
			}
		}
	}()

	scanCount := clampScanCount(req.ScanCount)

	clouds := e.resolveClouds(req)
	progress := make(map[string]domain.RedisScanProgress, len(clouds))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, cloud := range clouds {
		cloud := cloud
		g.Go(func() error {
			p := e.runCloudSafely(gctx, id, cloud, req.Pattern, req.Action, scanCount)
			mu.Lock()
			progress[cloud] = p
			snapshot := cloneProgress(progress)
			mu.Unlock()
			if err := e.store.SavePartial(ctx, id, snapshot); err != nil {
				e.log.Error("save partial scan result failed", "execution_id", id, "cloud", cloud, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	overallStatus := aggregateStatus(progress)
	success := overallStatus == string(domain.StatusCompleted)
	if err := e.store.Complete(ctx, id, progress, success); err != nil {
		e.log.Error("complete scan execution failed", "execution_id", id, "err", err)
	}
	e.log.Info("cache scan finished", "execution_id", id, "status", overallStatus, "clouds", len(clouds))
}

// resolveClouds expands req.Cloud into the set of KV cloud names to fan out
// to; "both" means every declared KV cloud.
func (e *Executor) resolveClouds(req domain.ScanRequest) []string {
	if req.Cloud == string(domain.ModeBoth) {
		cfg := e.pool.GetConfig()
		names := make([]string, 0, len(cfg.KVClouds))
		for _, c := range cfg.KVClouds {
			names = append(names, c.CloudName)
		}
		return names
	}
	return []string{req.Cloud}
}

func clampScanCount(n int) int64 {
	if n < scanCountMin {
		return scanCountMin
	}
	if n > scanCountMax {
		return scanCountMax
	}
	return int64(n)
}

// runCloudSafely wraps runCloud with a panic guard so a malformed response
// from one cloud's cluster (or its driver) is captured into that cloud's
// progress entry instead of taking down the rest of the fan-out or the
// process.
func (e *Executor) runCloudSafely(ctx context.Context, id, cloud, pattern string, action domain.ScanAction, scanCount int64) (p domain.RedisScanProgress) {
	defer func() {
		if r := recover(); r != nil {
			errMsg := fmt.Sprintf("panic: %v", r)
			e.log.Error("cache scan cloud panicked", "execution_id", id, "cloud", cloud, "error", errMsg)
			p = domain.RedisScanProgress{CloudName: cloud, Status: "error", Error: errMsg}
		}
	}()
	return e.runCloud(ctx, id, cloud, pattern, action, scanCount)
}

// runCloud drives the topology, scan, and (optional) delete phases for one
// cloud, returning its terminal RedisScanProgress.
func (e *Executor) runCloud(ctx context.Context, id, cloud, pattern string, action domain.ScanAction, scanCount int64) domain.RedisScanProgress {
	p := domain.RedisScanProgress{CloudName: cloud, Status: "running"}

	masters, err := e.pool.GetKVMasters(ctx, cloud)
	if err != nil {
		p.Status = "error"
		p.Error = err.Error()
		return p
	}
	p.NodesTotal = len(masters)

	for _, node := range masters {
		if cancelled, _ := e.store.IsCancelled(ctx, id); cancelled {
			p.Status = "cancelled"
			return p
		}

		if err := e.scanNode(ctx, id, node, pattern, scanCount, &p); err != nil {
			p.Status = "error"
			p.Error = err.Error()
			return p
		}
		p.NodesScanned++
		e.publish(ctx, id, cloud, p)
	}

	if cancelled, _ := e.store.IsCancelled(ctx, id); cancelled {
		p.Status = "cancelled"
		return p
	}

	if action == domain.ScanActionDelete {
		p.Status = "deleting"
		if err := e.deleteKeys(ctx, id, cloud, &p); err != nil {
			p.Status = "error"
			p.Error = err.Error()
			return p
		}
		if cancelled, _ := e.store.IsCancelled(ctx, id); cancelled {
			p.Status = "cancelled"
			return p
		}
	}

	p.Status = "completed"
	return p
}

// scanNode iterates SCAN cursor MATCH pattern COUNT scanCount against one
// master node until the cursor returns to 0, accumulating keys up to the
// preview cap and always counting past the cap into keysFound.
func (e *Executor) scanNode(ctx context.Context, id string, node pool.MasterNode, pattern string, scanCount int64, p *domain.RedisScanProgress) error {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", node.Host, node.Port),
		DialTimeout: nodeDialTimeout,
	})
	defer client.Close()

	var cursor uint64
	first := true
	for first || cursor != 0 {
		first = false

		if cancelled, _ := e.store.IsCancelled(ctx, id); cancelled {
			return nil
		}

		keys, next, err := client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return fmt.Errorf("scan node %s:%d: %w", node.Host, node.Port, err)
		}
		cursor = next

		p.KeysFound += len(keys)
		if room := previewCap - len(p.Keys); room > 0 {
			if room > len(keys) {
				room = len(keys)
			}
			p.Keys = append(p.Keys, keys[:room]...)
		}

		if cursor != 0 {
			time.Sleep(iterationPause)
		}
	}
	return nil
}

// deleteKeys UNLINKs the collected preview keys in batches through the
// cluster client, which routes each key by slot.
func (e *Executor) deleteKeys(ctx context.Context, id, cloud string, p *domain.RedisScanProgress) error {
	client, err := e.pool.GetKVClient(ctx, cloud)
	if err != nil {
		return err
	}

	for start := 0; start < len(p.Keys); start += deleteBatchSize {
		if cancelled, _ := e.store.IsCancelled(ctx, id); cancelled {
			return nil
		}

		end := start + deleteBatchSize
		if end > len(p.Keys) {
			end = len(p.Keys)
		}
		batch := p.Keys[start:end]

		if err := client.Unlink(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("unlink batch on %s: %w", cloud, err)
		}
		p.KeysDeleted += len(batch)
		e.publish(ctx, id, cloud, *p)
	}
	return nil
}

func (e *Executor) publish(ctx context.Context, id, cloud string, p domain.RedisScanProgress) {
	if err := e.store.UpdateProgress(ctx, id, map[string]domain.RedisScanProgress{cloud: p}); err != nil {
		e.log.Warn("update scan progress failed", "execution_id", id, "cloud", cloud, "err", err)
	}
}

func cloneProgress(m map[string]domain.RedisScanProgress) map[string]domain.RedisScanProgress {
	out := make(map[string]domain.RedisScanProgress, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// aggregateStatus derives the overall run status from every cloud's terminal
// status: cancelled beats failed beats completed.
func aggregateStatus(progress map[string]domain.RedisScanProgress) string {
	anyError := false
	for _, p := range progress {
		if p.Status == "cancelled" {
			return string(domain.StatusCancelled)
		}
		if p.Status == "error" {
			anyError = true
		}
	}
	if anyError {
		return string(domain.StatusFailed)
	}
	return string(domain.StatusCompleted)
}

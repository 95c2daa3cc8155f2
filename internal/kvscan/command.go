package kvscan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fanoutctl/internal/domain"
)

// CloudCommandResult is the outcome of running one command against one KV
// cloud, keyed by cloud name in the wire response.
type CloudCommandResult struct {
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// ExecuteCommand fans a single cache command out to every resolved cloud and
// blocks until all of them answer, per §6.1's synchronous-appearing
// /api/redis/execute contract. Unlike Submit/run, nothing is written to the
// Execution Store: the caller already has the whole result in hand.
func (e *Executor) ExecuteCommand(ctx context.Context, cloud, command string, args []string) map[string]CloudCommandResult {
	clouds := e.resolveClouds(domain.ScanRequest{Cloud: cloud})

	results := make(map[string]CloudCommandResult, len(clouds))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range clouds {
		c := c
		g.Go(func() error {
			res := e.runCommand(gctx, c, command, args)
			mu.Lock()
			results[c] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Executor) runCommand(ctx context.Context, cloud, command string, args []string) CloudCommandResult {
	start := time.Now()

	client, err := e.pool.GetKVClient(ctx, cloud)
	if err != nil {
		return CloudCommandResult{Error: err.Error(), DurationMs: time.Since(start).Milliseconds()}
	}

	cmdArgs := make([]interface{}, 0, len(args)+1)
	cmdArgs = append(cmdArgs, command)
	for _, a := range args {
		cmdArgs = append(cmdArgs, a)
	}

	data, err := client.Do(ctx, cmdArgs...).Result()
	if err != nil {
		return CloudCommandResult{
			Error:      fmt.Sprintf("%s on %s: %v", command, cloud, err),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	return CloudCommandResult{Success: true, Data: data, DurationMs: time.Since(start).Milliseconds()}
}

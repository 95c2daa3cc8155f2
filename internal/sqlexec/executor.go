// Package sqlexec implements the SQL Fan-Out Executor: given a validated
// query request it splits statements, acquires a dedicated client per
// (cloud, database) target, executes sequentially per target but in
// parallel across targets, records per-statement results, and honours
// cancellation and auto-rollback.
package sqlexec

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fanoutctl/internal/config"
	"fanoutctl/internal/domain"
	"fanoutctl/internal/policy"
	"fanoutctl/internal/pool"
)

const defaultTimeout = 300 * time.Second

// Executor runs SQL fan-out submissions to completion in the background,
// publishing progress and partial results to the Execution Store as it goes.
type Executor struct {
	pool   *pool.Registry
	store  domain.ExecutionStore
	active domain.ActiveClientRegistry
	log    *slog.Logger

	maxTimeout       time.Duration
	statementTimeout time.Duration
}

// New constructs a SQL Fan-Out Executor.
func New(reg *pool.Registry, store domain.ExecutionStore, active domain.ActiveClientRegistry, cfg *config.Config, log *slog.Logger) *Executor {
	e := &Executor{pool: reg, store: store, active: active, log: log}
	e.maxTimeout = time.Duration(cfg.Runtime.MaxQueryTimeoutMs) * time.Millisecond
	e.statementTimeout = time.Duration(cfg.Runtime.StatementTimeoutMs) * time.Millisecond
	if e.maxTimeout <= 0 {
		e.maxTimeout = defaultTimeout
	}
	if e.statementTimeout <= 0 {
		e.statementTimeout = defaultTimeout
	}
	return e
}

// Submit allocates an execution id, initializes its record, and kicks off
// background execution. The caller (the HTTP admission path) must already
// have run the Policy Engine and, for dangerous verbs under MASTER, have
// verified the submitted password — this executor assumes authorization is
// settled.
func (e *Executor) Submit(ctx context.Context, userID string, req domain.QueryRequest) (string, error) {
	id := domain.NewID()
	if err := e.store.Init(ctx, id, userID); err != nil {
		return "", err
	}
	go e.run(id, req)
	return id, nil
}

func (e *Executor) run(id string, req domain.QueryRequest) {
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			errMsg := fmt.Sprintf("panic: %v", r)
			e.log.Error("sql fan-out run panicked", "execution_id", id, "error", errMsg)
			e.active.CompleteActive(id)
			if err := e.store.Fail(ctx, id, errMsg); err != nil {
				e.log.Error("fail sql execution failed", "execution_id", id, "err", err)
			}
		}
	}()

	targets := e.resolveTargets(req)

	results := make(map[string]domain.TargetResult, len(targets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, handle := range targets {
		handle := handle
		g.Go(func() error {
			res := e.runTargetSafely(gctx, id, handle, req)
			mu.Lock()
			results[handle.CloudName] = res
			snapshot := cloneResults(results)
			mu.Unlock()

			overall := aggregateSuccess(snapshot)
			if err := e.store.SavePartial(ctx, id, domain.SQLResponse{Success: overall, Targets: snapshot}); err != nil {
				e.log.Error("save partial sql result failed", "execution_id", id, "cloud", handle.CloudName, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	cancelled, _ := e.store.IsCancelled(ctx, id)
	e.active.CompleteActive(id)

	if cancelled {
		e.log.Info("sql fan-out cancelled", "execution_id", id)
		return
	}

	overall := aggregateSuccess(results)
	response := domain.SQLResponse{Success: overall, Targets: results}
	if err := e.store.Complete(ctx, id, response, overall); err != nil {
		e.log.Error("complete sql execution failed", "execution_id", id, "err", err)
	}
	e.log.Info("sql fan-out finished", "execution_id", id, "success", overall, "targets", len(targets))
}

func aggregateSuccess(results map[string]domain.TargetResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.Success {
			return false
		}
	}
	return true
}

func cloneResults(m map[string]domain.TargetResult) map[string]domain.TargetResult {
	out := make(map[string]domain.TargetResult, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// resolveTargets expands req.Mode into the set of (cloud, database) handles
// to fan out to. Missing declarations surface later as per-target pool
// errors; they never prevent other targets from running.
func (e *Executor) resolveTargets(req domain.QueryRequest) []domain.DatabaseHandle {
	if req.Mode == string(domain.ModeBoth) {
		names := e.pool.SQLCloudNames()
		handles := make([]domain.DatabaseHandle, 0, len(names))
		for _, name := range names {
			handles = append(handles, domain.DatabaseHandle{CloudName: name, DatabaseName: req.Database})
		}
		return handles
	}
	return []domain.DatabaseHandle{{CloudName: req.Mode, DatabaseName: req.Database}}
}

var (
	reBeginStmt = regexp.MustCompile(`(?is)^\s*(BEGIN|START\s+TRANSACTION)\b`)
	reEndStmt   = regexp.MustCompile(`(?is)^\s*(COMMIT|ROLLBACK)\b`)
)

// runTargetSafely wraps runTarget with a panic guard so a malformed driver
// response or similar bug on one target is captured into that target's
// result instead of taking down the rest of the fan-out or the process.
func (e *Executor) runTargetSafely(ctx context.Context, id string, handle domain.DatabaseHandle, req domain.QueryRequest) (result domain.TargetResult) {
	defer func() {
		if r := recover(); r != nil {
			errMsg := fmt.Sprintf("panic: %v", r)
			e.log.Error("sql target panicked", "execution_id", id, "cloud", handle.CloudName, "error", errMsg)
			result = domain.TargetResult{Cloud: handle.CloudName, Database: handle.DatabaseName, Error: errMsg}
		}
	}()
	return e.runTarget(ctx, id, handle, req)
}

// runTarget executes the full statement batch against one (cloud, database)
// target, sequentially, on a single dedicated connection.
func (e *Executor) runTarget(ctx context.Context, id string, handle domain.DatabaseHandle, req domain.QueryRequest) domain.TargetResult {
	start := time.Now()
	result := domain.TargetResult{Cloud: handle.CloudName, Database: handle.DatabaseName}

	sqlPool, err := e.pool.GetSQLPool(ctx, handle)
	if err != nil {
		result.Error = err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	conn, err := sqlPool.Acquire(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("acquire connection: %v", err)
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}
	defer conn.Release()

	cloudKey := handle.CloudName + "/" + handle.DatabaseName
	pid := pool.BackendPID(conn)
	e.active.Register(id, cloudKey, domain.ActiveClientEntry{
		CloudKey:        cloudKey,
		EngineSessionID: pid,
		Cancel: func(cancelCtx context.Context) error {
			_, cancelErr := e.pool.CancelBackend(cancelCtx, handle, pid)
			return cancelErr
		},
	})
	defer e.active.Release(id, cloudKey)

	if req.PgSchema != "" {
		if !policy.IsValidIdentifier(req.PgSchema) {
			result.Error = fmt.Sprintf("invalid schema identifier %q", req.PgSchema)
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}
		if _, err := conn.Exec(ctx, "SET search_path TO "+req.PgSchema); err != nil {
			result.Error = fmt.Sprintf("set search_path: %v", err)
			result.DurationMs = time.Since(start).Milliseconds()
			return result
		}
	}

	stmts, cats, err := policy.ClassifySQL(req.Query)
	if err != nil {
		result.Error = err.Error()
		result.DurationMs = time.Since(start).Milliseconds()
		return result
	}

	timeout := e.statementTimeout
	if req.TimeoutMs > 0 {
		requested := time.Duration(req.TimeoutMs) * time.Millisecond
		if requested > timeout {
			timeout = requested
		}
	}

	result.Statements, result.Success = e.runStatementLoop(ctx, id, pgxQuerier{conn: conn}, stmts, cats, req.ContinueOnError, timeout)
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// runStatementLoop drives one target's statement batch over q: tracking the
// inTransaction state machine, synthesising an auto-rollback on failure
// inside a transaction, and honouring continueOnError. It depends only on
// the narrow querier seam so it can run against a fake in tests as well as
// a live *pgxpool.Conn.
func (e *Executor) runStatementLoop(ctx context.Context, id string, q querier, stmts []string, cats []domain.StatementCategory, continueOnError bool, timeout time.Duration) ([]domain.StatementResult, bool) {
	var statements []domain.StatementResult
	inTransaction := false
	overallSuccess := true

	for i, stmt := range stmts {
		if cancelled, _ := e.store.IsCancelled(ctx, id); cancelled {
			break
		}

		if err := e.store.UpdateProgress(ctx, id, domain.SQLProgress{
			CurrentStatement:     i + 1,
			TotalStatements:      len(stmts),
			CurrentStatementText: stmt,
		}); err != nil {
			e.log.Warn("update sql progress failed", "execution_id", id, "err", err)
		}

		sr := e.runStatement(ctx, q, stmt, timeout)
		statements = append(statements, sr)

		if !sr.Success {
			overallSuccess = false
			if inTransaction && cats[i] != domain.CategoryTransactionControl {
				rb := e.runStatement(ctx, q, "ROLLBACK", timeout)
				rb.Statement = "ROLLBACK (auto)"
				statements = append(statements, rb)
				inTransaction = false
			}
			if !continueOnError {
				break
			}
			continue
		}

		switch {
		case reBeginStmt.MatchString(stmt):
			inTransaction = true
		case reEndStmt.MatchString(stmt):
			inTransaction = false
		}
	}

	return statements, overallSuccess
}

package sqlexec

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanoutctl/internal/config"
	"fanoutctl/internal/domain"
	"fanoutctl/internal/policy"
	"fanoutctl/internal/pool"
	"fanoutctl/internal/store"
)

func testExecutor(t *testing.T) (*Executor, domain.ExecutionStore) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := &config.Config{
		Clouds: config.CloudsDocument{
			Primary: domain.CloudConfig{
				CloudName: "aws-east",
				DBConfigs: []domain.DatabaseConfig{
					{Name: "orders", Host: "h1", Port: 5432, User: "u", Password: "p", Database: "orders", Schemas: []string{"public"}, DefaultSchema: "public"},
				},
			},
			Secondary: []domain.CloudConfig{
				{CloudName: "gcp-west", DBConfigs: []domain.DatabaseConfig{
					{Name: "orders", Host: "h2", Port: 5432, User: "u", Password: "p", Database: "orders", Schemas: []string{"public"}, DefaultSchema: "public"},
				}},
			},
		},
		Runtime: config.Runtime{MaxQueryTimeoutMs: 1000, StatementTimeoutMs: 1000},
	}
	reg := pool.NewRegistry(cfg, log)
	memStore := store.NewMemoryStore(log)
	t.Cleanup(memStore.Stop)
	active := store.NewActiveRegistry()
	return New(reg, memStore, active, cfg, log), memStore
}

func TestResolveTargets_ModeBoth(t *testing.T) {
	e, _ := testExecutor(t)
	targets := e.resolveTargets(domain.QueryRequest{Mode: string(domain.ModeBoth), Database: "orders"})
	require.Len(t, targets, 2)
	assert.Equal(t, "aws-east", targets[0].CloudName)
	assert.Equal(t, "gcp-west", targets[1].CloudName)
}

func TestResolveTargets_SingleCloud(t *testing.T) {
	e, _ := testExecutor(t)
	targets := e.resolveTargets(domain.QueryRequest{Mode: "gcp-west", Database: "orders"})
	require.Len(t, targets, 1)
	assert.Equal(t, "gcp-west", targets[0].CloudName)
}

func TestAggregateSuccess(t *testing.T) {
	assert.False(t, aggregateSuccess(map[string]domain.TargetResult{}))
	assert.True(t, aggregateSuccess(map[string]domain.TargetResult{
		"a": {Success: true}, "b": {Success: true},
	}))
	assert.False(t, aggregateSuccess(map[string]domain.TargetResult{
		"a": {Success: true}, "b": {Success: false},
	}))
}

func TestCloneResults_IsIndependentCopy(t *testing.T) {
	orig := map[string]domain.TargetResult{"a": {Success: true}}
	clone := cloneResults(orig)
	clone["a"] = domain.TargetResult{Success: false}
	assert.True(t, orig["a"].Success)
}

func TestBeginEndStatementDetection(t *testing.T) {
	assert.True(t, reBeginStmt.MatchString("BEGIN"))
	assert.True(t, reBeginStmt.MatchString("start transaction"))
	assert.False(t, reBeginStmt.MatchString("SELECT 1"))
	assert.True(t, reEndStmt.MatchString("COMMIT"))
	assert.True(t, reEndStmt.MatchString("rollback"))
}

func TestSubmit_InitializesRecordAndEventuallyFailsOnUnreachablePool(t *testing.T) {
	e, st := testExecutor(t)
	ctx := t.Context()

	id, err := e.Submit(ctx, "user-1", domain.QueryRequest{
		Query: "SELECT 1;", Database: "orders", Mode: "aws-east",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, found, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "user-1", rec.UserID)

	require.Eventually(t, func() bool {
		rec, found, err := st.Get(ctx, id)
		return err == nil && found && rec.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)

	rec, _, err = st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
}

// fakeQuerier drives runStatementLoop without a live Postgres connection:
// any statement containing "INVALID_SQL" fails, everything else (including
// the synthetic ROLLBACK) succeeds.
type fakeQuerier struct {
	calls []string
}

func (f *fakeQuerier) execStatement(_ context.Context, stmt string) statementOutcome {
	f.calls = append(f.calls, stmt)
	if strings.Contains(stmt, "INVALID_SQL") {
		return statementOutcome{err: errors.New(`syntax error at or near "INVALID_SQL"`)}
	}
	return statementOutcome{result: domain.StatementResult{Command: "OK"}}
}

const rollbackBatch = "BEGIN; UPDATE t SET x=1 WHERE id=1; INVALID_SQL; INSERT INTO t VALUES(2);"

func TestRunStatementLoop_AutoRollbackStopsWithoutContinueOnError(t *testing.T) {
	e, st := testExecutor(t)
	ctx := t.Context()
	require.NoError(t, st.Init(ctx, "exec-4", "user-1"))

	stmts, cats, err := policy.ClassifySQL(rollbackBatch)
	require.NoError(t, err)
	require.Len(t, stmts, 4)

	fq := &fakeQuerier{}
	results, success := e.runStatementLoop(ctx, "exec-4", fq, stmts, cats, false, time.Second)

	require.False(t, success)
	require.Len(t, results, 4)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.False(t, results[2].Success)
	assert.NotEmpty(t, results[2].Error)
	assert.Equal(t, "ROLLBACK (auto)", results[3].Statement)
	assert.True(t, results[3].Success)

	// the INSERT is never reached: continueOnError=false stops right after
	// the synthetic rollback.
	for _, c := range fq.calls {
		assert.NotContains(t, c, "INSERT")
	}
}

func TestRunStatementLoop_AutoRollbackThenContinueOnError(t *testing.T) {
	e, st := testExecutor(t)
	ctx := t.Context()
	require.NoError(t, st.Init(ctx, "exec-5", "user-1"))

	stmts, cats, err := policy.ClassifySQL(rollbackBatch)
	require.NoError(t, err)
	require.Len(t, stmts, 4)

	fq := &fakeQuerier{}
	results, success := e.runStatementLoop(ctx, "exec-5", fq, stmts, cats, true, time.Second)

	// overall success is false because the third statement failed, even
	// though continueOnError let the batch run to completion.
	require.False(t, success)
	require.Len(t, results, 5)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.False(t, results[2].Success)
	assert.Equal(t, "ROLLBACK (auto)", results[3].Statement)
	assert.True(t, results[3].Success)
	assert.Equal(t, stmts[3], results[4].Statement)
	assert.True(t, results[4].Success)
}

func TestSubmit_UnknownCloudNameIsConfigErrorPerTarget(t *testing.T) {
	e, st := testExecutor(t)
	ctx := t.Context()

	id, err := e.Submit(ctx, "user-1", domain.QueryRequest{
		Query: "SELECT 1;", Database: "orders", Mode: "not-a-cloud",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, found, err := st.Get(ctx, id)
		return err == nil && found && rec.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)

	rec, _, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)

	resp, ok := rec.Result.(domain.SQLResponse)
	require.True(t, ok, "expected result to be domain.SQLResponse, got %T", rec.Result)
	assert.Contains(t, resp.Targets["not-a-cloud"].Error, "is not declared in configuration")
}

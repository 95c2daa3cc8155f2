package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fanoutctl/internal/config"
	"fanoutctl/internal/domain"
	"fanoutctl/internal/kvscan"
	"fanoutctl/internal/pool"
	"fanoutctl/internal/sqlexec"
	"fanoutctl/internal/store"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg := &config.Config{
		Clouds: config.CloudsDocument{
			Primary: domain.CloudConfig{
				CloudName: "aws-east",
				DBConfigs: []domain.DatabaseConfig{{
					Name: "orders", Host: "db1", Port: 5432, User: "u", Password: "p",
					Database: "orders", Schemas: []string{"public"}, DefaultSchema: "public",
				}},
			},
			KVClouds: []domain.CloudConfig{
				{CloudName: "cache-east", Host: "kv1", Port: 7000},
			},
		},
		Runtime: config.Runtime{
			MaxQueryTimeoutMs: 5000,
			StatementTimeoutMs: 5000,
		},
	}
	reg := pool.NewRegistry(cfg, log)
	memStore := store.NewMemoryStore(log)
	t.Cleanup(memStore.Stop)
	active := store.NewActiveRegistry()

	sqlExec := sqlexec.New(reg, memStore, active, cfg, log)
	scanExec := kvscan.New(reg, memStore, log)

	return NewServer(sqlExec, scanExec, memStore, active, cfg, log)
}

func withRole(r *http.Request, role domain.Role) *http.Request {
	ctx := domain.WithPrincipal(r.Context(), domain.ContextPrincipal{ID: "user-1", Role: role})
	return r.WithContext(ctx)
}

func withPrincipal(r *http.Request, id string, role domain.Role) *http.Request {
	ctx := domain.WithPrincipal(r.Context(), domain.ContextPrincipal{ID: id, Role: role})
	return r.WithContext(ctx)
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, target string, role domain.Role, body any, urlParams map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req = withRole(req, role)

	if len(urlParams) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range urlParams {
			rctx.URLParams.Add(k, v)
		}
		req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	}

	w := httptest.NewRecorder()
	handler(w, req)
	return w
}

func TestHandleQueryValidate_AllowsSelectForReader(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.handleQueryValidate, http.MethodPost, "/api/query/validate", domain.RoleReader,
		validateQueryRequest{Query: "SELECT 1"}, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp validateQueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
}

func TestHandleQueryValidate_DeniesWriteForReader(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.handleQueryValidate, http.MethodPost, "/api/query/validate", domain.RoleReader,
		validateQueryRequest{Query: "INSERT INTO t VALUES (1)"}, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp validateQueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Error)
}

func TestHandleQueryExecute_ReaderDeniedWrite(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.handleQueryExecute, http.MethodPost, "/api/query/execute", domain.RoleReader,
		executeQueryRequest{Query: "DELETE FROM t", Database: "orders", Mode: "aws-east"}, nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleQueryExecute_MasterMissingReauthPasswordRejected(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.handleQueryExecute, http.MethodPost, "/api/query/execute", domain.RoleMaster,
		executeQueryRequest{Query: "DELETE FROM t WHERE id = 1", Database: "orders", Mode: "aws-east"}, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleQueryExecute_MasterWrongReauthPasswordRejected(t *testing.T) {
	s := testServer(t)
	s.reauth = newReauthVerifier("$2a$10$92IXUNpkjO0rOQ5byMi.Ye4oKoEa3Ro9llC/.og/at2uheWG/igi6")
	w := doJSON(t, s.handleQueryExecute, http.MethodPost, "/api/query/execute", domain.RoleMaster,
		executeQueryRequest{Query: "DELETE FROM t WHERE id = 1", Database: "orders", Mode: "aws-east", Password: "definitely-wrong"}, nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleQueryExecute_AcceptsSelectForUser(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.handleQueryExecute, http.MethodPost, "/api/query/execute", domain.RoleUser,
		executeQueryRequest{Query: "SELECT 1", Database: "orders", Mode: "aws-east"}, nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp executeQueryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ExecutionID)
}

func TestHandleQueryStatus_NotFound(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.handleQueryStatus, http.MethodGet, "/api/query/status/missing", domain.RoleUser,
		nil, map[string]string{"id": "missing"})

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleQueryActive_EmptyWhenNothingRunning(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.handleQueryActive, http.MethodGet, "/api/query/active", domain.RoleUser, nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp []activeExecution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp)
}

func TestHandleRedisExecute_BlockedCommandRejected(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.handleRedisExecute, http.MethodPost, "/api/redis/execute", domain.RoleMaster,
		redisExecuteRequest{Command: "FLUSHALL", Cloud: "cache-east"}, nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleRedisScan_WildcardPatternRejected(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.handleRedisScan, http.MethodPost, "/api/redis/scan", domain.RoleUser,
		redisScanRequest{Pattern: "*", Cloud: "cache-east", Action: "preview"}, nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleRedisScan_DeleteDeniedForReader(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.handleRedisScan, http.MethodPost, "/api/redis/scan", domain.RoleReader,
		redisScanRequest{Pattern: "session:*", Cloud: "cache-east", Action: "delete"}, nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleRedisScan_PreviewAcceptedForUser(t *testing.T) {
	s := testServer(t)
	w := doJSON(t, s.handleRedisScan, http.MethodPost, "/api/redis/scan", domain.RoleUser,
		redisScanRequest{Pattern: "session:*", Cloud: "cache-east", Action: "preview"}, nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp scanSubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ExecutionID)
}

func cancelRequest(t *testing.T, id, principalID string, role domain.Role) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/query/cancel/"+id, nil)
	req = withPrincipal(req, principalID, role)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleQueryCancel_OwnerCanCancelOwnExecution(t *testing.T) {
	s := testServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.Init(ctx, "exec-owned", "user-1"))

	w := httptest.NewRecorder()
	s.handleQueryCancel(w, cancelRequest(t, "exec-owned", "user-1", domain.RoleUser))
	assert.Equal(t, http.StatusOK, w.Code)

	rec, found, err := s.store.Get(ctx, "exec-owned")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.StatusCancelled, rec.Status)
}

func TestHandleQueryCancel_NonOwnerForbidden(t *testing.T) {
	s := testServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.Init(ctx, "exec-owned", "user-1"))

	w := httptest.NewRecorder()
	s.handleQueryCancel(w, cancelRequest(t, "exec-owned", "user-2", domain.RoleUser))
	assert.Equal(t, http.StatusForbidden, w.Code)

	rec, found, err := s.store.Get(ctx, "exec-owned")
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEqual(t, domain.StatusCancelled, rec.Status)
}

func TestHandleQueryCancel_MasterCanCancelAnothersExecution(t *testing.T) {
	s := testServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.Init(ctx, "exec-owned", "user-1"))

	w := httptest.NewRecorder()
	s.handleQueryCancel(w, cancelRequest(t, "exec-owned", "user-2", domain.RoleMaster))
	assert.Equal(t, http.StatusOK, w.Code)

	rec, found, err := s.store.Get(ctx, "exec-owned")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.StatusCancelled, rec.Status)
}

func TestHandleQueryCancel_UnknownExecutionNotFound(t *testing.T) {
	s := testServer(t)
	w := httptest.NewRecorder()
	s.handleQueryCancel(w, cancelRequest(t, "missing", "user-1", domain.RoleUser))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func redisScanCancelRequest(t *testing.T, id, principalID string, role domain.Role) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/redis/scan/"+id+"/cancel", nil)
	req = withPrincipal(req, principalID, role)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleRedisScanCancel_OwnerCanCancelOwnRun(t *testing.T) {
	s := testServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.Init(ctx, "scan-owned", "user-1"))

	w := httptest.NewRecorder()
	s.handleRedisScanCancel(w, redisScanCancelRequest(t, "scan-owned", "user-1", domain.RoleUser))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleRedisScanCancel_NonOwnerForbidden(t *testing.T) {
	s := testServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.Init(ctx, "scan-owned", "user-1"))

	w := httptest.NewRecorder()
	s.handleRedisScanCancel(w, redisScanCancelRequest(t, "scan-owned", "user-2", domain.RoleUser))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleRedisScanCancel_MasterCanCancelAnothersRun(t *testing.T) {
	s := testServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.Init(ctx, "scan-owned", "user-1"))

	w := httptest.NewRecorder()
	s.handleRedisScanCancel(w, redisScanCancelRequest(t, "scan-owned", "user-2", domain.RoleMaster))
	assert.Equal(t, http.StatusOK, w.Code)
}

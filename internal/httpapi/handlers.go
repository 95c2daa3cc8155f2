package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fanoutctl/internal/domain"
	"fanoutctl/internal/policy"
)

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close() //nolint:errcheck
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func principalOrAnonymous(r *http.Request) domain.ContextPrincipal {
	p, ok := domain.PrincipalFromContext(r.Context())
	if !ok {
		return domain.ContextPrincipal{Role: domain.RoleReader}
	}
	return p
}

// handleQueryExecute is POST /api/query/execute: classifies the batch,
// authorizes it against the caller's role, checks password re-auth for
// dangerous verbs under MASTER, and hands off to the SQL Fan-Out Executor.
func (s *Server) handleQueryExecute(w http.ResponseWriter, r *http.Request) {
	var req executeQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}
	if req.Query == "" || req.Database == "" || req.Mode == "" {
		writeBadRequest(w, "query, database, and mode are required")
		return
	}

	principal := principalOrAnonymous(r)

	_, cats, err := policy.ClassifySQL(req.Query)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	decision := policy.Authorize(principal.Role, cats)
	if !decision.Allowed {
		writeForbidden(w, decision.Reason)
		return
	}
	if decision.RequiresPasswordReauth {
		if req.Password == "" {
			writeBadRequest(w, "password verification required")
			return
		}
		if !s.reauth.Verify(req.Password) {
			writeUnauthorized(w, "password re-authentication failed")
			return
		}
	}

	id, err := s.sql.Submit(r.Context(), principal.ID, req.toDomain())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, executeQueryResponse{ExecutionID: id})
}

// handleQueryValidate is POST /api/query/validate: runs classification and
// authorization without executing anything.
func (s *Server) handleQueryValidate(w http.ResponseWriter, r *http.Request) {
	var req validateQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}

	principal := principalOrAnonymous(r)

	_, cats, err := policy.ClassifySQL(req.Query)
	if err != nil {
		writeJSON(w, http.StatusOK, validateQueryResponse{Valid: false, Error: err.Error()})
		return
	}

	decision := policy.Authorize(principal.Role, cats)
	if !decision.Allowed {
		writeJSON(w, http.StatusOK, validateQueryResponse{Valid: false, Error: decision.Reason})
		return
	}
	writeJSON(w, http.StatusOK, validateQueryResponse{Valid: true})
}

// handleQueryStatus is GET /api/query/status/{id}: returns the execution
// record's current snapshot from the Execution Store.
func (s *Server) handleQueryStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, found, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeNotFound(w, "execution "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleQueryCancel is POST /api/query/cancel/{id}: flags the execution as
// cancelled in the store and issues engine-level cancellation to every
// backend session this replica currently has registered for it. MASTER may
// cancel any execution; everyone else may only cancel their own.
func (s *Server) handleQueryCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	principal := principalOrAnonymous(r)

	rec, found, err := s.store.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeNotFound(w, "execution "+id+" not found")
		return
	}
	if principal.Role != domain.RoleMaster && rec.UserID != principal.ID {
		writeForbidden(w, "cannot cancel another principal's execution")
		return
	}

	if err := s.store.MarkCancelled(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	for _, sess := range s.active.BackendSessions(id) {
		if sess.Cancel == nil {
			continue
		}
		if err := sess.Cancel(ctx); err != nil {
			s.log.Warn("engine-level cancel failed", "execution_id", id, "cloud", sess.CloudKey, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: true})
}

// handleQueryActive is GET /api/query/active: lists the in-flight
// executions that have at least one live client handle on this replica.
func (s *Server) handleQueryActive(w http.ResponseWriter, r *http.Request) {
	ids := s.active.ActiveExecutionIDs()
	out := make([]activeExecution, 0, len(ids))
	for _, id := range ids {
		sessions := s.active.BackendSessions(id)
		entries := make([]activeSessionEntry, 0, len(sessions))
		for _, sess := range sessions {
			entries = append(entries, activeSessionEntry{CloudKey: sess.CloudKey, EngineSessionID: sess.EngineSessionID})
		}
		out = append(out, activeExecution{ExecutionID: id, Sessions: entries})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRedisExecute is POST /api/redis/execute: synchronously fans a
// single cache command out to every resolved cloud.
func (s *Server) handleRedisExecute(w http.ResponseWriter, r *http.Request) {
	var req redisExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}
	if req.Command == "" || req.Cloud == "" {
		writeBadRequest(w, "command and cloud are required")
		return
	}

	principal := principalOrAnonymous(r)

	decision := policy.ClassifyRedisCommand(principal.Role, req.Command, req.Args, req.Raw)
	if !decision.Allowed {
		writeForbidden(w, decision.Reason)
		return
	}

	raw := s.scan.ExecuteCommand(r.Context(), req.Cloud, req.Command, req.Args)
	results := make(map[string]redisCloudCommandPayload, len(raw))
	success := len(raw) > 0
	for cloud, res := range raw {
		results[cloud] = redisCloudCommandPayload{
			Success:    res.Success,
			Data:       res.Data,
			Error:      res.Error,
			DurationMs: res.DurationMs,
		}
		if !res.Success {
			success = false
		}
	}

	writeJSON(w, http.StatusOK, redisExecuteResponse{
		ID:      domain.NewID(),
		Success: success,
		Command: req.Command,
		Results: results,
	})
}

// handleRedisScan is POST /api/redis/scan: validates the pattern and (for
// delete) write permission, then hands off to the Cache SCAN Executor.
func (s *Server) handleRedisScan(w http.ResponseWriter, r *http.Request) {
	var req redisScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}
	if req.Pattern == "" || req.Cloud == "" {
		writeBadRequest(w, "pattern and cloud are required")
		return
	}

	principal := principalOrAnonymous(r)

	decision := policy.ClassifyRedisCommand(principal.Role, "SCAN", []string{req.Pattern}, false)
	if !decision.Allowed {
		writeForbidden(w, decision.Reason)
		return
	}

	domainReq := req.toDomain()
	if domainReq.Action == domain.ScanActionDelete {
		deleteDecision := policy.ClassifyRedisCommand(principal.Role, "UNLINK", nil, false)
		if !deleteDecision.Allowed {
			writeForbidden(w, deleteDecision.Reason)
			return
		}
	}

	id, err := s.scan.Submit(r.Context(), principal.ID, domainReq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, scanSubmitResponse{ExecutionID: id})
}

// handleRedisScanStatus is GET /api/redis/scan/{id}.
func (s *Server) handleRedisScanStatus(w http.ResponseWriter, r *http.Request) {
	s.handleQueryStatus(w, r)
}

// handleRedisScanCancel is POST /api/redis/scan/{id}/cancel. The Cache SCAN
// Executor checks cooperatively at every suspension point; there are no
// registered engine-level sessions to cancel for it. MASTER may cancel any
// run; everyone else may only cancel their own.
func (s *Server) handleRedisScanCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	principal := principalOrAnonymous(r)

	rec, found, err := s.store.Get(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeNotFound(w, "execution "+id+" not found")
		return
	}
	if principal.Role != domain.RoleMaster && rec.UserID != principal.ID {
		writeForbidden(w, "cannot cancel another principal's execution")
		return
	}

	if err := s.store.MarkCancelled(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: true})
}

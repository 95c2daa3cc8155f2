package httpapi

import "fanoutctl/internal/domain"

// executeQueryRequest is the wire body for POST /api/query/execute.
type executeQueryRequest struct {
	Query           string `json:"query"`
	Database        string `json:"database"`
	Mode            string `json:"mode"`
	PgSchema        string `json:"pgSchema,omitempty"`
	TimeoutMs       int    `json:"timeout,omitempty"`
	Password        string `json:"password,omitempty"`
	ContinueOnError bool   `json:"continueOnError,omitempty"`
}

func (r executeQueryRequest) toDomain() domain.QueryRequest {
	return domain.QueryRequest{
		Query:           r.Query,
		Database:        r.Database,
		Mode:            r.Mode,
		PgSchema:        r.PgSchema,
		TimeoutMs:       r.TimeoutMs,
		Password:        r.Password,
		ContinueOnError: r.ContinueOnError,
	}
}

type executeQueryResponse struct {
	ExecutionID string `json:"executionId"`
}

type validateQueryRequest struct {
	Query string `json:"query"`
}

type validateQueryResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type activeExecution struct {
	ExecutionID string               `json:"executionId"`
	Sessions    []activeSessionEntry `json:"sessions"`
}

type activeSessionEntry struct {
	CloudKey        string `json:"cloudKey"`
	EngineSessionID uint32 `json:"engineSessionId"`
}

// redisExecuteRequest is the wire body for POST /api/redis/execute.
type redisExecuteRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Cloud   string   `json:"cloud"`
	Raw     bool     `json:"raw,omitempty"`
}

type redisExecuteResponse struct {
	ID      string                              `json:"id"`
	Success bool                                `json:"success"`
	Command string                              `json:"command"`
	Results map[string]redisCloudCommandPayload `json:"results"`
}

type redisCloudCommandPayload struct {
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// redisScanRequest is the wire body for POST /api/redis/scan.
type redisScanRequest struct {
	Pattern   string `json:"pattern"`
	Cloud     string `json:"cloud"`
	Action    string `json:"action"`
	ScanCount int    `json:"scanCount,omitempty"`
}

func (r redisScanRequest) toDomain() domain.ScanRequest {
	action := domain.ScanActionPreview
	if r.Action == string(domain.ScanActionDelete) {
		action = domain.ScanActionDelete
	}
	return domain.ScanRequest{
		Pattern:   r.Pattern,
		Cloud:     r.Cloud,
		Action:    action,
		ScanCount: r.ScanCount,
	}
}

type scanSubmitResponse struct {
	ExecutionID string `json:"executionId"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

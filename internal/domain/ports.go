package domain

import "context"

// ExecutionStore is the process-wide + cross-replica store of execution
// records, implemented by internal/store with a Redis-backed primary tier
// and an in-memory local-only fallback.
type ExecutionStore interface {
	Init(ctx context.Context, id, userID string) error
	Get(ctx context.Context, id string) (*ExecutionRecord, bool, error)
	UpdateProgress(ctx context.Context, id string, progress any) error
	SavePartial(ctx context.Context, id string, result any) error
	Complete(ctx context.Context, id string, result any, success bool) error
	Fail(ctx context.Context, id string, errMsg string) error
	MarkCancelled(ctx context.Context, id string) error
	IsCancelled(ctx context.Context, id string) (bool, error)
}

// ActiveClientRegistry is the per-replica (never shared) map of live client
// handles used to route engine-level cancellation.
type ActiveClientRegistry interface {
	Register(executionID, cloudKey string, entry ActiveClientEntry)
	Release(executionID, cloudKey string)
	CompleteActive(executionID string)
	BackendSessions(executionID string) []BackendSession
	ActiveExecutionIDs() []string
}

// ActiveClientEntry is one tracked handle for a running target.
type ActiveClientEntry struct {
	CloudKey        string
	EngineSessionID uint32
	Cancel          func(ctx context.Context) error
}

// BackendSession names a tracked (cloudKey, engine session id) pair, used by
// cancel to issue engine-level session termination.
type BackendSession struct {
	CloudKey        string
	EngineSessionID uint32
	Cancel          func(ctx context.Context) error
}

package store

import (
	"sync"

	"fanoutctl/internal/domain"
)

// ActiveRegistry is the per-replica, in-memory-only registry of live
// client handles, used to route engine-level cancellation. It is never
// shared across replicas (§4.3, §5).
type ActiveRegistry struct {
	mu      sync.Mutex
	entries map[string]map[string]domain.ActiveClientEntry // executionID -> cloudKey -> entry
}

// NewActiveRegistry constructs an empty per-replica registry.
func NewActiveRegistry() *ActiveRegistry {
	return &ActiveRegistry{entries: make(map[string]map[string]domain.ActiveClientEntry)}
}

func (r *ActiveRegistry) Register(executionID, cloudKey string, entry domain.ActiveClientEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.entries[executionID]
	if !ok {
		m = make(map[string]domain.ActiveClientEntry)
		r.entries[executionID] = m
	}
	m[cloudKey] = entry
}

func (r *ActiveRegistry) Release(executionID, cloudKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.entries[executionID]
	if !ok {
		return
	}
	delete(m, cloudKey)
	if len(m) == 0 {
		delete(r.entries, executionID)
	}
}

func (r *ActiveRegistry) CompleteActive(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, executionID)
}

// ActiveExecutionIDs returns every execution ID with at least one live
// client handle registered on this replica, for GET /api/query/active.
func (r *ActiveRegistry) ActiveExecutionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

func (r *ActiveRegistry) BackendSessions(executionID string) []domain.BackendSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.entries[executionID]
	if !ok {
		return nil
	}
	sessions := make([]domain.BackendSession, 0, len(m))
	for cloudKey, entry := range m {
		sessions = append(sessions, domain.BackendSession{
			CloudKey:        cloudKey,
			EngineSessionID: entry.EngineSessionID,
			Cancel:          entry.Cancel,
		})
	}
	return sessions
}

package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fanoutctl/internal/domain"
)

// recordMaxAge matches §4.3: records are evicted 25 minutes past
// endTime; the sweep itself runs every 5 minutes.
const recordMaxAge = 25 * time.Minute

// MemoryStore is the local-only fallback tier, used only when REDIS_HOST is
// localhost/127.0.0.1. It must never be selected in production (§9 design
// notes, §14 locked answer 1).
type MemoryStore struct {
	log *slog.Logger

	mu        sync.Mutex
	records   map[string]*domain.ExecutionRecord
	cancelled map[string]bool

	sweeper *cron.Cron
}

// NewMemoryStore constructs the in-memory fallback and starts its 5-minute
// TTL sweep.
func NewMemoryStore(log *slog.Logger) *MemoryStore {
	s := &MemoryStore{
		log:       log,
		records:   make(map[string]*domain.ExecutionRecord),
		cancelled: make(map[string]bool),
		sweeper:   cron.New(),
	}
	_, err := s.sweeper.AddFunc("@every 5m", s.sweep)
	if err != nil {
		log.Error("failed to schedule execution store sweep", "err", err)
	}
	s.sweeper.Start()
	return s
}

// Stop halts the background sweep. Intended for graceful shutdown and tests.
func (s *MemoryStore) Stop() {
	s.sweeper.Stop()
}

func (s *MemoryStore) sweep() {
	cutoff := domain.NowMillis() - recordMaxAge.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, rec := range s.records {
		if rec.Status.IsTerminal() && rec.EndTime > 0 && rec.EndTime < cutoff {
			delete(s.records, id)
			delete(s.cancelled, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.log.Info("execution store sweep evicted expired records", "count", evicted)
	}
}

func (s *MemoryStore) Init(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[id]; exists {
		return domain.ErrConflict("execution %s already exists", id)
	}
	s.records[id] = &domain.ExecutionRecord{
		ID:        id,
		UserID:    userID,
		Status:    domain.StatusRunning,
		StartTime: domain.NowMillis(),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.ExecutionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	copyRec := *rec
	return &copyRec, true, nil
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id string, progress any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status.IsTerminal() {
		return nil
	}
	rec.Progress = progress
	return nil
}

func (s *MemoryStore) SavePartial(_ context.Context, id string, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	rec.Result = result
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, id string, result any, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status.IsTerminal() {
		return nil
	}
	rec.Result = result
	rec.EndTime = domain.NowMillis()
	if success {
		rec.Status = domain.StatusCompleted
	} else {
		rec.Status = domain.StatusFailed
	}
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status == domain.StatusCancelled || rec.Status.IsTerminal() {
		return nil
	}
	rec.Status = domain.StatusFailed
	rec.Error = errMsg
	rec.EndTime = domain.NowMillis()
	return nil
}

func (s *MemoryStore) MarkCancelled(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[id] = true
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	rec.Status = domain.StatusCancelled
	rec.EndTime = domain.NowMillis()
	return nil
}

func (s *MemoryStore) IsCancelled(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled[id] {
		return true, nil
	}
	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}
	return rec.Status == domain.StatusCancelled, nil
}

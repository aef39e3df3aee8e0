package saga

import (
	"context"
	"sync"
	"time"
)

// SagaState represents the lifecycle state of a saga transaction.
type SagaState string

const (
	SagaPending      SagaState = "PENDING"
	SagaRunning      SagaState = "RUNNING"
	SagaCompleted    SagaState = "COMPLETED"
	SagaCompensating SagaState = "COMPENSATING"
	SagaFailed       SagaState = "FAILED"
)

// Step is a saga unit of work with a compensating action.
type Step interface {
	Execute(ctx context.Context) error
	Compensate(ctx context.Context) error
}

// FuncStep adapts a pair of functions into a Step. A nil compensate
// function makes the step irreversible (compensation is a no-op).
type FuncStep struct {
	Name         string
	ExecuteFn    func(ctx context.Context) error
	CompensateFn func(ctx context.Context) error
}

func (s FuncStep) Execute(ctx context.Context) error {
	if s.ExecuteFn == nil {
		return nil
	}
	return s.ExecuteFn(ctx)
}

func (s FuncStep) Compensate(ctx context.Context) error {
	if s.CompensateFn == nil {
		return nil
	}
	return s.CompensateFn(ctx)
}

// SagaLog is the persisted record of a saga execution.
type SagaLog struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       SagaState `json:"state"`
	Steps       []string  `json:"steps"`
	CurrentStep int       `json:"currentStep"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SagaStore persists and loads saga logs for recovery/observability.
type SagaStore interface {
	Save(ctx context.Context, log *SagaLog) error
	Get(ctx context.Context, id string) (*SagaLog, error)
	Update(ctx context.Context, log *SagaLog) error
}

// MemoryStore is an in-process SagaStore.
type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string]*SagaLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*SagaLog)}
}

func (s *MemoryStore) Save(_ context.Context, log *SagaLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *log
	s.logs[log.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*SagaLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.logs[id]
	if !ok {
		return nil, nil
	}
	cp := *log
	return &cp, nil
}

func (s *MemoryStore) Update(_ context.Context, log *SagaLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *log
	s.logs[log.ID] = &cp
	return nil
}

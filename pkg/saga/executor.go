package saga

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

type Executor struct {
	store SagaStore
}

func NewExecutor(store SagaStore) *Executor {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Executor{store: store}
}

// Run 执行 saga，失败时自动补偿
func (e *Executor) Run(ctx context.Context, name string, steps []Step) error {
	now := time.Now()
	log := &SagaLog{
		ID:        newID(),
		Name:      name,
		State:     SagaRunning,
		Steps:     make([]string, len(steps)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, step := range steps {
		if fs, ok := step.(FuncStep); ok && fs.Name != "" {
			log.Steps[i] = fs.Name
			continue
		}
		log.Steps[i] = fmt.Sprintf("step-%d", i)
	}
	if err := e.store.Save(ctx, log); err != nil {
		return err
	}

	for i, step := range steps {
		log.CurrentStep = i
		log.UpdatedAt = time.Now()
		if err := e.store.Update(ctx, log); err != nil {
			return e.compensate(ctx, log, steps, i, fmt.Errorf("saga log update failed: %w", err))
		}
		if err := step.Execute(ctx); err != nil {
			return e.compensate(ctx, log, steps, i, err)
		}
	}

	log.State = SagaCompleted
	log.CurrentStep = len(steps)
	log.Error = ""
	log.UpdatedAt = time.Now()
	return e.store.Update(ctx, log)
}

// compensate 逆序补偿已执行的步骤，返回原始错误
func (e *Executor) compensate(ctx context.Context, log *SagaLog, steps []Step, failedAt int, cause error) error {
	log.Error = cause.Error()
	log.State = SagaCompensating
	log.UpdatedAt = time.Now()
	_ = e.store.Update(ctx, log)

	var compErr error
	for j := failedAt - 1; j >= 0; j-- {
		if err := steps[j].Compensate(ctx); err != nil && compErr == nil {
			compErr = err
		}
	}

	log.State = SagaFailed
	log.UpdatedAt = time.Now()
	_ = e.store.Update(ctx, log)

	if compErr != nil {
		return fmt.Errorf("execute failed: %w; compensate failed: %v", cause, compErr)
	}
	return cause
}

func newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/fund/execution/pkg/errors"
)

// IDGenerator ID 生成器接口
type IDGenerator interface {
	NextID() int64
}

// Vault 基金托管服务。所有余额变动都经由这里，调用方只有交易适配器。
type Vault struct {
	db    *sql.DB
	repo  *CustodyRepository
	idGen IDGenerator
}

// New 创建托管服务
func New(db *sql.DB, idGen IDGenerator) *Vault {
	return &Vault{
		db:    db,
		repo:  NewCustodyRepository(db),
		idGen: idGen,
	}
}

// Movement 一次托管变动请求
type Movement struct {
	IdempotencyKey string
	Asset          string
	Amount         int64
	RefType        string
	RefID          string
}

func (m *Movement) validate() error {
	if m == nil || m.IdempotencyKey == "" || m.Asset == "" || m.Amount <= 0 {
		return apperrors.ErrInvalidParam
	}
	return nil
}

// Withdraw 划出资产等待外部结算（可用 -> 在途）
func (v *Vault) Withdraw(ctx context.Context, m *Movement) error {
	if err := m.validate(); err != nil {
		return err
	}
	entry := &CustodyEntry{
		LedgerID:       v.idGen.NextID(),
		IdempotencyKey: m.IdempotencyKey,
		Asset:          m.Asset,
		AvailableDelta: -m.Amount,
		EscrowedDelta:  m.Amount,
		Reason:         ReasonOrderEscrow,
		RefType:        m.RefType,
		RefID:          m.RefID,
		CreatedAt:      time.Now().UnixMilli(),
	}
	return v.run(ctx, "withdraw", entry, v.repo.Withdraw)
}

// Release 在途回补（补偿路径：在途 -> 可用）
func (v *Vault) Release(ctx context.Context, m *Movement) error {
	if err := m.validate(); err != nil {
		return err
	}
	entry := &CustodyEntry{
		LedgerID:       v.idGen.NextID(),
		IdempotencyKey: m.IdempotencyKey,
		Asset:          m.Asset,
		AvailableDelta: m.Amount,
		EscrowedDelta:  -m.Amount,
		Reason:         ReasonEscrowRelease,
		RefType:        m.RefType,
		RefID:          m.RefID,
		CreatedAt:      time.Now().UnixMilli(),
	}
	return v.run(ctx, "release", entry, v.repo.Release)
}

// Settle 在途交付（资产已到达交易场所）
func (v *Vault) Settle(ctx context.Context, m *Movement) error {
	if err := m.validate(); err != nil {
		return err
	}
	entry := &CustodyEntry{
		LedgerID:       v.idGen.NextID(),
		IdempotencyKey: m.IdempotencyKey,
		Asset:          m.Asset,
		AvailableDelta: 0,
		EscrowedDelta:  -m.Amount,
		Reason:         ReasonSettleOut,
		RefType:        m.RefType,
		RefID:          m.RefID,
		CreatedAt:      time.Now().UnixMilli(),
	}
	return v.run(ctx, "settle", entry, v.repo.Settle)
}

// Deposit 入账结算所得
func (v *Vault) Deposit(ctx context.Context, m *Movement) error {
	if err := m.validate(); err != nil {
		return err
	}
	entry := &CustodyEntry{
		LedgerID:       v.idGen.NextID(),
		IdempotencyKey: m.IdempotencyKey,
		Asset:          m.Asset,
		AvailableDelta: m.Amount,
		EscrowedDelta:  0,
		Reason:         ReasonDepositIn,
		RefType:        m.RefType,
		RefID:          m.RefID,
		CreatedAt:      time.Now().UnixMilli(),
	}
	return v.run(ctx, "deposit", entry, v.repo.Deposit)
}

// Balance 查询单一资产
func (v *Vault) Balance(ctx context.Context, asset string) (*Balance, error) {
	return v.repo.GetBalance(ctx, asset)
}

// Balances 查询全部资产
func (v *Vault) Balances(ctx context.Context) ([]*Balance, error) {
	return v.repo.GetBalances(ctx)
}

// Ledger 查询账本
func (v *Vault) Ledger(ctx context.Context, asset string, limit int) ([]*CustodyEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return v.repo.ListLedger(ctx, asset, limit)
}

// LedgerSums 按资产汇总账本增量（对账用）
func (v *Vault) LedgerSums(ctx context.Context) (map[string][2]int64, error) {
	return v.repo.SumLedger(ctx)
}

func (v *Vault) run(ctx context.Context, op string, entry *CustodyEntry, apply func(context.Context, *sql.Tx, *CustodyEntry) error) error {
	err := v.withOptimisticRetry(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return apply(ctx, tx, entry)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIdempotencyConflict) {
		// 幂等重试：同一变动已经落账
		return nil
	}
	if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrInsufficientEscrow) {
		return apperrors.Newf(apperrors.CodeInsufficientCustody, "%s %s: %s", op, entry.Asset, err)
	}
	return fmt.Errorf("%s %s: %w", op, entry.Asset, err)
}

func (v *Vault) withOptimisticRetry(ctx context.Context, op func(context.Context, *sql.Tx) error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tx, err := v.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		err = op(ctx, tx)
		if err == nil {
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
			return nil
		}
		rbErr := tx.Rollback()
		if rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("rollback: %w", rbErr)
		}
		lastErr = err
		if !errors.Is(err, ErrOptimisticLockFailed) {
			return err
		}
	}
	return lastErr
}

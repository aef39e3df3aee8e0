// Package vault 基金资产托管
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientEscrow   = errors.New("insufficient escrow")
	ErrIdempotencyConflict  = errors.New("idempotency conflict")
	ErrOptimisticLockFailed = errors.New("optimistic lock failed")
)

// Balance 单一资产的托管余额
type Balance struct {
	Asset     string
	Available int64 // 最小单位整数
	Escrowed  int64 // 已划出等待外部结算的部分
	Version   int64
	UpdatedAt int64
}

// Total 可用与在途之和
func (b *Balance) Total() int64 {
	if b == nil {
		return 0
	}
	return b.Available + b.Escrowed
}

// CustodyEntry 托管账本流水
type CustodyEntry struct {
	LedgerID       int64
	IdempotencyKey string
	Asset          string
	AvailableDelta int64
	EscrowedDelta  int64
	AvailableAfter int64
	EscrowedAfter  int64
	Reason         int
	RefType        string
	RefID          string
	Note           string
	CreatedAt      int64
}

// CustodyReason 托管变动原因
const (
	ReasonOrderEscrow   = 1 // 下单/吃单划出
	ReasonEscrowRelease = 2 // 外部调用失败，补偿回可用
	ReasonSettleOut     = 3 // 资产已交付交易场所
	ReasonDepositIn     = 4 // 结算所得入账
	ReasonAdjust        = 9
)

// CustodyRepository 托管余额仓储
type CustodyRepository struct {
	db *sql.DB
}

// NewCustodyRepository 创建仓储
func NewCustodyRepository(db *sql.DB) *CustodyRepository {
	return &CustodyRepository{db: db}
}

// GetBalance 获取余额
func (r *CustodyRepository) GetBalance(ctx context.Context, asset string) (*Balance, error) {
	query := `
		SELECT asset, available, escrowed, version, updated_at_ms
		FROM fund_execution.custody_balances
		WHERE asset = $1
	`
	var b Balance
	err := r.db.QueryRowContext(ctx, query, asset).Scan(
		&b.Asset, &b.Available, &b.Escrowed, &b.Version, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		// 返回零余额
		return &Balance{
			Asset:     asset,
			Available: 0,
			Escrowed:  0,
			Version:   0,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return &b, nil
}

// GetBalances 获取全部托管余额
func (r *CustodyRepository) GetBalances(ctx context.Context) ([]*Balance, error) {
	query := `
		SELECT asset, available, escrowed, version, updated_at_ms
		FROM fund_execution.custody_balances
		ORDER BY asset
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var balances []*Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.Asset, &b.Available, &b.Escrowed, &b.Version, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		balances = append(balances, &b)
	}
	return balances, rows.Err()
}

// Withdraw 划出资产（可用 -> 在途），等待外部结算
func (r *CustodyRepository) Withdraw(ctx context.Context, tx *sql.Tx, entry *CustodyEntry) error {
	exists, err := r.checkIdempotency(ctx, tx, entry.IdempotencyKey)
	if err != nil {
		return err
	}
	if exists {
		return ErrIdempotencyConflict
	}

	balance, err := r.getBalanceForUpdate(ctx, tx, entry.Asset)
	if err != nil {
		return err
	}

	amount := -entry.AvailableDelta // 划出时 AvailableDelta 为负
	if balance.Available < amount {
		return ErrInsufficientBalance
	}

	return r.apply(ctx, tx, balance, entry)
}

// Release 在途回补（外部调用失败的补偿：在途 -> 可用）
func (r *CustodyRepository) Release(ctx context.Context, tx *sql.Tx, entry *CustodyEntry) error {
	exists, err := r.checkIdempotency(ctx, tx, entry.IdempotencyKey)
	if err != nil {
		return err
	}
	if exists {
		return ErrIdempotencyConflict
	}

	balance, err := r.getBalanceForUpdate(ctx, tx, entry.Asset)
	if err != nil {
		return err
	}

	amount := -entry.EscrowedDelta // 回补时 EscrowedDelta 为负
	if balance.Escrowed < amount {
		return ErrInsufficientEscrow
	}

	return r.apply(ctx, tx, balance, entry)
}

// Settle 在途交付（资产已到达交易场所：仅减少在途）
func (r *CustodyRepository) Settle(ctx context.Context, tx *sql.Tx, entry *CustodyEntry) error {
	exists, err := r.checkIdempotency(ctx, tx, entry.IdempotencyKey)
	if err != nil {
		return err
	}
	if exists {
		return ErrIdempotencyConflict
	}

	balance, err := r.getBalanceForUpdate(ctx, tx, entry.Asset)
	if err != nil {
		return err
	}

	amount := -entry.EscrowedDelta
	if balance.Escrowed < amount {
		return ErrInsufficientEscrow
	}

	return r.apply(ctx, tx, balance, entry)
}

// Deposit 入账（结算所得，可用增加）
func (r *CustodyRepository) Deposit(ctx context.Context, tx *sql.Tx, entry *CustodyEntry) error {
	exists, err := r.checkIdempotency(ctx, tx, entry.IdempotencyKey)
	if err != nil {
		return err
	}
	if exists {
		return ErrIdempotencyConflict
	}

	balance, err := r.getBalanceForUpdate(ctx, tx, entry.Asset)
	if err != nil {
		return err
	}

	return r.apply(ctx, tx, balance, entry)
}

// apply 应用余额变动并写入账本
func (r *CustodyRepository) apply(ctx context.Context, tx *sql.Tx, balance *Balance, entry *CustodyEntry) error {
	newAvailable := balance.Available + entry.AvailableDelta
	newEscrowed := balance.Escrowed + entry.EscrowedDelta

	if newAvailable < 0 || newEscrowed < 0 {
		return ErrInsufficientBalance
	}

	entry.AvailableAfter = newAvailable
	entry.EscrowedAfter = newEscrowed

	if err := r.updateBalance(ctx, tx, entry.Asset, newAvailable, newEscrowed, balance.Version); err != nil {
		return err
	}

	return r.insertLedger(ctx, tx, entry)
}

func (r *CustodyRepository) checkIdempotency(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	query := `SELECT 1 FROM fund_execution.custody_ledger WHERE idempotency_key = $1`
	var exists int
	err := tx.QueryRowContext(ctx, query, key).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check idempotency: %w", err)
	}
	return true, nil
}

func (r *CustodyRepository) getBalanceForUpdate(ctx context.Context, tx *sql.Tx, asset string) (*Balance, error) {
	query := `
		SELECT asset, available, escrowed, version, updated_at_ms
		FROM fund_execution.custody_balances
		WHERE asset = $1
		FOR UPDATE
	`
	var b Balance
	err := tx.QueryRowContext(ctx, query, asset).Scan(
		&b.Asset, &b.Available, &b.Escrowed, &b.Version, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		// 创建新记录
		return &Balance{
			Asset:     asset,
			Available: 0,
			Escrowed:  0,
			Version:   0,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance for update: %w", err)
	}
	return &b, nil
}

func (r *CustodyRepository) updateBalance(ctx context.Context, tx *sql.Tx, asset string, available, escrowed, version int64) error {
	now := time.Now().UnixMilli()

	if version == 0 {
		// INSERT
		query := `
			INSERT INTO fund_execution.custody_balances (asset, available, escrowed, version, updated_at_ms)
			VALUES ($1, $2, $3, 1, $4)
		`
		_, err := tx.ExecContext(ctx, query, asset, available, escrowed, now)
		if err != nil {
			return fmt.Errorf("insert balance: %w", err)
		}
	} else {
		// UPDATE with optimistic lock
		query := `
			UPDATE fund_execution.custody_balances
			SET available = $1, escrowed = $2, version = version + 1, updated_at_ms = $3
			WHERE asset = $4 AND version = $5
		`
		result, err := tx.ExecContext(ctx, query, available, escrowed, now, asset, version)
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrOptimisticLockFailed
		}
	}
	return nil
}

func (r *CustodyRepository) insertLedger(ctx context.Context, tx *sql.Tx, entry *CustodyEntry) error {
	query := `
		INSERT INTO fund_execution.custody_ledger
		(ledger_id, idempotency_key, asset, available_delta, escrowed_delta,
		 available_after, escrowed_after, reason, ref_type, ref_id, note, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := tx.ExecContext(ctx, query,
		entry.LedgerID, entry.IdempotencyKey, entry.Asset,
		entry.AvailableDelta, entry.EscrowedDelta, entry.AvailableAfter, entry.EscrowedAfter,
		entry.Reason, entry.RefType, entry.RefID, entry.Note, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger: %w", err)
	}
	return nil
}

// ListLedger 查询账本
func (r *CustodyRepository) ListLedger(ctx context.Context, asset string, limit int) ([]*CustodyEntry, error) {
	query := `
		SELECT ledger_id, idempotency_key, asset, available_delta, escrowed_delta,
		       available_after, escrowed_after, reason, ref_type, ref_id, note, created_at_ms
		FROM fund_execution.custody_ledger
		WHERE ($1 = '' OR asset = $1)
		ORDER BY created_at_ms DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, asset, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*CustodyEntry
	for rows.Next() {
		var e CustodyEntry
		if err := rows.Scan(
			&e.LedgerID, &e.IdempotencyKey, &e.Asset, &e.AvailableDelta, &e.EscrowedDelta,
			&e.AvailableAfter, &e.EscrowedAfter, &e.Reason, &e.RefType, &e.RefID, &e.Note, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// SumLedger 按资产汇总账本增量（对账用）
func (r *CustodyRepository) SumLedger(ctx context.Context) (map[string][2]int64, error) {
	query := `
		SELECT asset, COALESCE(SUM(available_delta), 0), COALESCE(SUM(escrowed_delta), 0)
		FROM fund_execution.custody_ledger
		GROUP BY asset
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sum ledger: %w", err)
	}
	defer rows.Close()

	sums := make(map[string][2]int64)
	for rows.Next() {
		var asset string
		var availableSum, escrowedSum int64
		if err := rows.Scan(&asset, &availableSum, &escrowedSum); err != nil {
			return nil, fmt.Errorf("scan ledger sum: %w", err)
		}
		sums[asset] = [2]int64{availableSum, escrowedSum}
	}
	return sums, rows.Err()
}

package vault

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	apperrors "github.com/fund/execution/pkg/errors"
)

func sqlmockNoRows() error {
	return sql.ErrNoRows
}

type seqIDGen struct {
	next int64
}

func (g *seqIDGen) NextID() int64 {
	g.next++
	return g.next
}

var (
	idemQuery    = regexp.QuoteMeta(`SELECT 1 FROM fund_execution.custody_ledger WHERE idempotency_key = $1`)
	lockQuery    = `SELECT asset, available, escrowed, version, updated_at_ms\s+FROM fund_execution\.custody_balances\s+WHERE asset = \$1\s+FOR UPDATE`
	updateQuery  = `UPDATE fund_execution\.custody_balances\s+SET available = \$1, escrowed = \$2, version = version \+ 1`
	insertBal    = `INSERT INTO fund_execution\.custody_balances`
	insertLedger = `INSERT INTO fund_execution\.custody_ledger`
)

func balanceRows(asset string, available, escrowed, version int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"asset", "available", "escrowed", "version", "updated_at_ms"}).
		AddRow(asset, available, escrowed, version, int64(1000))
}

func newVault(t *testing.T) (*Vault, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, &seqIDGen{}), mock
}

func TestWithdraw_MovesAvailableToEscrow(t *testing.T) {
	v, mock := newVault(t)

	mock.ExpectBegin()
	mock.ExpectQuery(idemQuery).WithArgs("k1").WillReturnError(sqlmockNoRows())
	mock.ExpectQuery(lockQuery).WithArgs("USDC").WillReturnRows(balanceRows("USDC", 1000, 0, 3))
	mock.ExpectExec(updateQuery).
		WithArgs(int64(900), int64(100), sqlmock.AnyArg(), "USDC", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertLedger).
		WithArgs(int64(1), "k1", "USDC", int64(-100), int64(100), int64(900), int64(100),
			ReasonOrderEscrow, "order", "42", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := v.Withdraw(context.Background(), &Movement{
		IdempotencyKey: "k1",
		Asset:          "USDC",
		Amount:         100,
		RefType:        "order",
		RefID:          "42",
	})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	v, mock := newVault(t)

	mock.ExpectBegin()
	mock.ExpectQuery(idemQuery).WithArgs("k1").WillReturnError(sqlmockNoRows())
	mock.ExpectQuery(lockQuery).WithArgs("USDC").WillReturnRows(balanceRows("USDC", 50, 0, 1))
	mock.ExpectRollback()

	err := v.Withdraw(context.Background(), &Movement{IdempotencyKey: "k1", Asset: "USDC", Amount: 100})
	if err == nil {
		t.Fatal("expected insufficient balance error")
	}
	if apperrors.CodeOf(err) != apperrors.CodeInsufficientCustody {
		t.Fatalf("expected CodeInsufficientCustody, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithdraw_IdempotentReplayIsNoop(t *testing.T) {
	v, mock := newVault(t)

	mock.ExpectBegin()
	mock.ExpectQuery(idemQuery).WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	err := v.Withdraw(context.Background(), &Movement{IdempotencyKey: "k1", Asset: "USDC", Amount: 100})
	if err != nil {
		t.Fatalf("replay should be a no-op, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithdraw_OptimisticLockRetries(t *testing.T) {
	v, mock := newVault(t)

	// 第一轮版本冲突
	mock.ExpectBegin()
	mock.ExpectQuery(idemQuery).WithArgs("k1").WillReturnError(sqlmockNoRows())
	mock.ExpectQuery(lockQuery).WithArgs("USDC").WillReturnRows(balanceRows("USDC", 1000, 0, 3))
	mock.ExpectExec(updateQuery).
		WithArgs(int64(900), int64(100), sqlmock.AnyArg(), "USDC", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	// 第二轮成功
	mock.ExpectBegin()
	mock.ExpectQuery(idemQuery).WithArgs("k1").WillReturnError(sqlmockNoRows())
	mock.ExpectQuery(lockQuery).WithArgs("USDC").WillReturnRows(balanceRows("USDC", 1000, 0, 4))
	mock.ExpectExec(updateQuery).
		WithArgs(int64(900), int64(100), sqlmock.AnyArg(), "USDC", int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insertLedger).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := v.Withdraw(context.Background(), &Movement{IdempotencyKey: "k1", Asset: "USDC", Amount: 100})
	if err != nil {
		t.Fatalf("withdraw after retry: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSettle_InsufficientEscrow(t *testing.T) {
	v, mock := newVault(t)

	mock.ExpectBegin()
	mock.ExpectQuery(idemQuery).WithArgs("k2").WillReturnError(sqlmockNoRows())
	mock.ExpectQuery(lockQuery).WithArgs("USDC").WillReturnRows(balanceRows("USDC", 900, 50, 2))
	mock.ExpectRollback()

	err := v.Settle(context.Background(), &Movement{IdempotencyKey: "k2", Asset: "USDC", Amount: 100})
	if apperrors.CodeOf(err) != apperrors.CodeInsufficientCustody {
		t.Fatalf("expected CodeInsufficientCustody, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeposit_NewAssetInsertsBalance(t *testing.T) {
	v, mock := newVault(t)

	mock.ExpectBegin()
	mock.ExpectQuery(idemQuery).WithArgs("k3").WillReturnError(sqlmockNoRows())
	mock.ExpectQuery(lockQuery).WithArgs("LINK").WillReturnError(sqlmockNoRows())
	mock.ExpectExec(insertBal).
		WithArgs("LINK", int64(200), int64(0), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insertLedger).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := v.Deposit(context.Background(), &Movement{IdempotencyKey: "k3", Asset: "LINK", Amount: 200})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMovementValidation(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()

	cases := []*Movement{
		nil,
		{Asset: "USDC", Amount: 100},                     // 缺幂等键
		{IdempotencyKey: "k", Amount: 100},               // 缺资产
		{IdempotencyKey: "k", Asset: "USDC", Amount: 0},  // 零数量
		{IdempotencyKey: "k", Asset: "USDC", Amount: -5}, // 负数量
	}
	for i, m := range cases {
		if err := v.Withdraw(ctx, m); apperrors.CodeOf(err) != apperrors.CodeInvalidParam {
			t.Fatalf("case %d: expected CodeInvalidParam, got %v", i, err)
		}
	}
}

func TestBalance_MissingAssetIsZero(t *testing.T) {
	v, mock := newVault(t)

	mock.ExpectQuery(`SELECT asset, available, escrowed, version, updated_at_ms\s+FROM fund_execution\.custody_balances\s+WHERE asset = \$1`).
		WithArgs("DOGE").WillReturnError(sqlmockNoRows())

	b, err := v.Balance(context.Background(), "DOGE")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Asset != "DOGE" || b.Available != 0 || b.Escrowed != 0 {
		t.Fatalf("expected zero balance, got %+v", b)
	}
}

func TestLedgerSums(t *testing.T) {
	v, mock := newVault(t)

	mock.ExpectQuery(`SELECT asset, COALESCE\(SUM\(available_delta\), 0\), COALESCE\(SUM\(escrowed_delta\), 0\)`).
		WillReturnRows(sqlmock.NewRows([]string{"asset", "a", "e"}).
			AddRow("USDC", int64(900), int64(100)).
			AddRow("WETH", int64(500), int64(0)))

	sums, err := v.LedgerSums(context.Background())
	if err != nil {
		t.Fatalf("ledger sums: %v", err)
	}
	if sums["USDC"] != [2]int64{900, 100} {
		t.Fatalf("unexpected USDC sums: %v", sums["USDC"])
	}
	if sums["WETH"] != [2]int64{500, 0} {
		t.Fatalf("unexpected WETH sums: %v", sums["WETH"])
	}
}

func TestBalanceTotal(t *testing.T) {
	b := &Balance{Asset: "USDC", Available: 900, Escrowed: 100}
	if b.Total() != 1000 {
		t.Fatalf("expected total 1000, got %d", b.Total())
	}
	var nilBalance *Balance
	if nilBalance.Total() != 0 {
		t.Fatal("nil balance total should be 0")
	}
}

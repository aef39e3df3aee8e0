package audit

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestNewLog_Defaults(t *testing.T) {
	l := NewLog(EventOrderMade, "otc-desk")

	if l.EventType != EventOrderMade {
		t.Fatalf("expected event type ORDER_MADE, got %s", l.EventType)
	}
	if l.Venue != "otc-desk" {
		t.Fatalf("expected venue otc-desk, got %s", l.Venue)
	}
	if l.Result != ResultSuccess {
		t.Fatalf("new log should default to SUCCESS, got %s", l.Result)
	}
	if l.Timestamp == 0 {
		t.Fatal("timestamp should be populated")
	}
}

func TestBuilderChain(t *testing.T) {
	l := NewLog(EventOrderTaken, "otc-desk").
		WithAssets("WETH", "USDC").
		WithQuantities(200, 100, 50).
		WithOrderID("77").
		WithCaller("manager-1").
		WithResult(false, "venue timeout")

	if l.MakerAsset != "WETH" || l.TakerAsset != "USDC" {
		t.Fatalf("unexpected assets: %s/%s", l.MakerAsset, l.TakerAsset)
	}
	if l.MakerQty != 200 || l.TakerQty != 100 || l.FillQty != 50 {
		t.Fatalf("unexpected quantities: %d/%d/%d", l.MakerQty, l.TakerQty, l.FillQty)
	}
	if l.Result != ResultFailed || l.ErrorMsg != "venue timeout" {
		t.Fatalf("unexpected result: %s %s", l.Result, l.ErrorMsg)
	}

	l.WithResult(true, "")
	if l.Result != ResultSuccess || l.ErrorMsg != "" {
		t.Fatal("WithResult(true) should clear the error message")
	}
}

func TestDBLogger_SynchronousInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	logger, err := NewDBLogger(db, WithSynchronousWrite())
	if err != nil {
		t.Fatalf("new db logger: %v", err)
	}

	mock.ExpectExec(`INSERT INTO settlement_audit`).
		WithArgs(int64(0), "ASSET_SWAPPED", "amm-pool", "USDC", "WETH",
			int64(200), int64(100), int64(100), "", "manager-1", ResultSuccess, "", sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	l := NewLog(EventAssetSwapped, "amm-pool").
		WithAssets("USDC", "WETH").
		WithQuantities(200, 100, 100).
		WithCaller("manager-1")
	if err := logger.Log(context.Background(), l); err != nil {
		t.Fatalf("log: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDBLogger_Query_FilterAndOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	logger, err := NewDBLogger(db, WithSynchronousWrite())
	if err != nil {
		t.Fatalf("new db logger: %v", err)
	}

	cols := []string{
		"id", "event_type", "venue", "maker_asset", "taker_asset",
		"maker_qty", "taker_qty", "fill_qty", "order_id", "caller",
		"result", "error_msg", "timestamp", "request_id",
	}
	mock.ExpectQuery(`SELECT id, event_type, venue, .+ FROM settlement_audit\s+WHERE venue = \$1 AND event_type = \$2`).
		WithArgs("otc-desk", "ORDER_CANCELLED").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(2), "ORDER_CANCELLED", "otc-desk", "", "",
				int64(0), int64(0), int64(0), "77", "manager-1", "SUCCESS", "", int64(2000), "").
			AddRow(int64(1), "ORDER_CANCELLED", "otc-desk", "", "",
				int64(0), int64(0), int64(0), "42", "owner-9", "SUCCESS", "", int64(1000), ""))

	logs, err := logger.Query(context.Background(), &QueryFilter{
		Venue:     "otc-desk",
		EventType: EventOrderCancelled,
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if logs[0].OrderID != "77" || logs[1].OrderID != "42" {
		t.Fatalf("unexpected order ids: %s, %s", logs[0].OrderID, logs[1].OrderID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDBLogger_QueueFullDropsWithoutBlocking(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()
	_ = mock

	dropped := 0
	logger, err := NewDBLogger(db,
		WithQueueSize(1),
		WithWorkers(1),
		WithErrorHandler(func(error) { dropped++ }))
	if err != nil {
		t.Fatalf("new db logger: %v", err)
	}
	logger.Close()

	// worker 已停止，队列容量 1：第二条必然丢弃
	_ = logger.Log(context.Background(), NewLog(EventOrderMade, "otc-desk"))
	_ = logger.Log(context.Background(), NewLog(EventOrderMade, "otc-desk"))

	if dropped == 0 {
		t.Fatal("expected at least one dropped log notification")
	}
}

func TestDBLogger_NilSafety(t *testing.T) {
	var logger *DBLogger
	if err := logger.Log(context.Background(), NewLog(EventOrderMade, "x")); err != nil {
		t.Fatalf("nil logger Log should be a no-op, got %v", err)
	}
	logger.Close()
}

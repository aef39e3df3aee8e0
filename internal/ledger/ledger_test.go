package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fund/execution/pkg/audit"
	apperrors "github.com/fund/execution/pkg/errors"
	redisclient "github.com/fund/execution/pkg/redis"
)

func TestAddOpenMakeOrder_DuplicateRejected(t *testing.T) {
	l := New()

	entry := &OpenOrderEntry{
		Venue:      "orderbook-v1",
		MakerAsset: "WETH",
		TakerAsset: "USDC",
		OrderID:    "1001",
		MakerQty:   200,
		TakerQty:   100,
	}
	if err := l.AddOpenMakeOrder(entry); err != nil {
		t.Fatalf("first add failed: %v", err)
	}

	dup := &OpenOrderEntry{
		Venue:      "orderbook-v1",
		MakerAsset: "WETH",
		TakerAsset: "DAI",
		OrderID:    "1002",
		MakerQty:   50,
		TakerQty:   25,
	}
	err := l.AddOpenMakeOrder(dup)
	if err == nil {
		t.Fatal("expected duplicate open order to be rejected")
	}
	if apperrors.CodeOf(err) != apperrors.CodeDuplicateOpenOrder {
		t.Fatalf("unexpected error code: %v", err)
	}

	// 不同 makerAsset 不冲突
	other := &OpenOrderEntry{
		Venue:      "orderbook-v1",
		MakerAsset: "USDC",
		TakerAsset: "WETH",
		OrderID:    "1003",
		MakerQty:   100,
		TakerQty:   1,
	}
	if err := l.AddOpenMakeOrder(other); err != nil {
		t.Fatalf("add for different maker asset failed: %v", err)
	}
	if l.Count() != 2 {
		t.Fatalf("expected 2 open orders, got %d", l.Count())
	}
}

func TestAddOpenMakeOrder_InvalidParams(t *testing.T) {
	l := New()
	if err := l.AddOpenMakeOrder(nil); err == nil {
		t.Fatal("expected error for nil entry")
	}
	if err := l.AddOpenMakeOrder(&OpenOrderEntry{Venue: "v", MakerAsset: "WETH"}); err == nil {
		t.Fatal("expected error for missing order id")
	}
}

func TestRemoveOpenMakeOrder(t *testing.T) {
	l := New()
	entry := &OpenOrderEntry{
		Venue:      "orderbook-v1",
		MakerAsset: "WETH",
		TakerAsset: "USDC",
		OrderID:    "2001",
		MakerQty:   10,
		TakerQty:   5,
	}
	if err := l.AddOpenMakeOrder(entry); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	removed, ok := l.RemoveOpenMakeOrder("orderbook-v1", "WETH")
	if !ok {
		t.Fatal("expected entry to be removed")
	}
	if removed.OrderID != "2001" {
		t.Fatalf("unexpected removed order: %s", removed.OrderID)
	}

	if _, ok := l.RemoveOpenMakeOrder("orderbook-v1", "WETH"); ok {
		t.Fatal("second remove should report missing")
	}

	// 摘除后可重新挂单
	if err := l.AddOpenMakeOrder(entry); err != nil {
		t.Fatalf("re-add after remove failed: %v", err)
	}
}

func TestOpenOrders_SortedCopy(t *testing.T) {
	l := New()
	for _, e := range []*OpenOrderEntry{
		{Venue: "swap-v1", MakerAsset: "WETH", TakerAsset: "USDC", OrderID: "3"},
		{Venue: "orderbook-v1", MakerAsset: "USDC", TakerAsset: "WETH", OrderID: "2"},
		{Venue: "orderbook-v1", MakerAsset: "DAI", TakerAsset: "WETH", OrderID: "1"},
	} {
		if err := l.AddOpenMakeOrder(e); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}

	orders := l.OpenOrders()
	if len(orders) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(orders))
	}
	if orders[0].MakerAsset != "DAI" || orders[1].MakerAsset != "USDC" || orders[2].Venue != "swap-v1" {
		t.Fatalf("unexpected order: %+v", orders)
	}

	// 返回的是副本，修改不影响台账
	orders[0].OrderID = "mutated"
	got, _ := l.OpenMakeOrder("orderbook-v1", "DAI")
	if got.OrderID != "1" {
		t.Fatal("ledger entry mutated through snapshot")
	}
}

func TestOpenOrderEntry_Expired(t *testing.T) {
	now := time.Now()
	e := &OpenOrderEntry{ExpiresAt: now.Add(-time.Minute).UnixMilli()}
	if !e.Expired(now) {
		t.Fatal("expected entry to be expired")
	}
	e.ExpiresAt = 0
	if e.Expired(now) {
		t.Fatal("zero expiry must never expire")
	}
}

type captureAuditor struct {
	logs []*audit.SettlementLog
	err  error
}

func (c *captureAuditor) Log(_ context.Context, l *audit.SettlementLog) error {
	c.logs = append(c.logs, l)
	return c.err
}

func (c *captureAuditor) Query(context.Context, *audit.QueryFilter) ([]*audit.SettlementLog, error) {
	return c.logs, nil
}

func TestOrderUpdateHook_FanOut(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l := New()
	l.SetPublisher(NewStreamPublisher(redisclient.NewStreamClient(rdb), "fund:order:events"))
	auditor := &captureAuditor{}
	l.SetAuditor(auditor)

	update := &OrderUpdate{
		Kind:       UpdateTake,
		Venue:      "orderbook-v1",
		MakerAsset: "WETH",
		TakerAsset: "USDC",
		OrderID:    "4001",
		MakerQty:   200,
		TakerQty:   100,
		FillQty:    50,
		Caller:     "manager-1",
	}
	l.OrderUpdateHook(context.Background(), update)

	msgs, err := rdb.XRange(context.Background(), "fund:order:events", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stream message, got %d", len(msgs))
	}
	var got OrderUpdate
	if err := json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &got); err != nil {
		t.Fatalf("unmarshal stream payload: %v", err)
	}
	if got.Kind != UpdateTake || got.FillQty != 50 || got.MakerQty != 200 {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if got.Timestamp == 0 {
		t.Fatal("hook must stamp the event")
	}

	if len(auditor.logs) != 1 {
		t.Fatalf("expected 1 audit log, got %d", len(auditor.logs))
	}
	al := auditor.logs[0]
	if al.EventType != audit.EventOrderTaken {
		t.Fatalf("unexpected audit event: %s", al.EventType)
	}
	if al.MakerAsset != "WETH" || al.TakerAsset != "USDC" || al.FillQty != 50 {
		t.Fatalf("audit log lost fields: %+v", al)
	}
}

func TestOrderUpdateHook_PublishFailureDoesNotPanic(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close() // 让发布失败

	l := New()
	l.SetPublisher(NewStreamPublisher(redisclient.NewStreamClient(rdb), "fund:order:events"))

	var captured error
	l.SetPublishErrorHandler(func(err error) { captured = err })

	l.OrderUpdateHook(context.Background(), &OrderUpdate{
		Kind:       UpdateCancel,
		Venue:      "orderbook-v1",
		MakerAsset: "WETH",
		OrderID:    "5001",
	})

	if captured == nil {
		t.Fatal("expected publish error to reach the handler")
	}
}

func TestOrderUpdateHook_AuditErrorReachesHandler(t *testing.T) {
	l := New()
	l.SetAuditor(&captureAuditor{err: errors.New("db down")})

	var captured error
	l.SetPublishErrorHandler(func(err error) { captured = err })

	l.OrderUpdateHook(context.Background(), &OrderUpdate{Kind: UpdateSwap, Venue: "swap-v1", MakerAsset: "ETH"})
	if captured == nil {
		t.Fatal("expected audit error to reach the handler")
	}
}

func TestAuditEventMapping(t *testing.T) {
	cases := map[UpdateKind]audit.EventType{
		UpdateMake:   audit.EventOrderMade,
		UpdateTake:   audit.EventOrderTaken,
		UpdateCancel: audit.EventOrderCancelled,
		UpdateSwap:   audit.EventAssetSwapped,
	}
	for kind, want := range cases {
		if got := auditEventFor(kind); got != want {
			t.Fatalf("kind %s mapped to %s, want %s", kind, got, want)
		}
	}
}

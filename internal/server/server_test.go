package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/fund/execution/internal/adapter"
	"github.com/fund/execution/internal/ledger"
	"github.com/fund/execution/internal/permission"
	"github.com/fund/execution/internal/registry"
	"github.com/fund/execution/internal/vault"
	apperrors "github.com/fund/execution/pkg/errors"
	"github.com/fund/execution/pkg/logger"
)

type stubAdapter struct {
	kind       adapter.Kind
	venue      string
	lastCaller string
	lastTake   *adapter.TakeRequest
	makeID     int64
	takeResult *adapter.TakeResult
	err        error
}

func (a *stubAdapter) Kind() adapter.Kind { return a.kind }
func (a *stubAdapter) Venue() string      { return a.venue }

func (a *stubAdapter) MakeOrder(ctx context.Context, caller string, req *adapter.MakeRequest) (int64, error) {
	a.lastCaller = caller
	return a.makeID, a.err
}

func (a *stubAdapter) TakeOrder(ctx context.Context, caller string, req *adapter.TakeRequest) (*adapter.TakeResult, error) {
	a.lastCaller = caller
	a.lastTake = req
	return a.takeResult, a.err
}

func (a *stubAdapter) CancelOrder(ctx context.Context, caller string, req *adapter.CancelRequest) error {
	a.lastCaller = caller
	return a.err
}

func (a *stubAdapter) GetOrder(ctx context.Context, orderID int64) (*adapter.OrderView, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &adapter.OrderView{SellAsset: "WETH", BuyAsset: "USDC", SellQty: 200, BuyQty: 100}, nil
}

type fixture struct {
	srv     *Server
	handler http.Handler
	ob      *stubAdapter
	gate    *permission.Gate
	book    *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := logger.New("test", os.Stderr)
	ob := &stubAdapter{kind: adapter.KindOrderBook, venue: "otc-desk", makeID: 77,
		takeResult: &adapter.TakeResult{FillMakerQty: 50, FillTakerQty: 25, Received: 50}}
	sw := &stubAdapter{kind: adapter.KindSwap, venue: "amm-pool",
		takeResult: &adapter.TakeResult{Received: 99}}

	gate := permission.NewGate("manager-1", log)
	book := ledger.New()

	srv := New(Config{
		Adapters: []adapter.Adapter{ob, sw},
		Gate:     gate,
		Vault:    vault.New(db, &seqIDGen{}),
		Registry: registry.New(20),
		Book:     book,
		Logger:   log,
	})
	return &fixture{srv: srv, handler: srv.Handler(), ob: ob, gate: gate, book: book}
}

type seqIDGen struct {
	next int64
}

func (g *seqIDGen) NextID() int64 {
	g.next++
	return g.next
}

func doJSON(t *testing.T, h http.Handler, method, path, caller, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if caller != "" {
		r.Header.Set("X-Caller-ID", caller)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestMakeOrder_Success(t *testing.T) {
	f := newFixture(t)

	w := doJSON(t, f.handler, http.MethodPost, "/v1/orders/make", "manager-1",
		`{"venue":"otc-desk","makerAsset":"WETH","takerAsset":"USDC","makerQty":200,"takerQty":100}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Code string `json:"code"`
		Data struct {
			OrderID int64 `json:"orderId"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "OK" || resp.Data.OrderID != 77 {
		t.Fatalf("unexpected response: %s", w.Body.String())
	}
	if f.ob.lastCaller != "manager-1" {
		t.Fatalf("caller header should reach the adapter, got %q", f.ob.lastCaller)
	}
}

func TestMakeOrder_UnknownVenue(t *testing.T) {
	f := newFixture(t)
	w := doJSON(t, f.handler, http.MethodPost, "/v1/orders/make", "manager-1",
		`{"venue":"nowhere","makerAsset":"WETH","takerAsset":"USDC","makerQty":1,"takerQty":1}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestMakeOrder_MalformedBody(t *testing.T) {
	f := newFixture(t)
	w := doJSON(t, f.handler, http.MethodPost, "/v1/orders/make", "manager-1", `{"venue":`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestMakeOrder_AdapterErrorMapsToStatus(t *testing.T) {
	f := newFixture(t)
	f.ob.err = apperrors.ErrNotManager

	w := doJSON(t, f.handler, http.MethodPost, "/v1/orders/make", "someone-else",
		`{"venue":"otc-desk","makerAsset":"WETH","takerAsset":"USDC","makerQty":1,"takerQty":1}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSwap_RoutesToSwapFields(t *testing.T) {
	f := newFixture(t)

	w := doJSON(t, f.handler, http.MethodPost, "/v1/swap", "manager-1",
		`{"venue":"amm-pool","srcAsset":"USDC","dstAsset":"WETH","srcAmount":200,"minDestAmount":95}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	swapAdapter := f.srv.adapters["amm-pool"].(*stubAdapter)
	if swapAdapter.lastTake == nil || swapAdapter.lastTake.SrcAsset != "USDC" ||
		swapAdapter.lastTake.MinDestAmount != 95 {
		t.Fatalf("swap fields not forwarded: %+v", swapAdapter.lastTake)
	}
}

func TestShutdown_ToggleAndQuery(t *testing.T) {
	f := newFixture(t)

	w := doJSON(t, f.handler, http.MethodGet, "/v1/admin/shutdown", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"shutDown":false`) {
		t.Fatalf("unexpected initial state: %d %s", w.Code, w.Body.String())
	}

	// 非管理人触发被拒
	w = doJSON(t, f.handler, http.MethodPost, "/v1/admin/shutdown", "intruder", `{"down":true}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-manager, got %d", w.Code)
	}

	w = doJSON(t, f.handler, http.MethodPost, "/v1/admin/shutdown", "manager-1", `{"down":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !f.gate.IsShutDown() {
		t.Fatal("gate should be shut down")
	}
}

func TestOpenOrders_ListsLedger(t *testing.T) {
	f := newFixture(t)
	if err := f.book.AddOpenMakeOrder(&ledger.OpenOrderEntry{
		Venue: "otc-desk", MakerAsset: "WETH", TakerAsset: "USDC",
		OrderID: "77", MakerQty: 200, TakerQty: 100, Owner: "manager-1",
	}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	w := doJSON(t, f.handler, http.MethodGet, "/v1/orders/open", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"77"`) {
		t.Fatalf("open order missing from response: %s", w.Body.String())
	}
}

func TestGetOrder_ReadsThroughAdapter(t *testing.T) {
	f := newFixture(t)

	w := doJSON(t, f.handler, http.MethodGet, "/v1/orders/get?venue=otc-desk&orderId=42", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"sellAsset":"WETH"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}

func TestRequestIDPropagates(t *testing.T) {
	f := newFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/v1/orders/open", nil)
	r.Header.Set("X-Request-Id", "trace-me")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	if w.Header().Get("X-Request-ID") != "trace-me" {
		t.Fatal("request id header should round-trip")
	}
	if !strings.Contains(w.Body.String(), `"requestId":"trace-me"`) {
		t.Fatalf("request id missing from envelope: %s", w.Body.String())
	}
}

package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_AdapterOps(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveAdapterOp("orderbook", "make", "success", 0.05)
	m.ObserveAdapterOp("orderbook", "make", "success", 0.10)
	m.ObserveAdapterOp("swap", "swap", "failure", 0.01)
	m.ObserveCompensation("swap", "swap")
	m.ObserveOrderUpdate("take")
	m.SetOpenOrders(3)
	m.IncReconMismatch()
	m.ObserveReconRun("success")

	expected := `
# HELP fund_adapter_ops_total Adapter operations by venue kind, operation and result.
# TYPE fund_adapter_ops_total counter
fund_adapter_ops_total{kind="orderbook",op="make",result="success"} 2
fund_adapter_ops_total{kind="swap",op="swap",result="failure"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "fund_adapter_ops_total"); err != nil {
		t.Fatalf("unexpected adapter ops: %v", err)
	}

	if got := testutil.ToFloat64(m.openOrders); got != 3 {
		t.Fatalf("open orders gauge = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.reconMismatch); got != 1 {
		t.Fatalf("recon mismatch counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.compensations.WithLabelValues("swap", "swap")); got != 1 {
		t.Fatalf("compensations = %v, want 1", got)
	}
}

func TestMetrics_RegisterTwicePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Fatal("duplicate registration must panic")
		}
	}()
	New(reg)
}

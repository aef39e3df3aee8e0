package permission

import (
	"context"
	"testing"
	"time"

	"github.com/fund/execution/pkg/audit"
	apperrors "github.com/fund/execution/pkg/errors"
)

type stubAuditor struct {
	logs []*audit.SettlementLog
}

func (s *stubAuditor) Log(_ context.Context, l *audit.SettlementLog) error {
	s.logs = append(s.logs, l)
	return nil
}

func (s *stubAuditor) Query(context.Context, *audit.QueryFilter) ([]*audit.SettlementLog, error) {
	return s.logs, nil
}

func TestRequireManager(t *testing.T) {
	g := NewGate("manager-1", nil)

	if err := g.RequireManager("manager-1"); err != nil {
		t.Fatalf("manager rejected: %v", err)
	}
	if err := g.RequireManager("intruder"); err == nil {
		t.Fatal("expected non-manager to be rejected")
	} else if apperrors.CodeOf(err) != apperrors.CodeNotManager {
		t.Fatalf("unexpected code: %v", err)
	}
	if err := g.RequireManager(""); err == nil {
		t.Fatal("empty caller must be rejected")
	}
}

func TestRequireMutate_ShutDownBlocks(t *testing.T) {
	g := NewGate("manager-1", nil)

	if err := g.RequireMutate("manager-1"); err != nil {
		t.Fatalf("mutate rejected before shutdown: %v", err)
	}

	if err := g.SetShutDown(context.Background(), "manager-1", true); err != nil {
		t.Fatalf("shutdown toggle failed: %v", err)
	}

	err := g.RequireMutate("manager-1")
	if err == nil {
		t.Fatal("expected mutate to be blocked while shut down")
	}
	if apperrors.CodeOf(err) != apperrors.CodeFundShutDown {
		t.Fatalf("unexpected code: %v", err)
	}

	// 非管理人不能切换停机闸
	if err := g.SetShutDown(context.Background(), "intruder", false); err == nil {
		t.Fatal("expected non-manager toggle to fail")
	}
	if !g.IsShutDown() {
		t.Fatal("shutdown state changed by unauthorized caller")
	}
}

func TestSetShutDown_AuditOnlyOnChange(t *testing.T) {
	g := NewGate("manager-1", nil)
	auditor := &stubAuditor{}
	g.SetAuditor(auditor)

	ctx := context.Background()
	if err := g.SetShutDown(ctx, "manager-1", true); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if err := g.SetShutDown(ctx, "manager-1", true); err != nil {
		t.Fatalf("idempotent toggle failed: %v", err)
	}
	if err := g.SetShutDown(ctx, "manager-1", false); err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	if len(auditor.logs) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(auditor.logs))
	}
	if auditor.logs[0].EventType != audit.EventShutdownToggled {
		t.Fatalf("unexpected event: %s", auditor.logs[0].EventType)
	}
}

func TestRequireCancelPermitted_ThreeWayOr(t *testing.T) {
	g := NewGate("manager-1", nil)
	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }

	live := OrderOwnership{Owner: "manager-1", ExpiresAt: fixed.Add(time.Hour).UnixMilli()}

	// 属主放行
	if err := g.RequireCancelPermitted("manager-1", live); err != nil {
		t.Fatalf("owner cancel rejected: %v", err)
	}

	// 非属主、未过期、未停机：拒绝
	err := g.RequireCancelPermitted("someone-else", live)
	if err == nil {
		t.Fatal("expected cancel to be rejected")
	}
	if apperrors.CodeOf(err) != apperrors.CodeCancelNotPermitted {
		t.Fatalf("unexpected code: %v", err)
	}

	// 过期放行
	expired := OrderOwnership{Owner: "manager-1", ExpiresAt: fixed.Add(-time.Minute).UnixMilli()}
	if err := g.RequireCancelPermitted("someone-else", expired); err != nil {
		t.Fatalf("expired cancel rejected: %v", err)
	}

	// 永不过期的挂单不能走过期分支
	forever := OrderOwnership{Owner: "manager-1", ExpiresAt: 0}
	if err := g.RequireCancelPermitted("someone-else", forever); err == nil {
		t.Fatal("zero expiry must not count as expired")
	}

	// 停机放行
	if err := g.SetShutDown(context.Background(), "manager-1", true); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := g.RequireCancelPermitted("someone-else", live); err != nil {
		t.Fatalf("shutdown cancel rejected: %v", err)
	}
}

// Package permission 结算入口权限闸
package permission

import (
	"context"
	"sync"
	"time"

	"github.com/fund/execution/pkg/audit"
	apperrors "github.com/fund/execution/pkg/errors"
	"github.com/fund/execution/pkg/logger"
)

// OrderOwnership cancel 三路放行判据所需的挂单视图
type OrderOwnership struct {
	Owner     string
	ExpiresAt int64 // Unix 毫秒，0 表示不过期
}

// Gate 权限闸。管理人校验、停机闸、cancel 三路放行。
type Gate struct {
	managerID string

	mu       sync.RWMutex
	shutDown bool

	auditor audit.Logger
	log     *logger.Logger
	now     func() time.Time
}

// NewGate 创建权限闸。managerID 为唯一有权的基金管理人。
func NewGate(managerID string, log *logger.Logger) *Gate {
	return &Gate{
		managerID: managerID,
		log:       log,
		now:       time.Now,
	}
}

// SetAuditor 设置审计日志
func (g *Gate) SetAuditor(a audit.Logger) {
	g.auditor = a
}

// IsShutDown 当前是否处于停机状态
func (g *Gate) IsShutDown() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.shutDown
}

// SetShutDown 切换停机闸。停机后 make/take/swap 全部拒绝，cancel 反而全量放行。
func (g *Gate) SetShutDown(ctx context.Context, caller string, down bool) error {
	if err := g.RequireManager(caller); err != nil {
		return err
	}

	g.mu.Lock()
	changed := g.shutDown != down
	g.shutDown = down
	g.mu.Unlock()

	if !changed {
		return nil
	}

	if g.log != nil {
		g.log.Warnf("fund shutdown toggled", map[string]interface{}{
			"caller":   caller,
			"shutDown": down,
		})
	}
	if g.auditor != nil {
		entry := audit.NewLog(audit.EventShutdownToggled, "").WithCaller(caller)
		if down {
			entry.WithResult(true, "shut down")
		} else {
			entry.WithResult(true, "resumed")
		}
		if err := g.auditor.Log(ctx, entry); err != nil && g.log != nil {
			g.log.WithError(err).Error("audit shutdown toggle failed")
		}
	}
	return nil
}

// RequireManager 仅基金管理人可操作
func (g *Gate) RequireManager(caller string) error {
	if caller == "" || caller != g.managerID {
		return apperrors.ErrNotManager
	}
	return nil
}

// RequireNotShutDown 停机时拒绝
func (g *Gate) RequireNotShutDown() error {
	if g.IsShutDown() {
		return apperrors.ErrFundShutDown
	}
	return nil
}

// RequireMutate make/take/swap 共用的入口校验：管理人 + 未停机
func (g *Gate) RequireMutate(caller string) error {
	if err := g.RequireManager(caller); err != nil {
		return err
	}
	return g.RequireNotShutDown()
}

// RequireCancelPermitted cancel 三路放行：满足任一即可。
//  1. 调用者是挂单属主
//  2. 挂单已过期
//  3. 基金处于停机状态
func (g *Gate) RequireCancelPermitted(caller string, order OrderOwnership) error {
	if caller != "" && caller == order.Owner {
		return nil
	}
	if order.ExpiresAt != 0 && g.now().UnixMilli() >= order.ExpiresAt {
		return nil
	}
	if g.IsShutDown() {
		return nil
	}
	return apperrors.ErrCancelNotPermitted
}

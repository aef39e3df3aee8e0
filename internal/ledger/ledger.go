// Package ledger 挂单台账与结算事件钩子
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fund/execution/pkg/audit"
	apperrors "github.com/fund/execution/pkg/errors"
)

// UpdateKind 结算事件类型
type UpdateKind string

const (
	UpdateMake   UpdateKind = "make"
	UpdateTake   UpdateKind = "take"
	UpdateCancel UpdateKind = "cancel"
	UpdateSwap   UpdateKind = "swap"
)

// OpenOrderEntry 每 (venue, makerAsset) 至多一条的挂单记录
type OpenOrderEntry struct {
	Venue      string
	MakerAsset string
	TakerAsset string
	OrderID    string
	MakerQty   int64
	TakerQty   int64
	Owner      string
	ExpiresAt  int64 // Unix 毫秒，0 表示不过期
	CreatedAt  int64
}

// Expired 是否已过期
func (e *OpenOrderEntry) Expired(now time.Time) bool {
	if e == nil || e.ExpiresAt == 0 {
		return false
	}
	return now.UnixMilli() >= e.ExpiresAt
}

// OrderUpdate 审计钩子载荷：资产对 + 数量三元组
type OrderUpdate struct {
	Kind       UpdateKind `json:"kind"`
	Venue      string     `json:"venue"`
	MakerAsset string     `json:"makerAsset"`
	TakerAsset string     `json:"takerAsset"`
	OrderID    string     `json:"orderId"`
	MakerQty   int64      `json:"makerQty"`
	TakerQty   int64      `json:"takerQty"`
	FillQty    int64      `json:"fillQty"`
	Caller     string     `json:"caller"`
	Timestamp  int64      `json:"timestamp"`
}

type eventPublisher interface {
	PublishOrderEvent(ctx context.Context, update *OrderUpdate) error
}

type hookObserver interface {
	ObserveOrderUpdate(kind string)
}

// Ledger 挂单台账。进程内权威状态，事件扇出到 Redis Stream 与审计库。
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*OpenOrderEntry // key: venue + "/" + makerAsset

	publisher eventPublisher
	auditor   audit.Logger
	observer  hookObserver

	onPublishError func(error)
}

// New 创建台账
func New() *Ledger {
	return &Ledger{
		entries:        make(map[string]*OpenOrderEntry),
		onPublishError: func(error) {},
	}
}

// SetPublisher 设置事件发布器
func (l *Ledger) SetPublisher(p eventPublisher) {
	l.publisher = p
}

// SetAuditor 设置审计日志
func (l *Ledger) SetAuditor(a audit.Logger) {
	l.auditor = a
}

// SetObserver 设置指标观察者
func (l *Ledger) SetObserver(o hookObserver) {
	l.observer = o
}

// SetPublishErrorHandler 设置发布失败回调（发布失败不阻断结算）
func (l *Ledger) SetPublishErrorHandler(fn func(error)) {
	if fn != nil {
		l.onPublishError = fn
	}
}

func key(venue, makerAsset string) string {
	return venue + "/" + makerAsset
}

// AddOpenMakeOrder 记录挂单。同一 (venue, makerAsset) 已有挂单时拒绝。
func (l *Ledger) AddOpenMakeOrder(entry *OpenOrderEntry) error {
	if entry == nil || entry.Venue == "" || entry.MakerAsset == "" || entry.OrderID == "" {
		return apperrors.ErrInvalidParam
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(entry.Venue, entry.MakerAsset)
	if existing, ok := l.entries[k]; ok {
		return apperrors.Newf(apperrors.CodeDuplicateOpenOrder,
			"open order %s already exists for %s on %s", existing.OrderID, entry.MakerAsset, entry.Venue)
	}

	cp := *entry
	if cp.CreatedAt == 0 {
		cp.CreatedAt = time.Now().UnixMilli()
	}
	l.entries[k] = &cp
	return nil
}

// RemoveOpenMakeOrder 摘除挂单，返回被摘除的记录
func (l *Ledger) RemoveOpenMakeOrder(venue, makerAsset string) (*OpenOrderEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(venue, makerAsset)
	entry, ok := l.entries[k]
	if !ok {
		return nil, false
	}
	delete(l.entries, k)
	return entry, true
}

// OpenMakeOrder 查询挂单
func (l *Ledger) OpenMakeOrder(venue, makerAsset string) (*OpenOrderEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.entries[key(venue, makerAsset)]
	if !ok {
		return nil, false
	}
	cp := *entry
	return &cp, true
}

// OpenOrders 返回全部挂单（按 venue/makerAsset 排序）
func (l *Ledger) OpenOrders() []*OpenOrderEntry {
	l.mu.RLock()
	out := make([]*OpenOrderEntry, 0, len(l.entries))
	for _, e := range l.entries {
		cp := *e
		out = append(out, &cp)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].MakerAsset < out[j].MakerAsset
	})
	return out
}

// Count 当前挂单数
func (l *Ledger) Count() int {
	l.mu.RLock()
	n := len(l.entries)
	l.mu.RUnlock()
	return n
}

// OrderUpdateHook 结算事件钩子。每次 make/take/cancel/swap 结算后调用一次；
// 事件扇出失败不回滚结算，只通知错误回调。
func (l *Ledger) OrderUpdateHook(ctx context.Context, update *OrderUpdate) {
	if update == nil {
		return
	}
	if update.Timestamp == 0 {
		update.Timestamp = time.Now().UnixMilli()
	}

	if l.observer != nil {
		l.observer.ObserveOrderUpdate(string(update.Kind))
	}

	if l.publisher != nil {
		if err := l.publisher.PublishOrderEvent(ctx, update); err != nil {
			l.onPublishError(fmt.Errorf("publish order event: %w", err))
		}
	}

	if l.auditor != nil {
		entry := audit.NewLog(auditEventFor(update.Kind), update.Venue).
			WithAssets(update.MakerAsset, update.TakerAsset).
			WithQuantities(update.MakerQty, update.TakerQty, update.FillQty).
			WithOrderID(update.OrderID).
			WithCaller(update.Caller)
		if err := l.auditor.Log(ctx, entry); err != nil {
			l.onPublishError(fmt.Errorf("audit order event: %w", err))
		}
	}
}

func auditEventFor(kind UpdateKind) audit.EventType {
	switch kind {
	case UpdateMake:
		return audit.EventOrderMade
	case UpdateTake:
		return audit.EventOrderTaken
	case UpdateCancel:
		return audit.EventOrderCancelled
	case UpdateSwap:
		return audit.EventAssetSwapped
	default:
		return audit.EventType(kind)
	}
}

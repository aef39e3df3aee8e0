// Package registry 基金持仓资产名录
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/fund/execution/internal/vault"
	apperrors "github.com/fund/execution/pkg/errors"
)

// BalanceSource 托管余额读取接口（对账/同步用）
type BalanceSource interface {
	Balances(ctx context.Context) ([]*vault.Balance, error)
}

// Registry 当前持有的资产集合，容量固定。只增不减：
// 适配器登记新资产，但本层不做摘除。
type Registry struct {
	mu       sync.RWMutex
	capacity int
	assets   map[string]struct{}
}

// New 创建名录
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = 1
	}
	return &Registry{
		capacity: capacity,
		assets:   make(map[string]struct{}, capacity),
	}
}

// Capacity 返回容量上限
func (r *Registry) Capacity() int {
	return r.capacity
}

// Register 登记资产。已登记时幂等成功；未登记且已满时拒绝。
func (r *Registry) Register(asset string) error {
	if asset == "" {
		return apperrors.ErrInvalidParam
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.assets[asset]; ok {
		return nil
	}
	if len(r.assets) >= r.capacity {
		return apperrors.Newf(apperrors.CodeRegistryFull, "cannot register %s: %d assets at capacity %d", asset, len(r.assets), r.capacity)
	}
	r.assets[asset] = struct{}{}
	return nil
}

// CanRegister 预检：登记 asset 是否会成功
func (r *Registry) CanRegister(asset string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.assets[asset]; ok {
		return true
	}
	return len(r.assets) < r.capacity
}

// IsOwned 查询资产是否已登记
func (r *Registry) IsOwned(asset string) bool {
	r.mu.RLock()
	_, ok := r.assets[asset]
	r.mu.RUnlock()
	return ok
}

// Len 已登记数量
func (r *Registry) Len() int {
	r.mu.RLock()
	n := len(r.assets)
	r.mu.RUnlock()
	return n
}

// Assets 返回已登记资产（字典序）
func (r *Registry) Assets() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.assets))
	for asset := range r.assets {
		out = append(out, asset)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// SyncFromCustody 对齐名录与托管实际持仓：任何正余额资产都必须已登记。
// 名录只增不减，托管为零的已登记资产保留。
func (r *Registry) SyncFromCustody(ctx context.Context, source BalanceSource) error {
	balances, err := source.Balances(ctx)
	if err != nil {
		return err
	}
	for _, b := range balances {
		if b.Total() <= 0 {
			continue
		}
		if err := r.Register(b.Asset); err != nil {
			return err
		}
	}
	return nil
}

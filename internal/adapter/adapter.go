// Package adapter 场所适配层统一能力接口。
// 两个实现：订单簿适配器（internal/adapter/orderbook）与即时兑换适配器
// （internal/adapter/swap）。兑换适配器只支持 TakeOrder，其余操作返回
// Unsupported 类错误，与业务失败可区分。
package adapter

import (
	"context"

	"github.com/fund/execution/internal/vault"
	apperrors "github.com/fund/execution/pkg/errors"
)

// Kind 适配器种类
type Kind string

const (
	KindOrderBook Kind = "orderbook"
	KindSwap      Kind = "swap"
)

// MakeRequest 挂单请求（仅订单簿）
type MakeRequest struct {
	MakerAsset string
	TakerAsset string
	MakerQty   int64
	TakerQty   int64
	ExpiresAt  int64 // Unix 毫秒，0 表示不过期
}

// TakeRequest 吃单请求。订单簿变体读 OrderID/MakerAsset/TakerAsset/FillTakerQty，
// 兑换变体读 SrcAsset/DstAsset/SrcAmount/MinDestAmount，互不越界。
type TakeRequest struct {
	// 订单簿
	OrderID      int64
	MakerAsset   string
	TakerAsset   string
	FillTakerQty int64

	// 即时兑换
	SrcAsset      string
	DstAsset      string
	SrcAmount     int64
	MinDestAmount int64
}

// CancelRequest 撤单请求（仅订单簿）
type CancelRequest struct {
	MakerAsset string
	OrderID    int64
}

// TakeResult 吃单结果
type TakeResult struct {
	FillMakerQty int64 // 订单簿：按比例应得的 maker 数量
	FillTakerQty int64 // 订单簿：实付 taker 数量
	Received     int64 // 实际到手数量（兑换即 actualReceived）
}

// OrderView getOrder 只读视图
type OrderView struct {
	SellAsset string
	BuyAsset  string
	SellQty   int64
	BuyQty    int64
}

// Adapter 统一订单能力接口
type Adapter interface {
	Kind() Kind
	Venue() string
	MakeOrder(ctx context.Context, caller string, req *MakeRequest) (int64, error)
	TakeOrder(ctx context.Context, caller string, req *TakeRequest) (*TakeResult, error)
	CancelOrder(ctx context.Context, caller string, req *CancelRequest) error
	GetOrder(ctx context.Context, orderID int64) (*OrderView, error)
}

// Custody 适配器对托管库的依赖面
type Custody interface {
	Withdraw(ctx context.Context, m *vault.Movement) error
	Release(ctx context.Context, m *vault.Movement) error
	Settle(ctx context.Context, m *vault.Movement) error
	Deposit(ctx context.Context, m *vault.Movement) error
	Balances(ctx context.Context) ([]*vault.Balance, error)
}

// Eligibility 外部风控：资产是否允许交易
type Eligibility interface {
	IsEligible(ctx context.Context, asset string) (bool, error)
}

// Observer 适配器操作的指标观察面
type Observer interface {
	ObserveAdapterOp(kind, op, result string, seconds float64)
	ObserveCompensation(kind, op string)
}

// Unsupported 构造本变体不支持某操作的确定性错误
func Unsupported(kind Kind, op string) error {
	return apperrors.Newf(apperrors.CodeUnsupportedOperation, "%s adapter does not support %s", kind, op)
}

// Package venue 外部交易场所接口。场所不可信，响应必须逐项校验。
package venue

import (
	"context"
)

// Offer 订单簿场所上的一笔报盘
type Offer struct {
	ID          int64  `json:"id"`
	MakerAsset  string `json:"makerAsset"`
	TakerAsset  string `json:"takerAsset"`
	MaxMakerQty int64  `json:"maxMakerQty"`
	MaxTakerQty int64  `json:"maxTakerQty"`
	Live        bool   `json:"live"`
	ExpiresAt   int64  `json:"expiresAt"` // Unix 毫秒，0 表示不过期
}

// OrderBookVenue 订单簿场所
type OrderBookVenue interface {
	Name() string
	// MakeOrder 提交挂单，返回场所分配的订单号。0 视为失败。
	MakeOrder(ctx context.Context, makerAsset, takerAsset string, makerQty, takerQty, expiresAt int64) (int64, error)
	// GetOffer 查询报盘。订单不存在时返回错误。
	GetOffer(ctx context.Context, id int64) (*Offer, error)
	// FillOffer 吃单，返回实际到手的 maker 资产数量
	FillOffer(ctx context.Context, id int64, fillMakerQty, fillTakerQty int64) (int64, error)
	// CancelOffer 撤单，返回退回的未成交 maker 资产数量
	CancelOffer(ctx context.Context, id int64) (int64, error)
}

// SwapVenue 即时兑换场所。三条结算路径分别成接口方法。
type SwapVenue interface {
	Name() string
	// Quote 场所自报价：srcAmount 的 src 可换多少 dst
	Quote(ctx context.Context, srcAsset, dstAsset string, srcAmount int64) (int64, error)
	// SwapReferenceToToken 裸参考资产换 token
	SwapReferenceToToken(ctx context.Context, dstAsset string, refAmount, minDest int64) (int64, error)
	// SwapTokenToReference token 换裸参考资产
	SwapTokenToReference(ctx context.Context, srcAsset string, srcAmount, minRef int64) (int64, error)
	// SwapTokenToToken token 直换
	SwapTokenToToken(ctx context.Context, srcAsset, dstAsset string, srcAmount, minDest int64) (int64, error)
}

// ReferenceWrapper 参考资产的包裹/解包（如 WETH ↔ ETH）
type ReferenceWrapper interface {
	// Unwrap 包裹形态 → 裸形态
	Unwrap(ctx context.Context, amount int64) error
	// Wrap 裸形态 → 包裹形态
	Wrap(ctx context.Context, amount int64) error
}

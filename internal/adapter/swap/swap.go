// Package swap 即时兑换场所适配器。
// 只支持 TakeOrder；按参考资产在哪一侧分派三条结算路径：
//
//	参考 -> token：解包裹后换入 token
//	token -> 参考：换出裸参考后重新包裹
//	token -> token：直换
//
// MakeOrder/CancelOrder/GetOrder 返回 Unsupported 类错误。
package swap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fund/execution/internal/adapter"
	"github.com/fund/execution/internal/ledger"
	"github.com/fund/execution/internal/permission"
	"github.com/fund/execution/internal/pricefeed"
	"github.com/fund/execution/internal/registry"
	"github.com/fund/execution/internal/vault"
	"github.com/fund/execution/internal/venue"
	apperrors "github.com/fund/execution/pkg/errors"
	"github.com/fund/execution/pkg/logger"
	"github.com/fund/execution/pkg/saga"
)

// IDGenerator 幂等键所需的 ID 源
type IDGenerator interface {
	NextID() int64
}

// Config 适配器装配
type Config struct {
	Venue    venue.SwapVenue
	Wrapper  venue.ReferenceWrapper
	Gate     *permission.Gate
	Custody  adapter.Custody
	Registry *registry.Registry
	Book     *ledger.Ledger
	Checker  *pricefeed.Checker
	Executor *saga.Executor
	IDGen    IDGenerator
	Logger   *logger.Logger
	Observer adapter.Observer // 可为 nil
	FundMu   *sync.Mutex      // 与订单簿适配器共享

	// 参考资产两种形态。托管内持有包裹形态，场所按裸形态结算。
	WrappedReference string
	BareReference    string
}

// Adapter 即时兑换适配器
type Adapter struct {
	venue    venue.SwapVenue
	wrapper  venue.ReferenceWrapper
	gate     *permission.Gate
	custody  adapter.Custody
	registry *registry.Registry
	book     *ledger.Ledger
	checker  *pricefeed.Checker
	exec     *saga.Executor
	idGen    IDGenerator
	log      *logger.Logger
	observer adapter.Observer
	fundMu   *sync.Mutex

	wrappedRef string
	bareRef    string
}

// New 创建适配器。独立行情校验器是必备协作方，缺失即拒绝装配。
func New(cfg Config) (*Adapter, error) {
	if cfg.Venue == nil || cfg.Wrapper == nil || cfg.Gate == nil || cfg.Custody == nil ||
		cfg.Registry == nil || cfg.Book == nil || cfg.Checker == nil ||
		cfg.Executor == nil || cfg.IDGen == nil {
		return nil, fmt.Errorf("swap adapter: missing dependency")
	}
	if cfg.WrappedReference == "" || cfg.BareReference == "" || cfg.WrappedReference == cfg.BareReference {
		return nil, fmt.Errorf("swap adapter: invalid reference asset pair")
	}
	if cfg.FundMu == nil {
		cfg.FundMu = &sync.Mutex{}
	}
	return &Adapter{
		venue:      cfg.Venue,
		wrapper:    cfg.Wrapper,
		gate:       cfg.Gate,
		custody:    cfg.Custody,
		registry:   cfg.Registry,
		book:       cfg.Book,
		checker:    cfg.Checker,
		exec:       cfg.Executor,
		idGen:      cfg.IDGen,
		log:        cfg.Logger,
		observer:   cfg.Observer,
		fundMu:     cfg.FundMu,
		wrappedRef: cfg.WrappedReference,
		bareRef:    cfg.BareReference,
	}, nil
}

func (a *Adapter) Kind() adapter.Kind {
	return adapter.KindSwap
}

func (a *Adapter) Venue() string {
	return a.venue.Name()
}

// MakeOrder 本变体不支持
func (a *Adapter) MakeOrder(context.Context, string, *adapter.MakeRequest) (int64, error) {
	return 0, adapter.Unsupported(adapter.KindSwap, "makeOrder")
}

// CancelOrder 本变体不支持
func (a *Adapter) CancelOrder(context.Context, string, *adapter.CancelRequest) error {
	return adapter.Unsupported(adapter.KindSwap, "cancelOrder")
}

// GetOrder 本变体不支持
func (a *Adapter) GetOrder(context.Context, int64) (*adapter.OrderView, error) {
	return nil, adapter.Unsupported(adapter.KindSwap, "getOrder")
}

func (a *Adapter) isReference(asset string) bool {
	return asset == a.wrappedRef || asset == a.bareRef
}

// TakeOrder 即时兑换。MinDestAmount 为零时从独立行情源推导可接受下界，
// 成交后再对实际到手数量做一次偏离校验。
func (a *Adapter) TakeOrder(ctx context.Context, caller string, req *adapter.TakeRequest) (*adapter.TakeResult, error) {
	start := time.Now()
	res, err := a.takeOrder(ctx, caller, req)
	if a.observer != nil {
		result := "success"
		if err != nil {
			result = "failure"
		}
		a.observer.ObserveAdapterOp(string(adapter.KindSwap), "swap", result, time.Since(start).Seconds())
	}
	return res, err
}

func (a *Adapter) takeOrder(ctx context.Context, caller string, req *adapter.TakeRequest) (*adapter.TakeResult, error) {
	if req == nil || req.SrcAsset == "" || req.DstAsset == "" || req.SrcAmount <= 0 {
		return nil, apperrors.ErrInvalidParam
	}
	if req.SrcAsset == req.DstAsset {
		return nil, apperrors.Newf(apperrors.CodeSameAssetSwap, "cannot swap %s into itself", req.SrcAsset)
	}
	if a.isReference(req.SrcAsset) && a.isReference(req.DstAsset) {
		return nil, apperrors.Newf(apperrors.CodeSameAssetSwap,
			"%s and %s are both forms of the reference asset", req.SrcAsset, req.DstAsset)
	}
	if err := a.gate.RequireMutate(caller); err != nil {
		return nil, err
	}

	a.fundMu.Lock()
	defer a.fundMu.Unlock()

	// 到手资产要进持仓表，容量不足时提前失败
	custodyDst := a.custodyAsset(req.DstAsset)
	if !a.registry.CanRegister(custodyDst) {
		return nil, apperrors.Newf(apperrors.CodeRegistryFull,
			"owned-asset registry full, cannot track %s", custodyDst)
	}

	// 独立行情推导的下界始终生效；调用方给的 minDest 只能收紧，不能放宽
	derived, err := a.checker.MinAcceptable(ctx, req.SrcAsset, req.DstAsset, req.SrcAmount)
	if err != nil {
		return nil, err
	}
	if derived <= 0 {
		return nil, apperrors.Newf(apperrors.CodeRateDeviation,
			"derived minimum for %s/%s is zero", req.SrcAsset, req.DstAsset)
	}
	minDest := derived
	if req.MinDestAmount > minDest {
		minDest = req.MinDestAmount
	}

	received, err := a.settle(ctx, req, minDest)
	if err != nil {
		if a.log != nil {
			a.log.WithContext(ctx).WithVenue(a.venue.Name()).
				WithAsset(req.SrcAsset).WithError(err).Error("swap aborted")
		}
		return nil, err
	}

	// 兑换事件携带 (actualReceived, srcAmount, srcAmount)
	a.book.OrderUpdateHook(ctx, &ledger.OrderUpdate{
		Kind:       ledger.UpdateSwap,
		Venue:      a.venue.Name(),
		MakerAsset: req.DstAsset,
		TakerAsset: req.SrcAsset,
		MakerQty:   received,
		TakerQty:   req.SrcAmount,
		FillQty:    req.SrcAmount,
		Caller:     caller,
	})

	return &adapter.TakeResult{Received: received}, nil
}

// custodyAsset 托管内记账用的资产标识：参考资产一律记包裹形态
func (a *Adapter) custodyAsset(asset string) string {
	if asset == a.bareRef {
		return a.wrappedRef
	}
	return asset
}

func (a *Adapter) settle(ctx context.Context, req *adapter.TakeRequest, minDest int64) (int64, error) {
	reqID := a.idGen.NextID()
	custodySrc := a.custodyAsset(req.SrcAsset)
	custodyDst := a.custodyAsset(req.DstAsset)

	var (
		received  int64
		settled   bool
		unwrapped bool
		swapped   bool
		wrapped   bool
		deposited bool
	)

	movement := func(stage string, asset string, amount int64) *vault.Movement {
		return &vault.Movement{
			IdempotencyKey: fmt.Sprintf("swap:%d:%s", reqID, stage),
			Asset:          asset,
			Amount:         amount,
			RefType:        "swap",
			RefID:          fmt.Sprintf("%d", reqID),
		}
	}

	steps := []saga.Step{
		saga.FuncStep{
			Name: "custody_withdraw",
			ExecuteFn: func(ctx context.Context) error {
				return a.custody.Withdraw(ctx, movement("withdraw", custodySrc, req.SrcAmount))
			},
			CompensateFn: func(ctx context.Context) error {
				a.compensated()
				if !swapped {
					return a.custody.Release(ctx, movement("release", custodySrc, req.SrcAmount))
				}
				// 场所已实际成交：src 已花出按结算处理，到手资产如实入账
				if !settled {
					if err := a.custody.Settle(ctx, movement("settle", custodySrc, req.SrcAmount)); err != nil {
						return err
					}
					settled = true
				}
				if deposited || received <= 0 {
					return nil
				}
				dst := custodyDst
				if a.isReference(req.DstAsset) && !wrapped {
					if err := a.wrapper.Wrap(ctx, received); err != nil {
						// 包裹失败则按裸形态入账，不让到手数量凭空消失
						dst = req.DstAsset
					} else {
						wrapped = true
					}
				}
				if err := a.custody.Deposit(ctx, movement("deposit", dst, received)); err != nil {
					return err
				}
				deposited = true
				return a.registry.Register(dst)
			},
		},
	}

	if a.isReference(req.SrcAsset) {
		// 路径 a：参考 -> token，先解包裹
		steps = append(steps, saga.FuncStep{
			Name: "unwrap_reference",
			ExecuteFn: func(ctx context.Context) error {
				if err := a.wrapper.Unwrap(ctx, req.SrcAmount); err != nil {
					return apperrors.Newf(apperrors.CodeVenueCallFailed, "unwrap reference: %v", err)
				}
				unwrapped = true
				return nil
			},
			CompensateFn: func(ctx context.Context) error {
				// 场所已成交后裸参考资产不复存在，不能再包裹回去
				if !unwrapped || swapped {
					return nil
				}
				return a.wrapper.Wrap(ctx, req.SrcAmount)
			},
		})
	}

	steps = append(steps, saga.FuncStep{
		Name: "venue_swap",
		ExecuteFn: func(ctx context.Context) error {
			got, err := a.executeSwap(ctx, req, minDest)
			if err != nil {
				return err
			}
			swapped = true
			received = got
			if got < minDest {
				return apperrors.Newf(apperrors.CodeVenueShortFill,
					"venue delivered %d, below minimum %d", got, minDest)
			}
			return nil
		},
	})

	if a.isReference(req.DstAsset) {
		// 路径 b：token -> 参考，换回后重新包裹
		steps = append(steps, saga.FuncStep{
			Name: "wrap_reference",
			ExecuteFn: func(ctx context.Context) error {
				if err := a.wrapper.Wrap(ctx, received); err != nil {
					return apperrors.Newf(apperrors.CodeVenueCallFailed, "wrap reference: %v", err)
				}
				wrapped = true
				return nil
			},
		})
	}

	steps = append(steps,
		saga.FuncStep{
			Name: "rate_check",
			ExecuteFn: func(ctx context.Context) error {
				return a.checker.CheckExecution(ctx, req.SrcAsset, req.DstAsset, req.SrcAmount, received)
			},
		},
		saga.FuncStep{
			Name: "custody_settle",
			ExecuteFn: func(ctx context.Context) error {
				if err := a.custody.Settle(ctx, movement("settle", custodySrc, req.SrcAmount)); err != nil {
					return err
				}
				settled = true
				return nil
			},
		},
		saga.FuncStep{
			Name: "custody_deposit",
			ExecuteFn: func(ctx context.Context) error {
				if err := a.custody.Deposit(ctx, movement("deposit", custodyDst, received)); err != nil {
					return err
				}
				deposited = true
				return nil
			},
		},
		saga.FuncStep{
			Name: "register_and_sync",
			ExecuteFn: func(ctx context.Context) error {
				if err := a.registry.Register(custodyDst); err != nil {
					return err
				}
				return a.registry.SyncFromCustody(ctx, a.custody)
			},
		},
	)

	if err := a.exec.Run(ctx, fmt.Sprintf("swap.take.%d", reqID), steps); err != nil {
		return 0, err
	}
	return received, nil
}

func (a *Adapter) executeSwap(ctx context.Context, req *adapter.TakeRequest, minDest int64) (int64, error) {
	var (
		got int64
		err error
	)
	switch {
	case a.isReference(req.SrcAsset):
		got, err = a.venue.SwapReferenceToToken(ctx, req.DstAsset, req.SrcAmount, minDest)
	case a.isReference(req.DstAsset):
		got, err = a.venue.SwapTokenToReference(ctx, req.SrcAsset, req.SrcAmount, minDest)
	default:
		got, err = a.venue.SwapTokenToToken(ctx, req.SrcAsset, req.DstAsset, req.SrcAmount, minDest)
	}
	if err != nil {
		return 0, apperrors.Newf(apperrors.CodeVenueCallFailed, "venue swap: %v", err)
	}
	if got <= 0 {
		return 0, apperrors.Newf(apperrors.CodeVenueCallFailed, "venue reported zero received amount")
	}
	return got, nil
}

func (a *Adapter) compensated() {
	if a.observer != nil {
		a.observer.ObserveCompensation(string(adapter.KindSwap), "swap")
	}
}

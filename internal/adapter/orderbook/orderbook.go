// Package orderbook 订单簿场所适配器。
// 每个变更操作都是 保证金划出 -> 场所调用 -> 结算入账 的本地补偿事务：
// 场所未成交时已划出的托管按逆序回补；已成交后失败则按实收结算入账，
// 不把在途资产留在账外。
package orderbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fund/execution/internal/adapter"
	"github.com/fund/execution/internal/ledger"
	"github.com/fund/execution/internal/permission"
	"github.com/fund/execution/internal/registry"
	"github.com/fund/execution/internal/vault"
	"github.com/fund/execution/internal/venue"
	"github.com/fund/execution/pkg/decimal"
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
	Venue       venue.OrderBookVenue
	Gate        *permission.Gate
	Custody     adapter.Custody
	Registry    *registry.Registry
	Book        *ledger.Ledger
	Eligibility adapter.Eligibility // 可为 nil
	Executor    *saga.Executor
	IDGen       IDGenerator
	Logger      *logger.Logger
	Observer    adapter.Observer // 可为 nil
	FundMu      *sync.Mutex      // 与其他适配器共享，串行化同一基金的变更操作
}

// Adapter 订单簿适配器
type Adapter struct {
	venue       venue.OrderBookVenue
	gate        *permission.Gate
	custody     adapter.Custody
	registry    *registry.Registry
	book        *ledger.Ledger
	eligibility adapter.Eligibility
	exec        *saga.Executor
	idGen       IDGenerator
	log         *logger.Logger
	observer    adapter.Observer
	fundMu      *sync.Mutex
}

// New 创建适配器
func New(cfg Config) (*Adapter, error) {
	if cfg.Venue == nil || cfg.Gate == nil || cfg.Custody == nil ||
		cfg.Registry == nil || cfg.Book == nil || cfg.Executor == nil || cfg.IDGen == nil {
		return nil, fmt.Errorf("orderbook adapter: missing dependency")
	}
	if cfg.FundMu == nil {
		cfg.FundMu = &sync.Mutex{}
	}
	return &Adapter{
		venue:       cfg.Venue,
		gate:        cfg.Gate,
		custody:     cfg.Custody,
		registry:    cfg.Registry,
		book:        cfg.Book,
		eligibility: cfg.Eligibility,
		exec:        cfg.Executor,
		idGen:       cfg.IDGen,
		log:         cfg.Logger,
		observer:    cfg.Observer,
		fundMu:      cfg.FundMu,
	}, nil
}

func (a *Adapter) Kind() adapter.Kind {
	return adapter.KindOrderBook
}

func (a *Adapter) Venue() string {
	return a.venue.Name()
}

func (a *Adapter) observe(op, result string, start time.Time) {
	if a.observer != nil {
		a.observer.ObserveAdapterOp(string(adapter.KindOrderBook), op, result, time.Since(start).Seconds())
	}
}

func (a *Adapter) resultOf(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// MakeOrder 挂单。前置：管理人、未停机、makerAsset 过风控、
// (venue, makerAsset) 无在册挂单（台账有陈旧记录时先向场所复核）。
func (a *Adapter) MakeOrder(ctx context.Context, caller string, req *adapter.MakeRequest) (int64, error) {
	start := time.Now()
	orderID, err := a.makeOrder(ctx, caller, req)
	a.observe("make", a.resultOf(err), start)
	return orderID, err
}

func (a *Adapter) makeOrder(ctx context.Context, caller string, req *adapter.MakeRequest) (int64, error) {
	if req == nil || req.MakerAsset == "" || req.TakerAsset == "" || req.MakerQty <= 0 || req.TakerQty <= 0 {
		return 0, apperrors.ErrInvalidParam
	}
	if req.MakerAsset == req.TakerAsset {
		return 0, apperrors.Newf(apperrors.CodeAssetMismatch, "maker and taker asset must differ")
	}
	if err := a.gate.RequireMutate(caller); err != nil {
		return 0, err
	}
	if a.eligibility != nil {
		ok, err := a.eligibility.IsEligible(ctx, req.MakerAsset)
		if err != nil {
			return 0, apperrors.Newf(apperrors.CodeVenueCallFailed, "eligibility check: %v", err)
		}
		if !ok {
			return 0, apperrors.Newf(apperrors.CodeAssetNotEligible, "asset %s not eligible", req.MakerAsset)
		}
	}

	a.fundMu.Lock()
	defer a.fundMu.Unlock()

	venueName := a.venue.Name()
	if err := a.checkNoLiveOrder(ctx, venueName, req.MakerAsset); err != nil {
		return 0, err
	}
	// 成交后 taker 资产会进入持仓，容量不足时提前失败
	if !a.registry.CanRegister(req.TakerAsset) {
		return 0, apperrors.Newf(apperrors.CodeRegistryFull,
			"owned-asset registry full, cannot track %s", req.TakerAsset)
	}

	reqID := a.idGen.NextID()
	var (
		orderID int64
		settled bool
	)

	steps := []saga.Step{
		saga.FuncStep{
			Name: "custody_withdraw",
			ExecuteFn: func(ctx context.Context) error {
				return a.custody.Withdraw(ctx, &vault.Movement{
					IdempotencyKey: fmt.Sprintf("make:%d:withdraw", reqID),
					Asset:          req.MakerAsset,
					Amount:         req.MakerQty,
					RefType:        "make",
					RefID:          fmt.Sprintf("%d", reqID),
				})
			},
			CompensateFn: func(ctx context.Context) error {
				if settled {
					// 在途已交割，回补由结算步骤的补偿完成
					return nil
				}
				a.compensated("make")
				return a.custody.Release(ctx, &vault.Movement{
					IdempotencyKey: fmt.Sprintf("make:%d:release", reqID),
					Asset:          req.MakerAsset,
					Amount:         req.MakerQty,
					RefType:        "make",
					RefID:          fmt.Sprintf("%d", reqID),
				})
			},
		},
		saga.FuncStep{
			Name: "venue_make",
			ExecuteFn: func(ctx context.Context) error {
				id, err := a.venue.MakeOrder(ctx, req.MakerAsset, req.TakerAsset, req.MakerQty, req.TakerQty, req.ExpiresAt)
				if err != nil {
					return apperrors.Newf(apperrors.CodeVenueCallFailed, "venue make order: %v", err)
				}
				if id == 0 {
					return apperrors.Newf(apperrors.CodeVenueZeroID, "venue %s returned zero order id", venueName)
				}
				orderID = id
				return nil
			},
			CompensateFn: func(ctx context.Context) error {
				if orderID == 0 {
					return nil
				}
				_, err := a.venue.CancelOffer(ctx, orderID)
				return err
			},
		},
		saga.FuncStep{
			Name: "custody_settle",
			ExecuteFn: func(ctx context.Context) error {
				if err := a.custody.Settle(ctx, &vault.Movement{
					IdempotencyKey: fmt.Sprintf("make:%d:settle", reqID),
					Asset:          req.MakerAsset,
					Amount:         req.MakerQty,
					RefType:        "make",
					RefID:          fmt.Sprintf("%d", orderID),
				}); err != nil {
					return err
				}
				settled = true
				return nil
			},
			CompensateFn: func(ctx context.Context) error {
				// 场所侧撤单会退回 maker 资产，入回可用余额
				a.compensated("make")
				return a.custody.Deposit(ctx, &vault.Movement{
					IdempotencyKey: fmt.Sprintf("make:%d:unsettle", reqID),
					Asset:          req.MakerAsset,
					Amount:         req.MakerQty,
					RefType:        "make",
					RefID:          fmt.Sprintf("%d", orderID),
				})
			},
		},
		saga.FuncStep{
			Name: "register_and_record",
			ExecuteFn: func(ctx context.Context) error {
				if err := a.registry.Register(req.TakerAsset); err != nil {
					return err
				}
				return a.book.AddOpenMakeOrder(&ledger.OpenOrderEntry{
					Venue:      venueName,
					MakerAsset: req.MakerAsset,
					TakerAsset: req.TakerAsset,
					OrderID:    fmt.Sprintf("%d", orderID),
					MakerQty:   req.MakerQty,
					TakerQty:   req.TakerQty,
					Owner:      caller,
					ExpiresAt:  req.ExpiresAt,
				})
			},
		},
	}

	if err := a.exec.Run(ctx, fmt.Sprintf("orderbook.make.%d", reqID), steps); err != nil {
		if a.log != nil {
			a.log.WithContext(ctx).WithVenue(venueName).WithAsset(req.MakerAsset).
				WithError(err).Error("make order aborted")
		}
		return 0, err
	}

	a.book.OrderUpdateHook(ctx, &ledger.OrderUpdate{
		Kind:       ledger.UpdateMake,
		Venue:      venueName,
		MakerAsset: req.MakerAsset,
		TakerAsset: req.TakerAsset,
		OrderID:    fmt.Sprintf("%d", orderID),
		MakerQty:   req.MakerQty,
		TakerQty:   req.TakerQty,
		Caller:     caller,
	})
	return orderID, nil
}

// checkNoLiveOrder 台账里已有同 (venue, makerAsset) 的挂单时不直接拒绝：
// 先向场所复核该单是否仍然存活，确认已死的陈旧记录就地清除后放行。
// 复核本身失败时整个挂单失败，不清记录。
func (a *Adapter) checkNoLiveOrder(ctx context.Context, venueName, makerAsset string) error {
	entry, ok := a.book.OpenMakeOrder(venueName, makerAsset)
	if !ok {
		return nil
	}

	var staleID int64
	fmt.Sscanf(entry.OrderID, "%d", &staleID)
	if staleID != 0 {
		offer, err := a.venue.GetOffer(ctx, staleID)
		if err != nil {
			// 查询失败不代表订单已死，此时清记录会造成同键双挂
			return apperrors.Newf(apperrors.CodeVenueCallFailed,
				"cannot verify order %s on %s: %v", entry.OrderID, venueName, err)
		}
		if offer != nil && offer.Live {
			return apperrors.Newf(apperrors.CodeDuplicateOpenOrder,
				"live order %s already open for %s on %s", entry.OrderID, makerAsset, venueName)
		}
	}

	// 场所侧已不存活（吃光或过期撤销），清除陈旧记录
	if a.log != nil {
		a.log.WithVenue(venueName).WithAsset(makerAsset).
			WithField("orderId", entry.OrderID).Info("pruning dead open-order entry")
	}
	a.book.RemoveOpenMakeOrder(venueName, makerAsset)
	return nil
}

// TakeOrder 吃单。fillMaker = floor(fillTaker × maxMaker / maxTaker)。
func (a *Adapter) TakeOrder(ctx context.Context, caller string, req *adapter.TakeRequest) (*adapter.TakeResult, error) {
	start := time.Now()
	res, err := a.takeOrder(ctx, caller, req)
	a.observe("take", a.resultOf(err), start)
	return res, err
}

func (a *Adapter) takeOrder(ctx context.Context, caller string, req *adapter.TakeRequest) (*adapter.TakeResult, error) {
	if req == nil || req.OrderID == 0 || req.FillTakerQty <= 0 {
		return nil, apperrors.ErrInvalidParam
	}
	if err := a.gate.RequireMutate(caller); err != nil {
		return nil, err
	}

	a.fundMu.Lock()
	defer a.fundMu.Unlock()

	venueName := a.venue.Name()

	offer, err := a.venue.GetOffer(ctx, req.OrderID)
	if err != nil {
		return nil, apperrors.Newf(apperrors.CodeVenueCallFailed, "venue get offer %d: %v", req.OrderID, err)
	}
	if offer == nil || !offer.Live {
		return nil, apperrors.Newf(apperrors.CodeOrderNotLive, "offer %d is not live", req.OrderID)
	}
	if offer.MakerAsset != req.MakerAsset || offer.TakerAsset != req.TakerAsset {
		return nil, apperrors.Newf(apperrors.CodeAssetMismatch,
			"offer %d reports %s/%s, caller declared %s/%s",
			req.OrderID, offer.MakerAsset, offer.TakerAsset, req.MakerAsset, req.TakerAsset)
	}
	if offer.MakerAsset == offer.TakerAsset {
		return nil, apperrors.Newf(apperrors.CodeAssetMismatch, "offer assets must be distinct")
	}
	if req.FillTakerQty > offer.MaxTakerQty {
		return nil, apperrors.Newf(apperrors.CodeQtyBoundViolation,
			"fill %d exceeds offer max taker %d", req.FillTakerQty, offer.MaxTakerQty)
	}

	fillMaker := decimal.MulDivFloor(req.FillTakerQty, offer.MaxMakerQty, offer.MaxTakerQty)
	if fillMaker <= 0 || fillMaker > offer.MaxMakerQty {
		return nil, apperrors.Newf(apperrors.CodeQtyBoundViolation,
			"computed maker fill %d out of offer bounds", fillMaker)
	}
	if !a.registry.CanRegister(offer.MakerAsset) {
		return nil, apperrors.Newf(apperrors.CodeRegistryFull,
			"owned-asset registry full, cannot track %s", offer.MakerAsset)
	}

	reqID := a.idGen.NextID()
	var (
		received  int64
		settled   bool
		filled    bool
		deposited bool
	)

	steps := []saga.Step{
		saga.FuncStep{
			Name: "custody_withdraw",
			ExecuteFn: func(ctx context.Context) error {
				return a.custody.Withdraw(ctx, &vault.Movement{
					IdempotencyKey: fmt.Sprintf("take:%d:withdraw", reqID),
					Asset:          offer.TakerAsset,
					Amount:         req.FillTakerQty,
					RefType:        "take",
					RefID:          fmt.Sprintf("%d", req.OrderID),
				})
			},
			CompensateFn: func(ctx context.Context) error {
				a.compensated("take")
				if !filled {
					return a.custody.Release(ctx, &vault.Movement{
						IdempotencyKey: fmt.Sprintf("take:%d:release", reqID),
						Asset:          offer.TakerAsset,
						Amount:         req.FillTakerQty,
						RefType:        "take",
						RefID:          fmt.Sprintf("%d", req.OrderID),
					})
				}
				// 场所已成交：taker 已花出按结算处理，实际到手的 maker 资产如实入账
				if !settled {
					if err := a.custody.Settle(ctx, &vault.Movement{
						IdempotencyKey: fmt.Sprintf("take:%d:settle", reqID),
						Asset:          offer.TakerAsset,
						Amount:         req.FillTakerQty,
						RefType:        "take",
						RefID:          fmt.Sprintf("%d", req.OrderID),
					}); err != nil {
						return err
					}
					settled = true
				}
				if deposited || received <= 0 {
					return nil
				}
				if err := a.custody.Deposit(ctx, &vault.Movement{
					IdempotencyKey: fmt.Sprintf("take:%d:deposit", reqID),
					Asset:          offer.MakerAsset,
					Amount:         received,
					RefType:        "take",
					RefID:          fmt.Sprintf("%d", req.OrderID),
				}); err != nil {
					return err
				}
				deposited = true
				return a.registry.Register(offer.MakerAsset)
			},
		},
		saga.FuncStep{
			Name: "venue_fill",
			ExecuteFn: func(ctx context.Context) error {
				got, err := a.venue.FillOffer(ctx, req.OrderID, fillMaker, req.FillTakerQty)
				if err != nil {
					return apperrors.Newf(apperrors.CodeVenueCallFailed, "venue fill offer %d: %v", req.OrderID, err)
				}
				filled = true
				received = got
				if got < fillMaker {
					return apperrors.Newf(apperrors.CodeVenueShortFill,
						"venue delivered %d of expected %d", got, fillMaker)
				}
				return nil
			},
		},
		saga.FuncStep{
			Name: "custody_settle",
			ExecuteFn: func(ctx context.Context) error {
				if err := a.custody.Settle(ctx, &vault.Movement{
					IdempotencyKey: fmt.Sprintf("take:%d:settle", reqID),
					Asset:          offer.TakerAsset,
					Amount:         req.FillTakerQty,
					RefType:        "take",
					RefID:          fmt.Sprintf("%d", req.OrderID),
				}); err != nil {
					return err
				}
				settled = true
				return nil
			},
		},
		saga.FuncStep{
			Name: "custody_deposit",
			ExecuteFn: func(ctx context.Context) error {
				if err := a.custody.Deposit(ctx, &vault.Movement{
					IdempotencyKey: fmt.Sprintf("take:%d:deposit", reqID),
					Asset:          offer.MakerAsset,
					Amount:         received,
					RefType:        "take",
					RefID:          fmt.Sprintf("%d", req.OrderID),
				}); err != nil {
					return err
				}
				deposited = true
				return nil
			},
		},
		saga.FuncStep{
			Name: "register_and_sync",
			ExecuteFn: func(ctx context.Context) error {
				if err := a.registry.Register(offer.MakerAsset); err != nil {
					return err
				}
				return a.registry.SyncFromCustody(ctx, a.custody)
			},
		},
	}

	if err := a.exec.Run(ctx, fmt.Sprintf("orderbook.take.%d", reqID), steps); err != nil {
		if a.log != nil {
			a.log.WithContext(ctx).WithVenue(venueName).WithError(err).Error("take order aborted")
		}
		return nil, err
	}

	// 吃单事件携带 (maxMaker, maxTaker, fillTaker)
	a.book.OrderUpdateHook(ctx, &ledger.OrderUpdate{
		Kind:       ledger.UpdateTake,
		Venue:      venueName,
		MakerAsset: offer.MakerAsset,
		TakerAsset: offer.TakerAsset,
		OrderID:    fmt.Sprintf("%d", req.OrderID),
		MakerQty:   offer.MaxMakerQty,
		TakerQty:   offer.MaxTakerQty,
		FillQty:    req.FillTakerQty,
		Caller:     caller,
	})

	return &adapter.TakeResult{
		FillMakerQty: fillMaker,
		FillTakerQty: req.FillTakerQty,
		Received:     received,
	}, nil
}

// CancelOrder 撤单。放行条件为属主/过期/停机三路任一；
// 撤单前向场所复核 maker 资产，防止陈旧或错配的订单号。
func (a *Adapter) CancelOrder(ctx context.Context, caller string, req *adapter.CancelRequest) error {
	start := time.Now()
	err := a.cancelOrder(ctx, caller, req)
	a.observe("cancel", a.resultOf(err), start)
	return err
}

func (a *Adapter) cancelOrder(ctx context.Context, caller string, req *adapter.CancelRequest) error {
	if req == nil || req.MakerAsset == "" {
		return apperrors.ErrInvalidParam
	}
	if req.OrderID == 0 {
		return apperrors.Newf(apperrors.CodeZeroOrderID, "cancel requires a non-zero order id")
	}

	a.fundMu.Lock()
	defer a.fundMu.Unlock()

	venueName := a.venue.Name()

	entry, ok := a.book.OpenMakeOrder(venueName, req.MakerAsset)
	if !ok {
		return apperrors.Newf(apperrors.CodeOrderNotFound, "no open order for %s on %s", req.MakerAsset, venueName)
	}
	if entry.OrderID != fmt.Sprintf("%d", req.OrderID) {
		return apperrors.Newf(apperrors.CodeOrderNotFound,
			"open order for %s on %s is %s, not %d", req.MakerAsset, venueName, entry.OrderID, req.OrderID)
	}
	if err := a.gate.RequireCancelPermitted(caller, permission.OrderOwnership{
		Owner:     entry.Owner,
		ExpiresAt: entry.ExpiresAt,
	}); err != nil {
		return err
	}

	offer, err := a.venue.GetOffer(ctx, req.OrderID)
	if err != nil {
		return apperrors.Newf(apperrors.CodeVenueCallFailed, "venue get offer %d: %v", req.OrderID, err)
	}
	if offer == nil {
		return apperrors.Newf(apperrors.CodeOrderNotFound, "venue reports no offer %d", req.OrderID)
	}
	if offer.MakerAsset != req.MakerAsset {
		return apperrors.Newf(apperrors.CodeStateInconsistent,
			"venue reports maker asset %s for order %d, caller declared %s",
			offer.MakerAsset, req.OrderID, req.MakerAsset)
	}

	reqID := a.idGen.NextID()
	var refund int64

	steps := []saga.Step{
		saga.FuncStep{
			Name: "remove_entry",
			ExecuteFn: func(ctx context.Context) error {
				if _, ok := a.book.RemoveOpenMakeOrder(venueName, req.MakerAsset); !ok {
					return apperrors.Newf(apperrors.CodeStateInconsistent,
						"open order for %s on %s vanished mid-cancel", req.MakerAsset, venueName)
				}
				return nil
			},
			CompensateFn: func(ctx context.Context) error {
				a.compensated("cancel")
				return a.book.AddOpenMakeOrder(entry)
			},
		},
		saga.FuncStep{
			Name: "venue_cancel",
			ExecuteFn: func(ctx context.Context) error {
				got, err := a.venue.CancelOffer(ctx, req.OrderID)
				if err != nil {
					return apperrors.Newf(apperrors.CodeVenueCallFailed, "venue cancel offer %d: %v", req.OrderID, err)
				}
				refund = got
				return nil
			},
		},
		saga.FuncStep{
			Name: "custody_return",
			ExecuteFn: func(ctx context.Context) error {
				if refund <= 0 {
					return nil
				}
				return a.custody.Deposit(ctx, &vault.Movement{
					IdempotencyKey: fmt.Sprintf("cancel:%d:refund", reqID),
					Asset:          req.MakerAsset,
					Amount:         refund,
					RefType:        "cancel",
					RefID:          fmt.Sprintf("%d", req.OrderID),
				})
			},
		},
		saga.FuncStep{
			Name: "registry_sync",
			ExecuteFn: func(ctx context.Context) error {
				return a.registry.SyncFromCustody(ctx, a.custody)
			},
		},
	}

	if err := a.exec.Run(ctx, fmt.Sprintf("orderbook.cancel.%d", reqID), steps); err != nil {
		if a.log != nil {
			a.log.WithContext(ctx).WithVenue(venueName).WithError(err).Error("cancel order aborted")
		}
		return err
	}

	// 撤单事件的资产与数量字段置零
	a.book.OrderUpdateHook(ctx, &ledger.OrderUpdate{
		Kind:    ledger.UpdateCancel,
		Venue:   venueName,
		OrderID: fmt.Sprintf("%d", req.OrderID),
		Caller:  caller,
	})
	return nil
}

// GetOrder 只读穿透查询，不落任何状态
func (a *Adapter) GetOrder(ctx context.Context, orderID int64) (*adapter.OrderView, error) {
	if orderID == 0 {
		return nil, apperrors.Newf(apperrors.CodeZeroOrderID, "get requires a non-zero order id")
	}
	offer, err := a.venue.GetOffer(ctx, orderID)
	if err != nil {
		return nil, apperrors.Newf(apperrors.CodeVenueCallFailed, "venue get offer %d: %v", orderID, err)
	}
	if offer == nil {
		return nil, apperrors.Newf(apperrors.CodeOrderNotFound, "venue reports no offer %d", orderID)
	}
	return &adapter.OrderView{
		SellAsset: offer.MakerAsset,
		BuyAsset:  offer.TakerAsset,
		SellQty:   offer.MaxMakerQty,
		BuyQty:    offer.MaxTakerQty,
	}, nil
}

func (a *Adapter) compensated(op string) {
	if a.observer != nil {
		a.observer.ObserveCompensation(string(adapter.KindOrderBook), op)
	}
}

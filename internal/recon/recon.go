// Package recon 托管对账。周期性核对余额表与托管流水的累计值，
// 同步持仓表，并把挂单数写入指标。多实例部署时用 Redis 锁保证单跑。
package recon

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fund/execution/internal/ledger"
	"github.com/fund/execution/internal/registry"
	"github.com/fund/execution/internal/vault"
	"github.com/fund/execution/pkg/audit"
	"github.com/fund/execution/pkg/logger"
)

// CustodySource 对账所需的托管视图
type CustodySource interface {
	Balances(ctx context.Context) ([]*vault.Balance, error)
	LedgerSums(ctx context.Context) (map[string][2]int64, error)
}

// Locker 单跑锁
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Observer 对账指标面
type Observer interface {
	IncReconMismatch()
	ObserveReconRun(result string)
	SetOpenOrders(n int)
}

// Mismatch 一条不一致记录
type Mismatch struct {
	Asset            string
	Available        int64
	AvailableFromLog int64
	Escrowed         int64
	EscrowedFromLog  int64
}

// Reconciler 对账器
type Reconciler struct {
	custody  CustodySource
	registry *registry.Registry
	book     *ledger.Ledger
	lock     Locker
	auditor  audit.Logger
	observer Observer
	log      *logger.Logger

	cron    *cron.Cron
	timeout time.Duration
}

// Config 对账器装配
type Config struct {
	Custody  CustodySource
	Registry *registry.Registry
	Book     *ledger.Ledger
	Lock     Locker       // 可为 nil（单实例）
	Auditor  audit.Logger // 可为 nil
	Observer Observer     // 可为 nil
	Logger   *logger.Logger
	Timeout  time.Duration
}

// New 创建对账器
func New(cfg Config) (*Reconciler, error) {
	if cfg.Custody == nil || cfg.Registry == nil || cfg.Book == nil {
		return nil, fmt.Errorf("reconciler: missing dependency")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Reconciler{
		custody:  cfg.Custody,
		registry: cfg.Registry,
		book:     cfg.Book,
		lock:     cfg.Lock,
		auditor:  cfg.Auditor,
		observer: cfg.Observer,
		log:      cfg.Logger,
		timeout:  cfg.Timeout,
	}, nil
}

// Start 按 cron 表达式调度对账
func (r *Reconciler) Start(spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil && r.log != nil {
			r.log.WithError(err).Error("reconciliation run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop 停止调度，等待在跑任务结束
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// RunOnce 跑一轮对账，返回发现的不一致
func (r *Reconciler) RunOnce(ctx context.Context) ([]Mismatch, error) {
	if r.lock != nil {
		ok, err := r.lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire recon lock: %w", err)
		}
		if !ok {
			// 其他实例在跑
			return nil, nil
		}
		defer func() {
			_ = r.lock.Release(ctx)
		}()
	}

	mismatches, err := r.checkCustody(ctx)
	if err != nil {
		r.observeRun("failure")
		return nil, err
	}

	if err := r.registry.SyncFromCustody(ctx, r.custody); err != nil {
		r.observeRun("failure")
		return mismatches, fmt.Errorf("sync registry: %w", err)
	}

	if r.observer != nil {
		r.observer.SetOpenOrders(r.book.Count())
	}

	result := "success"
	if len(mismatches) > 0 {
		result = "mismatch"
	}
	r.observeRun(result)
	return mismatches, nil
}

func (r *Reconciler) checkCustody(ctx context.Context) ([]Mismatch, error) {
	balances, err := r.custody.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	sums, err := r.custody.LedgerSums(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger sums: %w", err)
	}

	var mismatches []Mismatch
	for _, b := range balances {
		sum := sums[b.Asset]
		if b.Available == sum[0] && b.Escrowed == sum[1] {
			continue
		}
		m := Mismatch{
			Asset:            b.Asset,
			Available:        b.Available,
			AvailableFromLog: sum[0],
			Escrowed:         b.Escrowed,
			EscrowedFromLog:  sum[1],
		}
		mismatches = append(mismatches, m)
		r.reportMismatch(ctx, m)
	}
	return mismatches, nil
}

func (r *Reconciler) reportMismatch(ctx context.Context, m Mismatch) {
	if r.log != nil {
		r.log.Errorf("custody reconciliation mismatch", map[string]interface{}{
			"asset":            m.Asset,
			"available":        m.Available,
			"availableFromLog": m.AvailableFromLog,
			"escrowed":         m.Escrowed,
			"escrowedFromLog":  m.EscrowedFromLog,
		})
	}
	if r.observer != nil {
		r.observer.IncReconMismatch()
	}
	if r.auditor != nil {
		entry := audit.NewLog(audit.EventReconMismatch, "").
			WithAssets(m.Asset, "").
			WithQuantities(m.Available, m.AvailableFromLog, m.Escrowed).
			WithResult(false, fmt.Sprintf("balance diverges from ledger for %s", m.Asset))
		if err := r.auditor.Log(ctx, entry); err != nil && r.log != nil {
			r.log.WithError(err).Error("audit recon mismatch failed")
		}
	}
}

func (r *Reconciler) observeRun(result string) {
	if r.observer != nil {
		r.observer.ObserveReconRun(result)
	}
}

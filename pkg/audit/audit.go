// Package audit 结算审计日志
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type EventType string

const (
	// 交易操作
	EventOrderMade      EventType = "ORDER_MADE"
	EventOrderTaken     EventType = "ORDER_TAKEN"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventAssetSwapped   EventType = "ASSET_SWAPPED"

	// 资金托管
	EventCustodyWithdrawn EventType = "CUSTODY_WITHDRAWN"
	EventCustodyReturned  EventType = "CUSTODY_RETURNED"

	// 管理操作
	EventShutdownToggled EventType = "SHUTDOWN_TOGGLED"
	EventReconMismatch   EventType = "RECON_MISMATCH"
)

// SettlementLog 一次结算事件的审计记录
type SettlementLog struct {
	ID         int64     `json:"id"`
	EventType  EventType `json:"eventType"`
	Venue      string    `json:"venue"`
	MakerAsset string    `json:"makerAsset"`
	TakerAsset string    `json:"takerAsset"`
	MakerQty   int64     `json:"makerQty"`
	TakerQty   int64     `json:"takerQty"`
	FillQty    int64     `json:"fillQty"`
	OrderID    string    `json:"orderId"`
	Caller     string    `json:"caller"`
	Result     string    `json:"result"` // SUCCESS/FAILED
	ErrorMsg   string    `json:"errorMsg"`
	Timestamp  int64     `json:"timestamp"`
	RequestID  string    `json:"requestId"`
}

type Logger interface {
	Log(ctx context.Context, log *SettlementLog) error
	Query(ctx context.Context, filter *QueryFilter) ([]*SettlementLog, error)
}

type QueryFilter struct {
	Venue     string
	EventType EventType
	StartTime int64
	EndTime   int64
	Limit     int
	Offset    int
}

const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// NewLog 创建审计记录。Timestamp 使用 Unix 毫秒。
func NewLog(eventType EventType, venue string) *SettlementLog {
	return &SettlementLog{
		EventType: eventType,
		Venue:     venue,
		Timestamp: time.Now().UnixMilli(),
		Result:    ResultSuccess,
	}
}

// WithAssets 设置资产对
func (l *SettlementLog) WithAssets(makerAsset, takerAsset string) *SettlementLog {
	if l == nil {
		return nil
	}
	l.MakerAsset = makerAsset
	l.TakerAsset = takerAsset
	return l
}

// WithQuantities 设置数量三元组
func (l *SettlementLog) WithQuantities(makerQty, takerQty, fillQty int64) *SettlementLog {
	if l == nil {
		return nil
	}
	l.MakerQty = makerQty
	l.TakerQty = takerQty
	l.FillQty = fillQty
	return l
}

// WithOrderID 设置订单 ID
func (l *SettlementLog) WithOrderID(orderID string) *SettlementLog {
	if l == nil {
		return nil
	}
	l.OrderID = orderID
	return l
}

// WithCaller 设置调用者
func (l *SettlementLog) WithCaller(caller string) *SettlementLog {
	if l == nil {
		return nil
	}
	l.Caller = caller
	return l
}

// WithResult 设置结果
func (l *SettlementLog) WithResult(success bool, errMsg string) *SettlementLog {
	if l == nil {
		return nil
	}
	if success {
		l.Result = ResultSuccess
		l.ErrorMsg = ""
		return l
	}
	l.Result = ResultFailed
	l.ErrorMsg = errMsg
	return l
}

// DBLogger 使用 PostgreSQL（database/sql）实现审计日志存储，默认异步写入以避免影响结算主流程。
//
// 说明：
// - 表名固定为 settlement_audit（append-only）
// - 应用需自行 import PostgreSQL driver（如 github.com/lib/pq）
type DBLogger struct {
	db *sql.DB

	insertQueue chan *SettlementLog
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	onError func(error)
}

type DBLoggerOption func(*dbLoggerOptions)

type dbLoggerOptions struct {
	queueSize  int
	workers    int
	onError    func(error)
	skipWorker bool
}

func WithQueueSize(size int) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

func WithWorkers(n int) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithErrorHandler(fn func(error)) DBLoggerOption {
	return func(o *dbLoggerOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithSynchronousWrite 让 Log() 直接写数据库（不推荐在主链路使用）。
func WithSynchronousWrite() DBLoggerOption {
	return func(o *dbLoggerOptions) {
		o.skipWorker = true
	}
}

func NewDBLogger(db *sql.DB, opts ...DBLoggerOption) (*DBLogger, error) {
	if db == nil {
		return nil, errors.New("audit: db is nil")
	}

	cfg := dbLoggerOptions{
		queueSize: 4096,
		workers:   2,
		onError:   func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	l := &DBLogger{
		db:      db,
		onError: cfg.onError,
	}

	if cfg.skipWorker {
		return l, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.insertQueue = make(chan *SettlementLog, cfg.queueSize)

	for i := 0; i < cfg.workers; i++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item := <-l.insertQueue:
					if item == nil {
						continue
					}
					if err := l.insert(ctx, item); err != nil {
						l.onError(err)
					}
				}
			}
		}()
	}

	return l, nil
}

// Close 关闭后台写入协程（可选调用）。
func (l *DBLogger) Close() {
	if l == nil {
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

func (l *DBLogger) Log(ctx context.Context, log *SettlementLog) error {
	if l == nil || l.db == nil || log == nil {
		return nil
	}

	if log.Timestamp == 0 {
		log.Timestamp = time.Now().UnixMilli()
	}

	if l.insertQueue == nil {
		// 同步写入模式：失败返回错误（调用方可选择忽略）
		return l.insert(ctx, log)
	}

	select {
	case l.insertQueue <- log:
	default:
		// 队列满：通知错误处理器，但不阻塞主流程
		if l.onError != nil {
			l.onError(errors.New("audit: queue full, log dropped"))
		}
	}
	return nil
}

func (l *DBLogger) insert(ctx context.Context, log *SettlementLog) error {
	query := `
INSERT INTO settlement_audit
    (id, event_type, venue, maker_asset, taker_asset, maker_qty, taker_qty, fill_qty, order_id, caller, result, error_msg, timestamp, request_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`
	_, err := l.db.ExecContext(ctx, query,
		log.ID,
		log.EventType,
		log.Venue,
		log.MakerAsset,
		log.TakerAsset,
		log.MakerQty,
		log.TakerQty,
		log.FillQty,
		log.OrderID,
		log.Caller,
		log.Result,
		log.ErrorMsg,
		log.Timestamp,
		log.RequestID,
	)
	if err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}
	return nil
}

func (l *DBLogger) Query(ctx context.Context, filter *QueryFilter) ([]*SettlementLog, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("audit: db logger not initialized")
	}

	var (
		where  []string
		args   []interface{}
		argIdx = 1
	)
	if filter != nil {
		if filter.Venue != "" {
			where = append(where, fmt.Sprintf("venue = $%d", argIdx))
			args = append(args, filter.Venue)
			argIdx++
		}
		if filter.EventType != "" {
			where = append(where, fmt.Sprintf("event_type = $%d", argIdx))
			args = append(args, filter.EventType)
			argIdx++
		}
		if filter.StartTime != 0 {
			where = append(where, fmt.Sprintf("timestamp >= $%d", argIdx))
			args = append(args, filter.StartTime)
			argIdx++
		}
		if filter.EndTime != 0 {
			where = append(where, fmt.Sprintf("timestamp <= $%d", argIdx))
			args = append(args, filter.EndTime)
			argIdx++
		}
	}

	query := `
SELECT id, event_type, venue, maker_asset, taker_asset, maker_qty, taker_qty, fill_qty, order_id, caller, result, error_msg, timestamp, request_id
FROM settlement_audit
`
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	query += "ORDER BY timestamp DESC, id DESC\n"

	limit := 100
	offset := 0
	if filter != nil {
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		if filter.Offset > 0 {
			offset = filter.Offset
		}
	}
	query += fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*SettlementLog
	for rows.Next() {
		var item SettlementLog
		if err := rows.Scan(
			&item.ID,
			&item.EventType,
			&item.Venue,
			&item.MakerAsset,
			&item.TakerAsset,
			&item.MakerQty,
			&item.TakerQty,
			&item.FillQty,
			&item.OrderID,
			&item.Caller,
			&item.Result,
			&item.ErrorMsg,
			&item.Timestamp,
			&item.RequestID,
		); err != nil {
			return nil, err
		}
		logs = append(logs, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fund/execution/internal/adapter"
	"github.com/fund/execution/internal/adapter/orderbook"
	"github.com/fund/execution/internal/adapter/swap"
	"github.com/fund/execution/internal/config"
	"github.com/fund/execution/internal/eligibility"
	"github.com/fund/execution/internal/ledger"
	"github.com/fund/execution/internal/metrics"
	"github.com/fund/execution/internal/permission"
	"github.com/fund/execution/internal/pricefeed"
	"github.com/fund/execution/internal/recon"
	"github.com/fund/execution/internal/registry"
	"github.com/fund/execution/internal/server"
	"github.com/fund/execution/internal/vault"
	"github.com/fund/execution/internal/venue"
	"github.com/fund/execution/pkg/audit"
	"github.com/fund/execution/pkg/health"
	"github.com/fund/execution/pkg/logger"
	redisclient "github.com/fund/execution/pkg/redis"
	"github.com/fund/execution/pkg/saga"
	"github.com/fund/execution/pkg/snowflake"
	"github.com/fund/execution/pkg/tracing"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	appLog := logger.New(cfg.ServiceName, os.Stdout)
	appLog.Infof("starting service", map[string]interface{}{"port": cfg.HTTPPort})

	idGen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.Fatalf("Failed to init snowflake: %v", err)
	}

	// 链路追踪
	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	appLog.Info("connected to PostgreSQL")

	// 连接 Redis
	rdb, err := redisclient.NewClient(&redisclient.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()
	appLog.Info("connected to Redis")

	// 指标
	m := metrics.New(prometheus.DefaultRegisterer)

	// 审计日志
	auditor, err := audit.NewDBLogger(db, audit.WithErrorHandler(func(err error) {
		appLog.WithError(err).Error("audit write failed")
	}))
	if err != nil {
		log.Fatalf("Failed to init audit logger: %v", err)
	}
	defer auditor.Close()

	// 托管库与持仓登记表
	custody := vault.New(db, idGen)
	reg := registry.New(cfg.MaxOwnedAssets)

	syncCtx, cancelSync := context.WithTimeout(context.Background(), 30*time.Second)
	if err := reg.SyncFromCustody(syncCtx, custody); err != nil {
		cancelSync()
		log.Fatalf("Failed to sync asset registry from custody: %v", err)
	}
	cancelSync()
	appLog.Infof("asset registry synced", map[string]interface{}{"assets": reg.Len()})

	// 账本与事件发布
	book := ledger.New()
	streamPub := ledger.NewStreamPublisher(redisclient.NewStreamClient(rdb), cfg.OrderEventStream)
	feed := server.NewFeed(&server.FeedConfig{AllowedOrigins: cfg.WSAllowedOrigins}, appLog)
	book.SetPublisher(ledger.NewMultiPublisher(streamPub, feed))
	book.SetAuditor(auditor)
	book.SetObserver(m)
	book.SetPublishErrorHandler(func(err error) {
		appLog.WithError(err).Error("order event publish failed")
	})

	// 权限门
	gate := permission.NewGate(cfg.ManagerID, appLog)
	gate.SetAuditor(auditor)

	// 独立行情校验
	rateSource := pricefeed.NewRedisRateSource(rdb, cfg.RateMaxAge)
	checker := pricefeed.NewChecker(rateSource, cfg.MaxRateDeviationBps)

	// Saga 执行器，步骤状态落 Redis 便于事后排查
	exec := saga.NewExecutor(saga.NewRedisStore(rdb.Client, "fund:saga"))

	// 场所适配器，共享一把基金互斥锁
	fundMu := &sync.Mutex{}
	obVenue := venue.NewHTTPClient(cfg.OrderBookVenueName, cfg.OrderBookVenueURL, cfg.VenueTimeout)
	swapVenue := venue.NewHTTPClient(cfg.SwapVenueName, cfg.SwapVenueURL, cfg.VenueTimeout)

	obAdapter, err := orderbook.New(orderbook.Config{
		Venue:       obVenue,
		Gate:        gate,
		Custody:     custody,
		Registry:    reg,
		Book:        book,
		Eligibility: eligibility.NewRedisSource(rdb),
		Executor:    exec,
		IDGen:       idGen,
		Logger:      appLog.WithVenue(cfg.OrderBookVenueName),
		Observer:    m,
		FundMu:      fundMu,
	})
	if err != nil {
		log.Fatalf("Failed to build orderbook adapter: %v", err)
	}

	swapAdapter, err := swap.New(swap.Config{
		Venue:            swapVenue,
		Wrapper:          swapVenue,
		Gate:             gate,
		Custody:          custody,
		Registry:         reg,
		Book:             book,
		Checker:          checker,
		Executor:         exec,
		IDGen:            idGen,
		Logger:           appLog.WithVenue(cfg.SwapVenueName),
		Observer:         m,
		FundMu:           fundMu,
		WrappedReference: cfg.WrappedReferenceAsset,
		BareReference:    cfg.BareReferenceAsset,
	})
	if err != nil {
		log.Fatalf("Failed to build swap adapter: %v", err)
	}

	// 对账：多实例部署用 Redis 锁保证单跑
	reconciler, err := recon.New(recon.Config{
		Custody:  custody,
		Registry: reg,
		Book:     book,
		Lock:     redisclient.NewLock(rdb.Client, "fund:recon:lock", cfg.ServiceName, 5*time.Minute),
		Auditor:  auditor,
		Observer: m,
		Logger:   appLog,
		Timeout:  time.Minute,
	})
	if err != nil {
		log.Fatalf("Failed to build reconciler: %v", err)
	}
	if err := reconciler.Start(cfg.ReconCron); err != nil {
		log.Fatalf("Failed to start reconciliation schedule: %v", err)
	}

	// 健康检查
	h := health.New()
	h.Register(health.NewDBChecker("postgres", db))
	h.Register(health.NewPingChecker("redis", redisPinger{rdb}))
	h.SetReady(true)

	srv := server.New(server.Config{
		Adapters: []adapter.Adapter{obAdapter, swapAdapter},
		Gate:     gate,
		Vault:    custody,
		Registry: reg,
		Book:     book,
		Auditor:  auditor,
		Health:   h,
		Feed:     feed,
		Logger:   appLog,
	})

	stop := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		appLog.Info("shutting down")
		h.SetReady(false)
		close(stop)
	}()

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	appLog.Infof("HTTP server listening", map[string]interface{}{"addr": addr})
	if err := srv.Run(addr, stop); err != nil {
		appLog.WithError(err).Error("HTTP server stopped")
	}

	reconciler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdownTracing(shutdownCtx)
	appLog.Info("shutdown complete")
}

type redisPinger struct {
	client *redisclient.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Client.Ping(ctx).Err()
}

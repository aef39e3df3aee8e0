// Package config 配置
package config

import (
	"fmt"
	"time"

	commonconfig "github.com/fund/execution/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	// Redis
	RedisAddr     string
	RedisPassword string

	// Streams
	OrderEventStream string

	// Venues
	OrderBookVenueName string
	OrderBookVenueURL  string
	SwapVenueName      string
	SwapVenueURL       string
	VenueTimeout       time.Duration

	// Price feed
	RateMaxAge time.Duration

	// WebSocket
	WSAllowedOrigins []string

	// Fund
	ManagerID             string
	WrappedReferenceAsset string // 托管中持有的包装形态（如 WETH）
	BareReferenceAsset    string // 交易场所结算的裸形态（如 ETH）
	MaxOwnedAssets        int
	MaxRateDeviationBps   int64 // 场所报价允许偏离独立价格源的基点数

	// Reconciliation
	ReconCron string

	// Tracing
	TracingEnabled  bool
	JaegerEndpoint  string
	TraceSampleRate float64

	WorkerID int64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: commonconfig.GetEnv("SERVICE_NAME", "fund-execution"),
		HTTPPort:    commonconfig.GetEnvInt("HTTP_PORT", 8091),

		DBHost:     commonconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:     commonconfig.GetEnvInt("DB_PORT", 5437), // 默认使用5437避免与其他项目冲突
		DBUser:     commonconfig.GetEnv("DB_USER", "fund"),
		DBPassword: commonconfig.GetEnv("DB_PASSWORD", "fund123"),
		DBName:     commonconfig.GetEnv("DB_NAME", "fund"),

		DBMaxOpenConns:    commonconfig.GetEnvInt("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns:    commonconfig.GetEnvInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: commonconfig.GetEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		DBConnMaxIdleTime: commonconfig.GetEnvDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),

		RedisAddr:     commonconfig.GetEnv("REDIS_ADDR", "localhost:6380"),
		RedisPassword: commonconfig.GetEnv("REDIS_PASSWORD", ""),

		OrderEventStream: commonconfig.GetEnv("ORDER_EVENT_STREAM", "fund:order-events"),

		OrderBookVenueName: commonconfig.GetEnv("ORDERBOOK_VENUE_NAME", "otc-desk"),
		OrderBookVenueURL:  commonconfig.GetEnv("ORDERBOOK_VENUE_URL", "http://localhost:9801"),
		SwapVenueName:      commonconfig.GetEnv("SWAP_VENUE_NAME", "amm-pool"),
		SwapVenueURL:       commonconfig.GetEnv("SWAP_VENUE_URL", "http://localhost:9802"),
		VenueTimeout:       commonconfig.GetEnvDuration("VENUE_TIMEOUT", 10*time.Second),

		RateMaxAge: commonconfig.GetEnvDuration("RATE_MAX_AGE", 2*time.Minute),

		WSAllowedOrigins: commonconfig.GetEnvList("WS_ALLOWED_ORIGINS", nil),

		ManagerID:             commonconfig.GetEnv("FUND_MANAGER_ID", ""),
		WrappedReferenceAsset: commonconfig.GetEnv("WRAPPED_REFERENCE_ASSET", "WETH"),
		BareReferenceAsset:    commonconfig.GetEnv("BARE_REFERENCE_ASSET", "ETH"),
		MaxOwnedAssets:        commonconfig.GetEnvInt("MAX_OWNED_ASSETS", 20),
		MaxRateDeviationBps:   commonconfig.GetEnvInt64("MAX_RATE_DEVIATION_BPS", 300),

		ReconCron: commonconfig.GetEnv("RECON_CRON", "@every 10m"),

		TracingEnabled:  commonconfig.GetEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint:  commonconfig.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRate: commonconfig.GetEnvFloat64("TRACE_SAMPLE_RATE", 0.1),

		WorkerID: commonconfig.GetEnvInt64("WORKER_ID", 1),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.ManagerID == "" {
		return fmt.Errorf("FUND_MANAGER_ID is required")
	}
	if c.WrappedReferenceAsset == "" || c.BareReferenceAsset == "" {
		return fmt.Errorf("reference asset configuration is required")
	}
	if c.WrappedReferenceAsset == c.BareReferenceAsset {
		return fmt.Errorf("wrapped and bare reference assets must differ")
	}
	if c.MaxOwnedAssets <= 0 {
		return fmt.Errorf("MAX_OWNED_ASSETS must be positive")
	}
	if c.MaxRateDeviationBps < 0 {
		return fmt.Errorf("MAX_RATE_DEVIATION_BPS must not be negative")
	}
	if c.OrderBookVenueURL == "" || c.SwapVenueURL == "" {
		return fmt.Errorf("venue endpoint configuration is required")
	}
	return nil
}

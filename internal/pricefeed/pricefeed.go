// Package pricefeed 独立行情源与成交价偏离校验
package pricefeed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fund/execution/pkg/decimal"
	apperrors "github.com/fund/execution/pkg/errors"
)

// Rate 一次报价：dst 每单位 src 可换多少 dst，定点 1e8
type Rate struct {
	SrcAsset  string
	DstAsset  string
	Value     int64 // 1e8 定点
	UpdatedAt int64 // Unix 毫秒
}

// RateScale 报价定点精度
const RateScale = int64(1e8)

// RateSource 独立行情源。结算前用它交叉校验成交价。
type RateSource interface {
	Rate(ctx context.Context, srcAsset, dstAsset string) (*Rate, error)
}

// RedisRateSource 从 Redis 读取行情服务写入的报价。
// key 形如 fund:rate:{SRC}:{DST}，HSET 字段 value / updatedAt。
type RedisRateSource struct {
	client redis.Cmdable
	maxAge time.Duration
}

// NewRedisRateSource 创建行情读取器。maxAge 为报价可接受的最大陈旧度。
func NewRedisRateSource(client redis.Cmdable, maxAge time.Duration) *RedisRateSource {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &RedisRateSource{client: client, maxAge: maxAge}
}

func rateKey(src, dst string) string {
	return "fund:rate:" + src + ":" + dst
}

// Rate 读取报价。缺失或过旧按外部调用失败处理。
func (s *RedisRateSource) Rate(ctx context.Context, srcAsset, dstAsset string) (*Rate, error) {
	fields, err := s.client.HGetAll(ctx, rateKey(srcAsset, dstAsset)).Result()
	if err != nil {
		return nil, apperrors.Newf(apperrors.CodeVenueCallFailed, "rate source unavailable: %v", err)
	}
	if len(fields) == 0 {
		return nil, apperrors.Newf(apperrors.CodeVenueCallFailed, "no rate for %s/%s", srcAsset, dstAsset)
	}

	value, err := strconv.ParseInt(fields["value"], 10, 64)
	if err != nil || value <= 0 {
		return nil, apperrors.Newf(apperrors.CodeVenueCallFailed, "malformed rate for %s/%s", srcAsset, dstAsset)
	}
	updatedAt, _ := strconv.ParseInt(fields["updatedAt"], 10, 64)

	age := time.Since(time.UnixMilli(updatedAt))
	if updatedAt == 0 || age > s.maxAge {
		return nil, apperrors.Newf(apperrors.CodeVenueCallFailed,
			"rate for %s/%s stale by %s", srcAsset, dstAsset, age.Truncate(time.Second))
	}

	return &Rate{SrcAsset: srcAsset, DstAsset: dstAsset, Value: value, UpdatedAt: updatedAt}, nil
}

// Checker 成交价偏离校验器
type Checker struct {
	source          RateSource
	maxDeviationBps int64
}

// NewChecker 创建校验器。maxDeviationBps 为允许的最大偏离（万分比）。
func NewChecker(source RateSource, maxDeviationBps int64) *Checker {
	return &Checker{source: source, maxDeviationBps: maxDeviationBps}
}

// MinAcceptable 按行情价和容忍度推出 srcAmount 至少应换得的 dst 数量
func (c *Checker) MinAcceptable(ctx context.Context, srcAsset, dstAsset string, srcAmount int64) (int64, error) {
	rate, err := c.source.Rate(ctx, srcAsset, dstAsset)
	if err != nil {
		return 0, err
	}
	fair := decimal.MulDivFloor(srcAmount, rate.Value, RateScale)
	min := decimal.MulDivFloor(fair, 10000-c.maxDeviationBps, 10000)
	return min, nil
}

// CheckExecution 校验实际成交量不低于容忍下界
func (c *Checker) CheckExecution(ctx context.Context, srcAsset, dstAsset string, srcAmount, received int64) error {
	min, err := c.MinAcceptable(ctx, srcAsset, dstAsset, srcAmount)
	if err != nil {
		return err
	}
	if received < min {
		return apperrors.Newf(apperrors.CodeRateDeviation,
			"received %d %s for %d %s, below tolerated minimum %d", received, dstAsset, srcAmount, srcAsset, min)
	}
	return nil
}

// String 便于日志输出
func (r *Rate) String() string {
	return fmt.Sprintf("%s/%s=%d@%d", r.SrcAsset, r.DstAsset, r.Value, r.UpdatedAt)
}

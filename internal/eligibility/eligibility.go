// Package eligibility 资产可交易白名单。
// 白名单由风控侧写入 Redis 集合，本服务只读。
package eligibility

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const setKey = "fund:eligible-assets"

// RedisSource 基于 Redis 集合的白名单
type RedisSource struct {
	client redis.Cmdable
}

// NewRedisSource 创建白名单读取器
func NewRedisSource(client redis.Cmdable) *RedisSource {
	return &RedisSource{client: client}
}

// IsEligible 资产是否在白名单内。Redis 不可达时报错，调用方自行失败关闭。
func (s *RedisSource) IsEligible(ctx context.Context, asset string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, setKey, asset).Result()
	if err != nil {
		return false, fmt.Errorf("eligibility lookup for %s: %w", asset, err)
	}
	return ok, nil
}

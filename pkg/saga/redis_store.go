package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLogTTL = 7 * 24 * time.Hour

// RedisStore persists saga logs in Redis so operators can inspect
// compensated settlements after the fact.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "fund:saga:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    defaultLogTTL,
	}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Save(ctx context.Context, log *SagaLog) error {
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal saga log: %w", err)
	}
	if err := s.client.Set(ctx, s.key(log.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save saga log: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*SagaLog, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get saga log: %w", err)
	}
	var log SagaLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("unmarshal saga log: %w", err)
	}
	return &log, nil
}

func (s *RedisStore) Update(ctx context.Context, log *SagaLog) error {
	return s.Save(ctx, log)
}

package infra

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisStockLedger implementa domain.StockLedger com DECR/INCR.
// Nunca lê e escreve em dois passos: a disputa é resolvida pela atomicidade do
// próprio redis.
type RedisStockLedger struct {
	rdb  redis.UniversalClient
	keys Keys
}

func NewRedisStockLedger(rdb redis.UniversalClient, keys Keys) *RedisStockLedger {
	return &RedisStockLedger{rdb: rdb, keys: keys}
}

func (s *RedisStockLedger) Reserve(ctx context.Context, resourceType string) (int64, error) {
	return s.rdb.Decr(ctx, s.keys.Stock(resourceType)).Result()
}

func (s *RedisStockLedger) Rollback(ctx context.Context, resourceType string) error {
	return s.rdb.Incr(ctx, s.keys.Stock(resourceType)).Err()
}

func (s *RedisStockLedger) Init(ctx context.Context, resourceType string, stock int64) (bool, error) {
	return s.rdb.SetNX(ctx, s.keys.Stock(resourceType), stock, 0).Result()
}

func (s *RedisStockLedger) Reset(ctx context.Context, resourceType string, stock int64) error {
	return s.rdb.Set(ctx, s.keys.Stock(resourceType), stock, 0).Err()
}

func (s *RedisStockLedger) Remaining(ctx context.Context, resourceType string) (int64, error) {
	n, err := s.rdb.Get(ctx, s.keys.Stock(resourceType)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

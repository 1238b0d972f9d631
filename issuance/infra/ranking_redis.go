package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coupon-issuance/issuance/domain"

	"github.com/redis/go-redis/v9"
)

// RedisRankingStore mantém um sorted set por quadro (board) com o acumulado por
// membro, mais um hash de totais e, opcionalmente, baldes por minuto com TTL.
type RedisRankingStore struct {
	rdb  redis.UniversalClient
	keys Keys

	// ttl aplica apenas nos baldes por minuto; os acumulados não expiram.
	ttl    time.Duration
	bucket string // "minute" (padrão) ou "none"
}

type RankingOption func(*RedisRankingStore)

func WithRankingTTL(d time.Duration) RankingOption {
	return func(s *RedisRankingStore) { s.ttl = d }
}

func WithRankingBucket(bucket string) RankingOption {
	return func(s *RedisRankingStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func NewRedisRankingStore(rdb redis.UniversalClient, keys Keys, opts ...RankingOption) *RedisRankingStore {
	s := &RedisRankingStore{
		rdb:    rdb,
		keys:   keys,
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisRankingStore) Record(ctx context.Context, ev domain.RankingEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	if ev.Board == "" || ev.Member == "" || ev.Delta == 0 {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	base := s.keys.Ranking(ev.Board)

	pipe := s.rdb.Pipeline()
	pipe.ZIncrBy(ctx, base, float64(ev.Delta), ev.Member)
	pipe.HIncrBy(ctx, base+":total", "units", ev.Delta)

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", base, at.UTC().Format("200601021504"))
		pipe.ZIncrBy(ctx, bucketKey, float64(ev.Delta), ev.Member)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

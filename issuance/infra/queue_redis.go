package infra

import (
	"context"
	"errors"
	"time"

	"coupon-issuance/issuance/domain"

	"github.com/redis/go-redis/v9"
)

// KEYS: queue, issued. ARGV: score, member.
// -1 = já tem posição (provisória ou emitida).
var claimScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[2], ARGV[2]) then
	return -1
end
if redis.call("ZADD", KEYS[1], "NX", ARGV[1], ARGV[2]) == 0 then
	return -1
end
return redis.call("ZRANK", KEYS[1], ARGV[2])
`)

// KEYS: queue, issued, issued-seq. ARGV: member.
// -1 = não estava na fila provisória.
var promoteScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return -1
end
local seq = redis.call("INCR", KEYS[3])
redis.call("ZADD", KEYS[2], seq, ARGV[1])
return seq
`)

// RedisFairnessQueue implementa domain.FairnessQueue com dois sorted sets por
// tipo: fila provisória (score = chegada em µs) e emitidos (score = sequência).
type RedisFairnessQueue struct {
	rdb  redis.UniversalClient
	keys Keys
	now  func() time.Time
}

type QueueOption func(*RedisFairnessQueue)

// WithQueueClock troca a fonte de tempo usada no score de chegada.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *RedisFairnessQueue) { q.now = now }
}

func NewRedisFairnessQueue(rdb redis.UniversalClient, keys Keys, opts ...QueueOption) *RedisFairnessQueue {
	q := &RedisFairnessQueue{rdb: rdb, keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisFairnessQueue) ClaimPosition(ctx context.Context, resourceType, requesterID string) (int64, error) {
	score := q.now().UnixMicro()
	rank, err := claimScript.Run(ctx, q.rdb,
		[]string{q.keys.Queue(resourceType), q.keys.Issued(resourceType)},
		score, requesterID,
	).Int64()
	if err != nil {
		return 0, err
	}
	if rank < 0 {
		return 0, domain.ErrAlreadyClaimed
	}
	return rank, nil
}

func (q *RedisFairnessQueue) Promote(ctx context.Context, resourceType, requesterID string) (int64, error) {
	seq, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.keys.Queue(resourceType), q.keys.Issued(resourceType), q.keys.IssuedSeq(resourceType)},
		requesterID,
	).Int64()
	if err != nil {
		return 0, err
	}
	if seq < 0 {
		return 0, domain.ErrNotQueued
	}
	return seq, nil
}

func (q *RedisFairnessQueue) Revoke(ctx context.Context, resourceType, requesterID string) error {
	return q.rdb.ZRem(ctx, q.keys.Queue(resourceType), requesterID).Err()
}

func (q *RedisFairnessQueue) Forget(ctx context.Context, resourceType, requesterID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.keys.Queue(resourceType), requesterID)
	pipe.ZRem(ctx, q.keys.Issued(resourceType), requesterID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisFairnessQueue) RankOf(ctx context.Context, resourceType, requesterID string) (domain.Rank, bool, error) {
	pos, err := q.rdb.ZRank(ctx, q.keys.Issued(resourceType), requesterID).Result()
	if err == nil {
		return domain.Rank{Position: pos, Issued: true}, true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return domain.Rank{}, false, err
	}

	pos, err = q.rdb.ZRank(ctx, q.keys.Queue(resourceType), requesterID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Rank{}, false, nil
	}
	if err != nil {
		return domain.Rank{}, false, err
	}
	return domain.Rank{Position: pos}, true, nil
}

func (q *RedisFairnessQueue) TopN(ctx context.Context, resourceType string, n int64) ([]domain.RankedRequester, error) {
	if n <= 0 {
		return nil, nil
	}
	members, err := q.rdb.ZRange(ctx, q.keys.Issued(resourceType), 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.RankedRequester, 0, len(members))
	for i, m := range members {
		out = append(out, domain.RankedRequester{RequesterID: m, Rank: int64(i)})
	}
	return out, nil
}

func (q *RedisFairnessQueue) Counts(ctx context.Context, resourceType string) (int64, int64, error) {
	pipe := q.rdb.Pipeline()
	queued := pipe.ZCard(ctx, q.keys.Queue(resourceType))
	issued := pipe.ZCard(ctx, q.keys.Issued(resourceType))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return queued.Val(), issued.Val(), nil
}

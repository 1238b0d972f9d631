package infra

import (
	"context"
	"errors"
	"time"

	"coupon-issuance/issuance/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// compare-and-delete: só apaga se o valor atual for o token de quem chama.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implementa domain.LockCoordinator com SET NX PX.
type RedisLocker struct {
	rdb redis.UniversalClient
}

func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration, retries int, retryDelay time.Duration) (domain.LockToken, error) {
	if ttl <= 0 {
		return "", errors.New("lock ttl must be > 0")
	}
	if retries < 0 {
		retries = 0
	}
	token := domain.LockToken(uuid.NewString())

	for attempt := 0; ; attempt++ {
		ok, err := l.rdb.SetNX(ctx, key, string(token), ttl).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if attempt >= retries {
			return "", domain.ErrLockBusy
		}
		if err := sleepCtx(ctx, retryDelay); err != nil {
			return "", err
		}
	}
}

func (l *RedisLocker) Release(ctx context.Context, key string, token domain.LockToken) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, string(token)).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *RedisLocker) RemainingTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := l.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	// -2: chave ausente. -1: sem expiração (não deveria acontecer com SET PX).
	if d < 0 {
		return 0, d == -1, nil
	}
	return d, true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

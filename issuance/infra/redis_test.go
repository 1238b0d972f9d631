package infra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coupon-issuance/issuance/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestKeys_ShareHashTagPerType(t *testing.T) {
	k := NewKeys("")
	require.Equal(t, "coupon:{A}:stock", k.Stock("A"))
	require.Equal(t, "coupon:{A}:queue", k.Queue("A"))
	require.Equal(t, "coupon:{A}:issued-seq", k.IssuedSeq("A"))
	require.Equal(t, "x:request:r1", NewKeys(":x:").Request("r1"))
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewRedisLocker(rdb)
	ctx := context.Background()

	var inside, maxInside, done int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := locker.Acquire(ctx, "lock:A", time.Second, 10000, time.Millisecond)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			ok, err := locker.Release(ctx, "lock:A", tok)
			if err != nil || !ok {
				t.Errorf("release: ok=%v err=%v", ok, err)
			}
			atomic.AddInt32(&done, 1)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(20), done)
	require.Equal(t, int32(1), maxInside)
}

func TestRedisLocker_BusyWithoutRetries(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewRedisLocker(rdb)
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "lock:A", time.Second, 0, 0)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "lock:A", time.Second, 2, time.Millisecond)
	require.ErrorIs(t, err, domain.ErrLockBusy)
}

func TestRedisLocker_ExpiresAndStaleReleaseIsNoop(t *testing.T) {
	mr, rdb := newTestRedis(t)
	locker := NewRedisLocker(rdb)
	ctx := context.Background()

	tok1, err := locker.Acquire(ctx, "lock:A", 100*time.Millisecond, 0, 0)
	require.NoError(t, err)

	ttl, ok, err := locker.RemainingTTL(ctx, "lock:A")
	require.NoError(t, err)
	require.True(t, ok)
	require.Greater(t, ttl, time.Duration(0))

	// antes do TTL o lock continua de tok1.
	mr.FastForward(50 * time.Millisecond)
	_, err = locker.Acquire(ctx, "lock:A", time.Second, 0, 0)
	require.ErrorIs(t, err, domain.ErrLockBusy)
	held, err := locker.IsHeld(ctx, "lock:A")
	require.NoError(t, err)
	require.True(t, held)

	mr.FastForward(150 * time.Millisecond)

	held, err = locker.IsHeld(ctx, "lock:A")
	require.NoError(t, err)
	require.False(t, held)
	_, ok, err = locker.RemainingTTL(ctx, "lock:A")
	require.NoError(t, err)
	require.False(t, ok)

	tok2, err := locker.Acquire(ctx, "lock:A", time.Second, 0, 0)
	require.NoError(t, err)
	require.NotEqual(t, tok1, tok2)

	// o dono antigo não pode apagar o lock do novo dono.
	released, err := locker.Release(ctx, "lock:A", tok1)
	require.NoError(t, err)
	require.False(t, released)

	held, err = locker.IsHeld(ctx, "lock:A")
	require.NoError(t, err)
	require.True(t, held)

	released, err = locker.Release(ctx, "lock:A", tok2)
	require.NoError(t, err)
	require.True(t, released)
}

func TestRedisLocker_AcquireHonoursContext(t *testing.T) {
	_, rdb := newTestRedis(t)
	locker := NewRedisLocker(rdb)

	_, err := locker.Acquire(context.Background(), "lock:A", time.Second, 0, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "lock:A", time.Second, 1000, 5*time.Millisecond)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRedisStockLedger_ReserveRollback(t *testing.T) {
	_, rdb := newTestRedis(t)
	stock := NewRedisStockLedger(rdb, NewKeys("t"))
	ctx := context.Background()

	created, err := stock.Init(ctx, "A", 2)
	require.NoError(t, err)
	require.True(t, created)

	created, err = stock.Init(ctx, "A", 50)
	require.NoError(t, err)
	require.False(t, created, "Init must not overwrite existing stock")

	left, err := stock.Reserve(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, int64(1), left)
	left, err = stock.Reserve(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, int64(0), left)

	left, err = stock.Reserve(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, int64(-1), left)
	require.NoError(t, stock.Rollback(ctx, "A"))

	remaining, err := stock.Remaining(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, int64(0), remaining)

	remaining, err = stock.Remaining(ctx, "unknown")
	require.NoError(t, err)
	require.Equal(t, int64(0), remaining)
}

func TestRedisStockLedger_ConcurrentReserveNeverOversells(t *testing.T) {
	_, rdb := newTestRedis(t)
	stock := NewRedisStockLedger(rdb, NewKeys("t"))
	ctx := context.Background()
	require.NoError(t, stock.Reset(ctx, "A", 10))

	var won int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			left, err := stock.Reserve(ctx, "A")
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if left < 0 {
				_ = stock.Rollback(ctx, "A")
				return
			}
			atomic.AddInt32(&won, 1)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(10), won)
	remaining, err := stock.Remaining(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, int64(0), remaining)
}

func TestRedisFairnessQueue_ClaimPromoteRevoke(t *testing.T) {
	_, rdb := newTestRedis(t)
	base := time.Unix(1_700_000_000, 0)
	var tick int64
	q := NewRedisFairnessQueue(rdb, NewKeys("t"), WithQueueClock(func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Microsecond)
	}))
	ctx := context.Background()

	pos, err := q.ClaimPosition(ctx, "A", "u1")
	require.NoError(t, err)
	require.Equal(t, int64(0), pos)
	pos, err = q.ClaimPosition(ctx, "A", "u2")
	require.NoError(t, err)
	require.Equal(t, int64(1), pos)

	_, err = q.ClaimPosition(ctx, "A", "u1")
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	seq, err := q.Promote(ctx, "A", "u2")
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)
	seq, err = q.Promote(ctx, "A", "u1")
	require.NoError(t, err)
	require.Equal(t, int64(2), seq)

	// já emitido: nova posição é recusada.
	_, err = q.ClaimPosition(ctx, "A", "u2")
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	_, err = q.Promote(ctx, "A", "ghost")
	require.ErrorIs(t, err, domain.ErrNotQueued)

	top, err := q.TopN(ctx, "A", 10)
	require.NoError(t, err)
	require.Equal(t, []domain.RankedRequester{{RequesterID: "u2", Rank: 0}, {RequesterID: "u1", Rank: 1}}, top)

	_, err = q.ClaimPosition(ctx, "A", "u3")
	require.NoError(t, err)
	rank, ok, err := q.RankOf(ctx, "A", "u3")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.Rank{Position: 0}, rank)

	rank, ok, err = q.RankOf(ctx, "A", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.Rank{Position: 1, Issued: true}, rank)

	queued, issued, err := q.Counts(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, int64(1), queued)
	require.Equal(t, int64(2), issued)

	require.NoError(t, q.Revoke(ctx, "A", "u3"))
	_, ok, err = q.RankOf(ctx, "A", "u3")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, q.Forget(ctx, "A", "u1"))
	_, ok, err = q.RankOf(ctx, "A", "u1")
	require.NoError(t, err)
	require.False(t, ok)

	// tipos diferentes não se enxergam.
	_, ok, err = q.RankOf(ctx, "B", "u2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisRequestTracker_CompletesExactlyOnce(t *testing.T) {
	mr, rdb := newTestRedis(t)
	tr := NewRedisRequestTracker(rdb, NewKeys("t"), WithRetention(time.Hour))
	ctx := context.Background()

	submitted := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)
	req, err := tr.Create(ctx, domain.IssuanceRequest{
		RequestID:     "r1",
		CorrelationID: "c1",
		RequesterID:   "u1",
		ResourceType:  "A",
		SubmittedAt:   submitted,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, req.Status)

	_, err = tr.Create(ctx, domain.IssuanceRequest{RequestID: "r1"})
	require.ErrorIs(t, err, domain.ErrRequestExists)

	got, found, err := tr.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.StatusPending, got.Status)
	require.True(t, submitted.Equal(got.SubmittedAt))

	done, err := tr.Complete(ctx, "r1", domain.Outcome{Success: true, GrantedResourceID: "g1"})
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, done.Status)
	require.Equal(t, "g1", done.GrantedResourceID)
	require.False(t, done.DecidedAt.IsZero())

	_, err = tr.Complete(ctx, "r1", domain.Outcome{Success: false, ErrorReason: "STOCK_EXHAUSTED"})
	require.ErrorIs(t, err, domain.ErrAlreadyCompleted)

	got, _, err = tr.Get(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, got.Status, "terminal state must not be overwritten")

	_, err = tr.Complete(ctx, "missing", domain.Outcome{})
	require.ErrorIs(t, err, domain.ErrRequestNotFound)

	mr.FastForward(2 * time.Hour)
	_, found, err = tr.Get(ctx, "r1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRedisRankingStore_Record(t *testing.T) {
	mr, rdb := newTestRedis(t)
	store := NewRedisRankingStore(rdb, NewKeys("t"))
	ctx := context.Background()

	at := time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, domain.RankingEvent{Board: domain.BoardIssued, Member: "A", Delta: 1, At: at}))
	require.NoError(t, store.Record(ctx, domain.RankingEvent{Board: domain.BoardIssued, Member: "A", Delta: 2, At: at}))
	require.NoError(t, store.Record(ctx, domain.RankingEvent{Board: domain.BoardIssued, Member: "B", Delta: -1, At: at}))

	score, err := mr.ZScore("t:ranking:issued", "A")
	require.NoError(t, err)
	require.Equal(t, float64(3), score)
	score, err = mr.ZScore("t:ranking:issued", "B")
	require.NoError(t, err)
	require.Equal(t, float64(-1), score)

	require.Equal(t, "2", mr.HGet("t:ranking:issued:total", "units"))
	require.True(t, mr.Exists("t:ranking:issued:minute:202605011030"))
	require.Greater(t, mr.TTL("t:ranking:issued:minute:202605011030"), time.Duration(0))
}

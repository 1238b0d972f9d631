package application

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"coupon-issuance/issuance/domain"
	"coupon-issuance/issuance/infra"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// harness liga os componentes reais: miniredis para o store compartilhado,
// SQLite em arquivo temporário para os cupons.
type harness struct {
	mr      *miniredis.Miniredis
	keys    infra.Keys
	catalog *infra.YAMLCatalog
	stock   *infra.RedisStockLedger
	queue   *infra.RedisFairnessQueue
	tracker *infra.RedisRequestTracker
	locks   *infra.RedisLocker
	grants  *infra.SQLiteGrantRepository
	ranking *infra.MemoryRankingStore
}

func newHarness(t *testing.T, specs ...domain.ResourceSpec) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	catalog, err := infra.NewCatalog(specs...)
	require.NoError(t, err)

	grants, err := infra.OpenSQLite(filepath.Join(t.TempDir(), "grants.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = grants.Close() })

	keys := infra.NewKeys("test")
	h := &harness{
		mr:      mr,
		keys:    keys,
		catalog: catalog,
		stock:   infra.NewRedisStockLedger(rdb, keys),
		queue:   infra.NewRedisFairnessQueue(rdb, keys),
		tracker: infra.NewRedisRequestTracker(rdb, keys),
		locks:   infra.NewRedisLocker(rdb),
		grants:  grants,
		ranking: infra.NewMemoryRankingStore(),
	}
	for _, s := range specs {
		require.NoError(t, h.stock.Reset(context.Background(), s.Type, s.Stock))
	}
	return h
}

func (h *harness) issuer() *Issuer {
	return &Issuer{
		Catalog: h.catalog,
		Locks:   h.locks,
		Stock:   h.stock,
		Queue:   h.queue,
		Grants:  h.grants,
		Slots:   infra.NewKeyedPool(1),
		Lock:    LockOptions{TTL: 3 * time.Second, Retries: 20000, RetryDelay: time.Millisecond},
		LockKey: h.keys.Lock,
	}
}

func (h *harness) remaining(t *testing.T, resourceType string) int64 {
	t.Helper()
	n, err := h.stock.Remaining(context.Background(), resourceType)
	require.NoError(t, err)
	return n
}

// issueGrant cria um cupom direto no repositório (sem passar pelo fluxo).
func (h *harness) issueGrant(t *testing.T, id, requesterID, resourceType string) domain.GrantedResource {
	t.Helper()
	g, err := h.grants.Save(context.Background(), domain.GrantedResource{
		ID:           id,
		RequesterID:  requesterID,
		ResourceType: resourceType,
		IssuedAt:     time.Now(),
	})
	require.NoError(t, err)
	return g
}

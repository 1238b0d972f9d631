package infra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"coupon-issuance/issuance/domain"

	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteGrantRepository {
	t.Helper()
	repo, err := OpenSQLite(filepath.Join(t.TempDir(), "grants.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSQLiteGrantRepository_SaveFindDuplicate(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	none, err := repo.FindExisting(ctx, "u1", "A")
	require.NoError(t, err)
	require.Nil(t, none)

	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g, err := repo.Save(ctx, domain.GrantedResource{ID: "g1", RequesterID: "u1", ResourceType: "A", RequestID: "r1", IssuedAt: issued})
	require.NoError(t, err)
	require.Equal(t, "g1", g.ID)

	found, err := repo.FindExisting(ctx, "u1", "A")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "g1", found.ID)
	require.Equal(t, "r1", found.RequestID)
	require.True(t, issued.Equal(found.IssuedAt))

	_, err = repo.Save(ctx, domain.GrantedResource{ID: "g2", RequesterID: "u1", ResourceType: "A"})
	require.ErrorIs(t, err, domain.ErrDuplicateClaim)

	// mesmo requester, outro tipo: permitido.
	_, err = repo.Save(ctx, domain.GrantedResource{ID: "g3", RequesterID: "u1", ResourceType: "B"})
	require.NoError(t, err)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrGrantNotFound)
}

func TestSQLiteGrantRepository_InTxRollsBack(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := repo.InTx(ctx, func(ctx context.Context) error {
		_, err := repo.Save(ctx, domain.GrantedResource{ID: "g1", RequesterID: "u1", ResourceType: "A"})
		require.NoError(t, err)

		// visível dentro da transação.
		found, err := repo.FindExisting(ctx, "u1", "A")
		require.NoError(t, err)
		require.NotNil(t, found)
		return boom
	})
	require.ErrorIs(t, err, boom)

	found, err := repo.FindExisting(ctx, "u1", "A")
	require.NoError(t, err)
	require.Nil(t, found)

	require.NoError(t, repo.InTx(ctx, func(ctx context.Context) error {
		// transação aninhada reaproveita a externa.
		return repo.InTx(ctx, func(ctx context.Context) error {
			_, err := repo.Save(ctx, domain.GrantedResource{ID: "g2", RequesterID: "u1", ResourceType: "A"})
			return err
		})
	}))
	found, err = repo.FindExisting(ctx, "u1", "A")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, "g2", found.ID)
}

func TestSQLiteGrantRepository_MarkUsedAndRelease(t *testing.T) {
	repo := newTestSQLite(t)
	ctx := context.Background()

	_, err := repo.Save(ctx, domain.GrantedResource{ID: "g1", RequesterID: "u1", ResourceType: "A"})
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	ok, err := repo.MarkUsed(ctx, "g1", at)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.MarkUsed(ctx, "g1", at)
	require.NoError(t, err)
	require.False(t, ok, "second MarkUsed must not succeed")

	g, err := repo.Get(ctx, "g1")
	require.NoError(t, err)
	require.True(t, g.Used)
	require.NotNil(t, g.UsedAt)
	require.True(t, at.Equal(*g.UsedAt))

	ok, err = repo.ReleaseUsage(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.ReleaseUsage(ctx, "g1")
	require.NoError(t, err)
	require.False(t, ok)

	g, err = repo.Get(ctx, "g1")
	require.NoError(t, err)
	require.False(t, g.Used)
	require.Nil(t, g.UsedAt)

	require.NoError(t, repo.Delete(ctx, "g1"))
	_, err = repo.Get(ctx, "g1")
	require.ErrorIs(t, err, domain.ErrGrantNotFound)
}

func TestSQLiteBusy_UsesDriverCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.db")
	holder := newRawSQLite(t, path)
	other := newRawSQLite(t, path)
	ctx := context.Background()

	_, err := holder.ExecContext(ctx, `CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)

	tx, err := holder.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	_, err = other.BeginTx(ctx, nil)
	require.Error(t, err)
	require.True(t, sqliteBusy(err), "got %v", err)
	require.True(t, sqliteBusy(fmt.Errorf("begin tx: %w", err)))

	// só o código do driver conta; texto parecido não.
	require.False(t, sqliteBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	require.False(t, sqliteBusy(errors.New("bad value (6)")))
	require.False(t, sqliteBusy(nil))

	calls := 0
	fast := contentionPolicy{attempts: 3, base: time.Millisecond, max: 2 * time.Millisecond}
	runErr := fast.run(ctx, func() error {
		calls++
		_, err := other.BeginTx(ctx, nil)
		return err
	})
	require.Error(t, runErr)
	require.Equal(t, 3, calls)

	calls = 0
	require.Error(t, fast.run(ctx, func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	}))
	require.Equal(t, 1, calls)
}

func TestContentionPolicy_StopsOnContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.db")
	holder := newRawSQLite(t, path)
	other := newRawSQLite(t, path)

	_, err := holder.Exec(`CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)
	tx, err := holder.Begin()
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	slow := contentionPolicy{attempts: 5, base: time.Hour, max: time.Hour}
	err = slow.run(ctx, func() error {
		calls++
		cancel()
		_, err := other.Begin()
		return err
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

// newRawSQLite abre o arquivo sem busy_timeout, para a disputa aparecer na hora.
func newRawSQLite(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(0)&_txlock=immediate")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

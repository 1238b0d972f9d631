package infra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"coupon-issuance/issuance/domain"

	_ "modernc.org/sqlite"
)

type sqliteTxKey struct{}

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteGrantRepository persiste os cupons emitidos em SQLite (modernc, sem cgo).
type SQLiteGrantRepository struct {
	db *sql.DB
}

// OpenSQLite abre (ou cria) o banco e aplica o schema.
func OpenSQLite(path string) (*SQLiteGrantRepository, error) {
	// _txlock=immediate: a transação pega o lock de escrita no BEGIN, então
	// leitura seguida de escrita não falha com snapshot velho.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	r := &SQLiteGrantRepository{db: db}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *SQLiteGrantRepository) Close() error { return r.db.Close() }

func (r *SQLiteGrantRepository) migrate() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS granted_resources (
		id            TEXT PRIMARY KEY,
		requester_id  TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		request_id    TEXT NOT NULL DEFAULT '',
		issued_at     TEXT NOT NULL,
		used          INTEGER NOT NULL DEFAULT 0,
		used_at       TEXT,
		UNIQUE (requester_id, resource_type)
	);
	CREATE INDEX IF NOT EXISTS idx_granted_type ON granted_resources(resource_type, issued_at);
	`)
	return err
}

func (r *SQLiteGrantRepository) conn(ctx context.Context) sqlQuerier {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return r.db
}

// InTx reaproveita a transação do ctx se já houver uma.
func (r *SQLiteGrantRepository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	var tx *sql.Tx
	err := retryOnContention(ctx, func() error {
		var err error
		tx, err = r.db.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(context.WithValue(ctx, sqliteTxKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *SQLiteGrantRepository) Save(ctx context.Context, g domain.GrantedResource) (domain.GrantedResource, error) {
	if g.IssuedAt.IsZero() {
		g.IssuedAt = time.Now()
	}
	err := retryOnContention(ctx, func() error {
		_, err := r.conn(ctx).ExecContext(ctx,
			`INSERT INTO granted_resources (id, requester_id, resource_type, request_id, issued_at, used, used_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			g.ID, g.RequesterID, g.ResourceType, g.RequestID, formatTS(g.IssuedAt), boolInt(g.Used), formatTSPtr(g.UsedAt),
		)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.GrantedResource{}, fmt.Errorf("%w: %s/%s", domain.ErrDuplicateClaim, g.RequesterID, g.ResourceType)
		}
		return domain.GrantedResource{}, err
	}
	return g, nil
}

const grantColumns = `id, requester_id, resource_type, request_id, issued_at, used, used_at`

func (r *SQLiteGrantRepository) FindExisting(ctx context.Context, requesterID, resourceType string) (*domain.GrantedResource, error) {
	row := r.conn(ctx).QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM granted_resources WHERE requester_id = ? AND resource_type = ?`,
		requesterID, resourceType,
	)
	g, err := scanSQLiteGrant(row)
	if errors.Is(err, domain.ErrGrantNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *SQLiteGrantRepository) Get(ctx context.Context, grantID string) (domain.GrantedResource, error) {
	row := r.conn(ctx).QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM granted_resources WHERE id = ?`, grantID,
	)
	return scanSQLiteGrant(row)
}

func (r *SQLiteGrantRepository) MarkUsed(ctx context.Context, grantID string, at time.Time) (bool, error) {
	return r.update(ctx, `UPDATE granted_resources SET used = 1, used_at = ? WHERE id = ? AND used = 0`, formatTS(at), grantID)
}

func (r *SQLiteGrantRepository) ReleaseUsage(ctx context.Context, grantID string) (bool, error) {
	return r.update(ctx, `UPDATE granted_resources SET used = 0, used_at = NULL WHERE id = ? AND used = 1`, grantID)
}

func (r *SQLiteGrantRepository) update(ctx context.Context, query string, args ...any) (bool, error) {
	var n int64
	err := retryOnContention(ctx, func() error {
		res, err := r.conn(ctx).ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Delete remove um cupom. Uso administrativo e testes.
func (r *SQLiteGrantRepository) Delete(ctx context.Context, grantID string) error {
	_, err := r.conn(ctx).ExecContext(ctx, `DELETE FROM granted_resources WHERE id = ?`, grantID)
	return err
}

func scanSQLiteGrant(row *sql.Row) (domain.GrantedResource, error) {
	var (
		g        domain.GrantedResource
		issuedAt string
		used     int
		usedAt   sql.NullString
	)
	err := row.Scan(&g.ID, &g.RequesterID, &g.ResourceType, &g.RequestID, &issuedAt, &used, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GrantedResource{}, domain.ErrGrantNotFound
	}
	if err != nil {
		return domain.GrantedResource{}, err
	}
	g.IssuedAt = parseTime(issuedAt)
	g.Used = used == 1
	if usedAt.Valid {
		ts := parseTime(usedAt.String)
		g.UsedAt = &ts
	}
	return g, nil
}

func formatTS(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTSPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTS(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

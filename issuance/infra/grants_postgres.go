package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coupon-issuance/issuance/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgTxKey struct{}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresGrantRepository é a persistência de produção (pgxpool).
type PostgresGrantRepository struct {
	pool *pgxpool.Pool
}

// ConnectPostgres abre o pool e aplica o schema.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresGrantRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresGrantRepository{pool: pool}
	if err := r.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

func (r *PostgresGrantRepository) Close() { r.pool.Close() }

func (r *PostgresGrantRepository) migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS granted_resources (
		id            TEXT PRIMARY KEY,
		requester_id  TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		request_id    TEXT NOT NULL DEFAULT '',
		issued_at     TIMESTAMPTZ NOT NULL,
		used          BOOLEAN NOT NULL DEFAULT FALSE,
		used_at       TIMESTAMPTZ,
		UNIQUE (requester_id, resource_type)
	);
	ALTER TABLE granted_resources ADD COLUMN IF NOT EXISTS request_id TEXT NOT NULL DEFAULT '';
	CREATE INDEX IF NOT EXISTS idx_granted_type ON granted_resources(resource_type, issued_at);
	`)
	return err
}

func (r *PostgresGrantRepository) conn(ctx context.Context) pgQuerier {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

func (r *PostgresGrantRepository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *PostgresGrantRepository) Save(ctx context.Context, g domain.GrantedResource) (domain.GrantedResource, error) {
	if g.IssuedAt.IsZero() {
		g.IssuedAt = time.Now()
	}
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO granted_resources (id, requester_id, resource_type, request_id, issued_at, used, used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.RequesterID, g.ResourceType, g.RequestID, g.IssuedAt.UTC(), g.Used, g.UsedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.GrantedResource{}, fmt.Errorf("%w: %s/%s", domain.ErrDuplicateClaim, g.RequesterID, g.ResourceType)
		}
		return domain.GrantedResource{}, err
	}
	return g, nil
}

func (r *PostgresGrantRepository) FindExisting(ctx context.Context, requesterID, resourceType string) (*domain.GrantedResource, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+grantColumns+` FROM granted_resources WHERE requester_id = $1 AND resource_type = $2`,
		requesterID, resourceType,
	)
	g, err := scanPgGrant(row)
	if errors.Is(err, domain.ErrGrantNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *PostgresGrantRepository) Get(ctx context.Context, grantID string) (domain.GrantedResource, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+grantColumns+` FROM granted_resources WHERE id = $1`, grantID)
	return scanPgGrant(row)
}

func (r *PostgresGrantRepository) MarkUsed(ctx context.Context, grantID string, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE granted_resources SET used = TRUE, used_at = $1 WHERE id = $2 AND used = FALSE`, at.UTC(), grantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresGrantRepository) ReleaseUsage(ctx context.Context, grantID string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE granted_resources SET used = FALSE, used_at = NULL WHERE id = $1 AND used = TRUE`, grantID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanPgGrant(row pgx.Row) (domain.GrantedResource, error) {
	var g domain.GrantedResource
	err := row.Scan(&g.ID, &g.RequesterID, &g.ResourceType, &g.RequestID, &g.IssuedAt, &g.Used, &g.UsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.GrantedResource{}, domain.ErrGrantNotFound
	}
	if err != nil {
		return domain.GrantedResource{}, err
	}
	return g, nil
}

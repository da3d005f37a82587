package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"recordstore/internal/storage"
)

/*
Gateway implements storage.Gateway for Postgres.

Layout:
  - one schema per collection
  - one table per record type, keyed on a text primary key
  - native column types per the lattice's physical mapping, with the logical
    type kept in the column comment
  - scalar relations as foreign keys, relation arrays as a text[] column plus
    a sys_<type>_<column> join table
*/
type Gateway struct {
	pool *pgxpool.Pool
	*session
}

// querier is the subset of pgxpool.Pool and pgx.Tx a session runs on.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type session struct {
	q querier
}

// New creates a new Postgres-backed Gateway.
func New(ctx context.Context, cfg storage.Config) (storage.Gateway, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Gateway{pool: pool, session: &session{q: pool}}, nil
}

// Close closes the connection pool.
func (g *Gateway) Close() {
	g.pool.Close()
}

// WithTx runs fn inside one transaction.
func (g *Gateway) WithTx(ctx context.Context, fn func(storage.Session) error) error {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&session{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", classify(err))
	}
	return nil
}

// classify wraps Postgres errors into storage.StorageError by SQLSTATE.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &storage.StorageError{
			Kind: storage.KindForSQLState(pgErr.Code),
			Code: pgErr.Code,
			Err:  err,
		}
	}
	return err
}

var (
	_ storage.Gateway = (*Gateway)(nil)
	_ storage.Session = (*session)(nil)
)

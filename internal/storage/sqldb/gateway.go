package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	"recordstore/internal/storage"
)

// Gateway implements storage.Gateway for a database/sql handle and a Dialect.
type Gateway struct {
	db *sql.DB
	*session
}

type session struct {
	c conn
	d Dialect
}

// New wraps an open handle. The Gateway owns db and closes it on Close.
func New(db *sql.DB, d Dialect) *Gateway {
	return &Gateway{db: db, session: &session{c: db, d: d}}
}

// Close closes the underlying handle.
func (g *Gateway) Close() { _ = g.db.Close() }

// WithTx runs fn inside one transaction.
func (g *Gateway) WithTx(ctx context.Context, fn func(storage.Session) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", g.d.Classify(err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&session{c: tx, d: g.d}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", g.d.Classify(err))
	}
	return nil
}

func (s *session) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := s.c.ExecContext(ctx, query, args...)
	return res, s.d.Classify(err)
}

var _ storage.Gateway = (*Gateway)(nil)

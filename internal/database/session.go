package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Queryer is the statement surface shared by *Session and *Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	Rebind(query string) string
	Dialect() string
}

type execQueryer interface {
	sqlx.QueryerContext
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type runner struct {
	q execQueryer
	e *Engine
}

func (r runner) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	r.echo(query, args)
	return r.q.ExecContext(ctx, query, args...)
}

func (r runner) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	r.echo(query, args)
	return sqlx.GetContext(ctx, r.q, dest, query, args...)
}

func (r runner) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	r.echo(query, args)
	return sqlx.SelectContext(ctx, r.q, dest, query, args...)
}

// Rebind converts ? placeholders to the driver's bind style.
func (r runner) Rebind(query string) string {
	return sqlx.Rebind(sqlx.BindType(r.e.url.Driver), query)
}

func (r runner) Dialect() string {
	return r.e.url.Dialect
}

func (r runner) echo(query string, args []any) {
	if !r.e.opts.Echo {
		return
	}
	r.e.log.Debug().Str("sql", query).Interface("args", args).Msg("SQL")
}

// Session is one pooled connection, valid only inside Engine.Session.
type Session struct {
	runner
	conn *sqlx.Conn
}

// WithTx begins a transaction, runs fn, and commits on success or rolls back
// on error or panic. Panics are rethrown.
func (s *Session) WithTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	tx, err := s.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.e.log.Error().Err(rbErr).Msg("Rollback failed")
			}
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, &Tx{runner: runner{q: tx, e: s.e}, tx: tx})
	return err
}

// Tx is a transaction opened by Session.WithTx.
type Tx struct {
	runner
	tx *sqlx.Tx
}

package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/petrijr/fluxstate/internal/logger"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// StatementBuilder is a squirrel builder preset with the dialect's
// placeholder format.
type StatementBuilder struct {
	squirrel.StatementBuilderType
}

// SessionFactory hands out sessions bound to one engine.
type SessionFactory struct {
	engine *Engine
}

func (f *SessionFactory) Engine() *Engine { return f.engine }

// Session returns an autocommit session.
func (f *SessionFactory) Session() *Session {
	return &Session{engine: f.engine, q: f.engine.db}
}

// Transaction runs fn in a transaction. It commits when fn returns nil and
// rolls back on error or panic.
func (f *SessionFactory) Transaction(ctx context.Context, fn func(*Session) error) (err error) {
	tx, err := f.engine.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", f.engine.translate(ctx, ctx, err))
	}
	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.FromContext(ctx).WarnContext(ctx, "Transaction rollback failed after panic", "error", rbErr)
			}
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.FromContext(ctx).WarnContext(ctx, "Transaction rollback failed", "error", rbErr)
			}
		} else if cErr := tx.Commit(); cErr != nil {
			err = fmt.Errorf("commit transaction: %w", f.engine.translate(ctx, ctx, cErr))
		}
	}()
	err = fn(&Session{engine: f.engine, q: tx})
	return err
}

// Session executes squirrel statements against a pool or a transaction.
// Every statement runs under the engine's timeout.
type Session struct {
	engine *Engine
	q      querier
}

func (s *Session) Dialect() Dialect { return s.engine.dialect }

// Builder returns a statement builder for the session's dialect.
func (s *Session) Builder() StatementBuilder { return s.engine.Builder() }

// Exec runs stmt and returns the number of affected rows.
func (s *Session) Exec(ctx context.Context, stmt squirrel.Sqlizer) (int64, error) {
	query, args, err := stmt.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build statement: %w", err)
	}
	s.engine.log(ctx, query, args)

	sctx, cancel := s.engine.statementContext(ctx)
	defer cancel()
	res, err := s.q.ExecContext(sctx, query, args...)
	if err != nil {
		return 0, s.engine.translate(ctx, sctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Get scans exactly one row into dst. A missing row yields ErrNoRows.
func (s *Session) Get(ctx context.Context, dst any, stmt squirrel.Sqlizer) error {
	query, args, err := stmt.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	s.engine.log(ctx, query, args)

	sctx, cancel := s.engine.statementContext(ctx)
	defer cancel()
	return s.engine.translate(ctx, sctx, sqlscan.Get(sctx, s.q, dst, query, args...))
}

// Select scans all rows into dst, a pointer to a slice.
func (s *Session) Select(ctx context.Context, dst any, stmt squirrel.Sqlizer) error {
	query, args, err := stmt.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	s.engine.log(ctx, query, args)

	sctx, cancel := s.engine.statementContext(ctx)
	defer cancel()
	return s.engine.translate(ctx, sctx, sqlscan.Select(sctx, s.q, dst, query, args...))
}

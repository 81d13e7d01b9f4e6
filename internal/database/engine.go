package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"

	"github.com/petrijr/fluxstate/internal/logger"
)

// Engine is a connection pool bound to one dialect and its settings.
type Engine struct {
	db      *sql.DB
	dialect Dialect
	url     string
	echo    bool
	timeout time.Duration

	// classify maps driver errors to package errors; nil when not recognized.
	classify func(error) error
}

func newEngine(db *sql.DB, d Dialect, connectionURL string, echo bool, timeout time.Duration, classify func(error) error) *Engine {
	return &Engine{
		db:       db,
		dialect:  d,
		url:      connectionURL,
		echo:     echo,
		timeout:  timeout,
		classify: classify,
	}
}

func (e *Engine) DB() *sql.DB               { return e.db }
func (e *Engine) Dialect() Dialect          { return e.dialect }
func (e *Engine) Echo() bool                { return e.echo }
func (e *Engine) Timeout() time.Duration    { return e.timeout }
func (e *Engine) String() string            { return string(e.dialect) + " " + redactURL(e.url) }
func (e *Engine) Close() error              { return e.db.Close() }
func (e *Engine) Builder() StatementBuilder { return StatementBuilder{e.dialect.Builder()} }

// statementContext bounds one statement by the engine timeout.
func (e *Engine) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Engine) log(ctx context.Context, query string, args []any) {
	if e.echo {
		logger.FromContext(ctx).InfoContext(ctx, "sql", "dialect", string(e.dialect), "statement", query, "args", args)
	}
}

// translate wraps err with ErrBackendTimeout, ErrBusy or ErrNoRows where it
// applies. parent is the caller's context, stmt the per-statement one.
func (e *Engine) translate(parent, stmt context.Context, err error) error {
	if err == nil {
		return nil
	}
	if sqlscan.NotFound(err) || errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNoRows, err)
	}
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil && stmt.Err() != nil {
		return fmt.Errorf("%w after %s: %w", ErrBackendTimeout, e.timeout, err)
	}
	if e.classify != nil {
		if kind := e.classify(err); kind != nil {
			return fmt.Errorf("%w: %w", kind, err)
		}
	}
	return err
}

func (e *Engine) execDDL(ctx context.Context, q querier, stmts ...string) error {
	for _, s := range stmts {
		e.log(ctx, s, nil)
		sctx, cancel := e.statementContext(ctx)
		_, err := q.ExecContext(sctx, s)
		err = e.translate(ctx, sctx, err)
		cancel()
		if err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(s), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

const postgresMigrationsDir = "migrations/postgres"

// goose keeps its base filesystem and dialect in package globals.
var gooseMu sync.Mutex

// PostgresConfiguration targets PostgreSQL through pgx.
type PostgresConfiguration struct{}

func (PostgresConfiguration) Dialect() Dialect { return DialectPostgres }

// Engine opens a pgx pool. A positive timeout is also installed as the
// server-side statement_timeout.
func (c PostgresConfiguration) Engine(ctx context.Context, connectionURL string, echo bool, timeout time.Duration) (*Engine, error) {
	return cachedEngine(ctx, connectionURL, echo, timeout, func(ctx context.Context) (*Engine, error) {
		cfg, err := pgx.ParseConfig(postgresDSN(connectionURL))
		if err != nil {
			return nil, fmt.Errorf("parse postgres url %s: %w", redactURL(connectionURL), err)
		}
		if timeout > 0 {
			cfg.RuntimeParams["statement_timeout"] = strconv.FormatInt(timeout.Milliseconds(), 10)
		}
		db := stdlib.OpenDB(*cfg)
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect to %s: %w", redactURL(connectionURL), err)
		}
		return newEngine(db, DialectPostgres, connectionURL, echo, timeout, classifyPostgres), nil
	})
}

func (PostgresConfiguration) SessionFactory(ctx context.Context, engine *Engine) (*SessionFactory, error) {
	return cachedSessionFactory(ctx, engine)
}

func (PostgresConfiguration) Insert(table string) InsertBuilder {
	return newInsert(DialectPostgres, table)
}

// RunMigrations installs text_to_timestamp_immutable, an IMMUTABLE cast from
// ISO-8601 text that expression indexes over JSON timestamp fields need. No
// index in DefaultSchema uses it yet; it is kept so existing databases
// migrate the same way.
func (PostgresConfiguration) RunMigrations(ctx context.Context, db *sql.DB) error {
	return withGoose(func() error {
		if err := goose.UpContext(ctx, db, postgresMigrationsDir); err != nil {
			return fmt.Errorf("apply postgres migrations: %w", err)
		}
		return nil
	})
}

func (PostgresConfiguration) DropMigrations(ctx context.Context, db *sql.DB) error {
	return withGoose(func() error {
		if err := goose.DownToContext(ctx, db, postgresMigrationsDir, 0); err != nil {
			return fmt.Errorf("revert postgres migrations: %w", err)
		}
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+goose.TableName()); err != nil {
			return fmt.Errorf("drop migration table: %w", err)
		}
		return nil
	})
}

func withGoose(fn func() error) error {
	gooseMu.Lock()
	defer func() {
		goose.SetBaseFS(nil)
		gooseMu.Unlock()
	}()
	goose.SetBaseFS(postgresMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	return fn()
}

// AttachStateToNewRunsStatement renders
//
//	UPDATE run SET state_id = state.id FROM state
//	WHERE run.id IN (...) AND state.run_id = run.id AND state.id IN (...)
func (PostgresConfiguration) AttachStateToNewRunsStatement(kind RunKind, runIDs []string, states []StateRow) (squirrel.Sqlizer, error) {
	if err := validateAttach(runIDs, states); err != nil {
		return nil, err
	}
	run, state := kind.Table(), kind.StateTable()
	return DialectPostgres.Builder().
		Update(run).
		Set("state_id", squirrel.Expr(state+".id")).
		From(state).
		Where(squirrel.Eq{run + ".id": runIDs}).
		Where(state + "." + kind.RunColumn() + " = " + run + ".id").
		Where(squirrel.Eq{state + ".id": stateIDs(states)}), nil
}

// postgresDSN drops a driver suffix such as +asyncpg from the scheme.
func postgresDSN(connectionURL string) string {
	scheme, rest, ok := strings.Cut(connectionURL, "://")
	if !ok {
		return connectionURL
	}
	scheme, _, _ = strings.Cut(scheme, "+")
	return scheme + "://" + rest
}

const pgQueryCanceled = "57014"

func classifyPostgres(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgQueryCanceled {
		return ErrBackendTimeout
	}
	return nil
}

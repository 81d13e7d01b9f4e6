package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Every connection waits up to 60s for locks and enables foreign keys and WAL
// journaling. Write transactions take the lock up front.
const sqlitePragmas = "_pragma=busy_timeout(60000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate"

// SQLiteConfiguration targets SQLite through the pure Go modernc driver.
type SQLiteConfiguration struct{}

func (SQLiteConfiguration) Dialect() Dialect { return DialectSQLite }

// Engine opens the database file, or a private in-memory database. A new
// file or in-memory database gets the full schema before the engine is
// returned.
func (c SQLiteConfiguration) Engine(ctx context.Context, connectionURL string, echo bool, timeout time.Duration) (*Engine, error) {
	return cachedEngine(ctx, connectionURL, echo, timeout, func(ctx context.Context) (*Engine, error) {
		path, memory := sqlitePath(connectionURL)

		fresh := memory
		if !memory {
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				fresh = true
			}
		}

		db, err := sql.Open("sqlite", sqliteDSN(path, memory))
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", connectionURL, err)
		}
		if memory {
			// Each connection to :memory: is a separate database.
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
			db.SetConnMaxLifetime(0)
			db.SetConnMaxIdleTime(0)
		}
		engine := newEngine(db, DialectSQLite, connectionURL, echo, timeout, classifySQLite)

		if fresh {
			if err := createSchema(ctx, c, engine, DefaultSchema()); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("provision sqlite %s: %w", connectionURL, err)
			}
		}
		return engine, nil
	})
}

func (SQLiteConfiguration) SessionFactory(ctx context.Context, engine *Engine) (*SessionFactory, error) {
	return cachedSessionFactory(ctx, engine)
}

func (SQLiteConfiguration) Insert(table string) InsertBuilder {
	return newInsert(DialectSQLite, table)
}

func (SQLiteConfiguration) RunMigrations(context.Context, *sql.DB) error  { return nil }
func (SQLiteConfiguration) DropMigrations(context.Context, *sql.DB) error { return nil }

// AttachStateToNewRunsStatement renders
//
//	UPDATE run SET state_id = (SELECT state.id FROM state
//	    WHERE state.run_id = run.id AND state.id IN (...) LIMIT 1)
//	WHERE run.id IN (...)
func (SQLiteConfiguration) AttachStateToNewRunsStatement(kind RunKind, runIDs []string, states []StateRow) (squirrel.Sqlizer, error) {
	if err := validateAttach(runIDs, states); err != nil {
		return nil, err
	}
	run, state := kind.Table(), kind.StateTable()
	b := DialectSQLite.Builder()
	sub := b.Select(state + ".id").
		From(state).
		Where(state + "." + kind.RunColumn() + " = " + run + ".id").
		Where(squirrel.Eq{state + ".id": stateIDs(states)}).
		Limit(1)
	return b.Update(run).
		Set("state_id", sub).
		Where(squirrel.Eq{run + ".id": runIDs}), nil
}

// sqlitePath extracts the file path from sqlite:///relative or
// sqlite:////absolute. An empty path or :memory: selects an in-memory
// database.
func sqlitePath(connectionURL string) (path string, memory bool) {
	_, rest, _ := strings.Cut(connectionURL, "://")
	rest, query, _ := strings.Cut(rest, "?")
	path = strings.TrimPrefix(rest, "/")
	if path == "" || path == ":memory:" || strings.Contains(query, "mode=memory") {
		return "", true
	}
	return path, false
}

func sqliteDSN(path string, memory bool) string {
	if memory {
		return "file::memory:?" + sqlitePragmas
	}
	return "file:" + path + "?" + sqlitePragmas
}

func classifySQLite(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return nil
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return ErrBusy
	}
	return nil
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
)

var (
	ErrUnsupportedDialect = errors.New("unsupported database dialect")

	// ErrAttachConflict is returned when the states given to
	// AttachStateToNewRuns do not map one to one onto the given runs.
	ErrAttachConflict = errors.New("state rows do not match runs")

	// ErrBackendTimeout is returned when a statement exceeds the configured
	// timeout.
	ErrBackendTimeout = errors.New("database statement timed out")

	// ErrBusy is returned when SQLite gave up waiting for a lock.
	ErrBusy = errors.New("database is busy")

	ErrNoRows = errors.New("no rows in result set")
)

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBackendTimeout) || errors.Is(err, ErrBusy)
}

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect picks the dialect from a connection URL's scheme. An optional
// driver suffix (postgresql+asyncpg, sqlite+aiosqlite) is ignored.
func ParseDialect(connectionURL string) (Dialect, error) {
	scheme, _, ok := strings.Cut(connectionURL, "://")
	if !ok {
		return "", fmt.Errorf("%w: no scheme in connection url", ErrUnsupportedDialect)
	}
	scheme, _, _ = strings.Cut(strings.ToLower(scheme), "+")
	switch scheme {
	case "postgres", "postgresql":
		return DialectPostgres, nil
	case "sqlite":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDialect, scheme)
	}
}

// RunKind selects the flow or task run tables.
type RunKind int

const (
	FlowRunKind RunKind = iota
	TaskRunKind
)

func (k RunKind) Table() string {
	if k == TaskRunKind {
		return TableTaskRun
	}
	return TableFlowRun
}

func (k RunKind) StateTable() string {
	if k == TaskRunKind {
		return TableTaskRunState
	}
	return TableFlowRunState
}

// RunColumn is the state table's reference to its run.
func (k RunKind) RunColumn() string {
	if k == TaskRunKind {
		return "task_run_id"
	}
	return "flow_run_id"
}

func (k RunKind) String() string { return k.Table() }

// StateRow identifies an inserted state row and the run it belongs to.
type StateRow struct {
	ID    string `db:"id"`
	RunID string `db:"run_id"`
}

// Configuration is one backend kind. Implementations are stateless apart
// from the shared engine and session caches.
type Configuration interface {
	Dialect() Dialect

	// RunMigrations creates dialect-specific objects that must exist before
	// the tables. DropMigrations removes them after the tables are gone.
	RunMigrations(ctx context.Context, db *sql.DB) error
	DropMigrations(ctx context.Context, db *sql.DB) error

	// Engine returns the cached engine for the context's scope and the given
	// settings, creating it on first use.
	Engine(ctx context.Context, connectionURL string, echo bool, timeout time.Duration) (*Engine, error)

	// SessionFactory returns the cached session factory for the context's
	// scope and engine.
	SessionFactory(ctx context.Context, engine *Engine) (*SessionFactory, error)

	Insert(table string) InsertBuilder

	// AttachStateToNewRunsStatement points each run's state_id at its state
	// row. It touches only the given runs and only the given states.
	AttachStateToNewRunsStatement(kind RunKind, runIDs []string, states []StateRow) (squirrel.Sqlizer, error)
}

// ConfigurationFor returns the configuration for the URL's dialect.
func ConfigurationFor(connectionURL string) (Configuration, error) {
	d, err := ParseDialect(connectionURL)
	if err != nil {
		return nil, err
	}
	switch d {
	case DialectPostgres:
		return PostgresConfiguration{}, nil
	default:
		return SQLiteConfiguration{}, nil
	}
}

// Builder returns a squirrel statement builder with the dialect's
// placeholders.
func (d Dialect) Builder() squirrel.StatementBuilderType {
	if d == DialectPostgres {
		return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
	}
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)
}

func validateAttach(runIDs []string, states []StateRow) error {
	want := make(map[string]int, len(runIDs))
	for _, id := range runIDs {
		want[id] = 0
	}
	for _, s := range states {
		n, ok := want[s.RunID]
		if !ok {
			return fmt.Errorf("%w: state %s targets unknown run %s", ErrAttachConflict, s.ID, s.RunID)
		}
		if n > 0 {
			return fmt.Errorf("%w: run %s has more than one state", ErrAttachConflict, s.RunID)
		}
		want[s.RunID] = 1
	}
	for id, n := range want {
		if n == 0 {
			return fmt.Errorf("%w: run %s has no state", ErrAttachConflict, id)
		}
	}
	return nil
}

func stateIDs(states []StateRow) []string {
	ids := make([]string, len(states))
	for i, s := range states {
		ids[i] = s.ID
	}
	return ids
}

// redactURL hides the password for logging.
func redactURL(connectionURL string) string {
	u, err := url.Parse(connectionURL)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

// Package database describes the run-state schema and talks to its backends.
//
// An Interface is built from connection settings. The backend is chosen by
// the connection URL's scheme; postgres and sqlite are supported. Engines and
// session factories are cached per concurrency scope, see resource.WithScope.
package database

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Masterminds/squirrel"
)

// Settings are the connection parameters of an Interface.
type Settings struct {
	ConnectionURL string
	Echo          bool
	// Timeout bounds each statement. Zero means no limit.
	Timeout time.Duration
}

// Interface is the entry point to the store's database. It holds no
// connections itself.
type Interface struct {
	settings Settings
	schema   *Schema
}

// New returns an Interface over DefaultSchema. An unsupported URL is reported
// when the first engine is requested.
func New(settings Settings) *Interface {
	return &Interface{settings: settings, schema: DefaultSchema()}
}

func (i *Interface) Settings() Settings { return i.settings }
func (i *Interface) Schema() *Schema    { return i.schema }

func (i *Interface) Configuration() (Configuration, error) {
	return ConfigurationFor(i.settings.ConnectionURL)
}

func (i *Interface) Dialect() (Dialect, error) {
	return ParseDialect(i.settings.ConnectionURL)
}

// Engine returns the engine for the context's scope.
func (i *Interface) Engine(ctx context.Context) (*Engine, error) {
	cfg, err := i.Configuration()
	if err != nil {
		return nil, err
	}
	return cfg.Engine(ctx, i.settings.ConnectionURL, i.settings.Echo, i.settings.Timeout)
}

// SessionFactory returns the session factory for the context's scope.
func (i *Interface) SessionFactory(ctx context.Context) (*SessionFactory, error) {
	cfg, err := i.Configuration()
	if err != nil {
		return nil, err
	}
	engine, err := cfg.Engine(ctx, i.settings.ConnectionURL, i.settings.Echo, i.settings.Timeout)
	if err != nil {
		return nil, err
	}
	return cfg.SessionFactory(ctx, engine)
}

// CreateSchema runs the dialect migrations and creates every table and index
// that does not exist yet.
func (i *Interface) CreateSchema(ctx context.Context) error {
	cfg, err := i.Configuration()
	if err != nil {
		return err
	}
	engine, err := cfg.Engine(ctx, i.settings.ConnectionURL, i.settings.Echo, i.settings.Timeout)
	if err != nil {
		return err
	}
	return createSchema(ctx, cfg, engine, i.schema)
}

// DropSchema drops every table, dependents first, then the dialect objects.
func (i *Interface) DropSchema(ctx context.Context) error {
	cfg, err := i.Configuration()
	if err != nil {
		return err
	}
	engine, err := cfg.Engine(ctx, i.settings.ConnectionURL, i.settings.Echo, i.settings.Timeout)
	if err != nil {
		return err
	}

	tables := slices.Clone(i.schema.Tables)
	slices.Reverse(tables)
	stmts := make([]string, len(tables))
	for n, t := range tables {
		stmts[n] = dropTableSQL(engine.dialect, t)
	}
	if err := inTx(ctx, engine, func(q querier) error {
		return engine.execDDL(ctx, q, stmts...)
	}); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	return cfg.DropMigrations(ctx, engine.db)
}

// Insert returns an insert builder for table in the configured dialect.
func (i *Interface) Insert(table string) (InsertBuilder, error) {
	cfg, err := i.Configuration()
	if err != nil {
		return InsertBuilder{}, err
	}
	if _, ok := i.schema.Table(table); !ok {
		return InsertBuilder{}, fmt.Errorf("insert: unknown table %q", table)
	}
	return cfg.Insert(table), nil
}

// AttachStateToNewRuns returns the statement pointing each new run at its
// initial state. Run it in the transaction that inserted both.
func (i *Interface) AttachStateToNewRuns(kind RunKind, runIDs []string, states []StateRow) (squirrel.Sqlizer, error) {
	cfg, err := i.Configuration()
	if err != nil {
		return nil, err
	}
	return cfg.AttachStateToNewRunsStatement(kind, runIDs, states)
}

func (i *Interface) FlowUniqueUpsertColumns() []string { return []string{"name"} }
func (i *Interface) FlowRunUniqueUpsertColumns() []string {
	return []string{"flow_id", "idempotency_key"}
}

func (i *Interface) TaskRunUniqueUpsertColumns() []string {
	return []string{"flow_run_id", "task_key", "dynamic_key"}
}

func (i *Interface) DeploymentUniqueUpsertColumns() []string {
	return []string{"flow_id", "name"}
}
func (i *Interface) SavedSearchUniqueUpsertColumns() []string { return []string{"name"} }

func createSchema(ctx context.Context, cfg Configuration, engine *Engine, schema *Schema) error {
	if err := cfg.RunMigrations(ctx, engine.db); err != nil {
		return err
	}
	stmts := make([]string, 0, len(schema.Tables)+len(schema.Indexes))
	for _, t := range schema.Tables {
		stmts = append(stmts, createTableSQL(engine.dialect, t))
	}
	for _, ix := range schema.Indexes {
		stmts = append(stmts, createIndexSQL(ix))
	}
	if err := inTx(ctx, engine, func(q querier) error {
		return engine.execDDL(ctx, q, stmts...)
	}); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func inTx(ctx context.Context, engine *Engine, fn func(querier) error) error {
	tx, err := engine.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

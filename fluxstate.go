package fluxstate

import (
	"context"

	"github.com/petrijr/fluxstate/internal/database"
	"github.com/petrijr/fluxstate/internal/store"
	"github.com/petrijr/fluxstate/pkg/api"
	"github.com/petrijr/fluxstate/pkg/runner"
)

// Re-export the store types so callers never import internal packages.

type (
	Settings        = database.Settings
	Database        = database.Interface
	Store           = store.Store
	StoreOption     = store.Option
	Flow            = store.Flow
	FlowRun         = store.FlowRun
	TaskRun         = store.TaskRun
	NewFlowRun      = store.NewFlowRun
	NewTaskRun      = store.NewTaskRun
	StateInput      = store.StateInput
	Deployment      = store.Deployment
	DeploymentInput = store.DeploymentInput
	SavedSearch     = store.SavedSearch
)

// Re-export the execution contract.

type (
	State        = api.State
	StateType    = api.StateType
	Signal       = api.Signal
	Trigger      = api.Trigger
	Observer     = api.Observer
	RunRef       = api.RunRef
	Runner       = runner.Runner
	RunnerOption = runner.Option
	Invocation   = runner.Invocation
)

const (
	StateScheduled = api.StateScheduled
	StatePending   = api.StatePending
	StateRunning   = api.StateRunning
	StateCompleted = api.StateCompleted
	StateFailed    = api.StateFailed
	StateCancelled = api.StateCancelled
	StateWaiting   = api.StateWaiting
)

var (
	ErrFlowNotFound       = store.ErrFlowNotFound
	ErrRunNotFound        = store.ErrRunNotFound
	ErrNoState            = store.ErrNoState
	ErrUnsupportedDialect = database.ErrUnsupportedDialect
	ErrBackendTimeout     = database.ErrBackendTimeout
	ErrBusy               = database.ErrBusy
)

var (
	WithClock       = store.WithClock
	WithBusyRetries = store.WithBusyRetries
	WithObserver    = runner.WithObserver
	WithLogger      = runner.WithLogger

	Fail        = api.Fail
	TriggerFail = api.TriggerFail
	Success     = api.Success
	Skip        = api.Skip
	Retry       = api.Retry
	Wait        = api.Wait

	NewPrometheusObserver = runner.NewPrometheusObserver
	NewLoggingObserver    = api.NewLoggingObserver
	NewCompositeObserver  = api.NewCompositeObserver
)

// IsTransient reports whether a store error may succeed when retried.
func IsTransient(err error) bool {
	return database.IsTransient(err)
}

// NewDatabase returns the database interface for settings. Nothing is
// connected until first use.
func NewDatabase(settings Settings) *Database {
	return database.New(settings)
}

// Open connects to the database described by settings and returns a store
// over it. In-memory and new SQLite files get the schema on connect; other
// databases need CreateSchema (or `fluxstate database create`) first.
//
// Connections are cached per scope and URL. Call Close on shutdown.
func Open(ctx context.Context, settings Settings, opts ...StoreOption) (*Store, error) {
	db := database.New(settings)
	if _, err := db.SessionFactory(ctx); err != nil {
		return nil, err
	}
	return store.New(db, opts...), nil
}

// NewRunner returns a runner that records task runs in s.
func NewRunner(s *Store, opts ...RunnerOption) *Runner {
	return runner.New(s, opts...)
}

// Close closes every cached connection pool.
func Close() error {
	return database.CloseAll()
}

// Package store records flows, runs and their state histories.
//
// Each operation runs in its own transaction. Run creation is idempotent per
// idempotency key and never advances an existing run's state; state
// transitions are serialized per run by locking the run row first.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/petrijr/fluxstate/internal/database"
)

var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrRunNotFound  = errors.New("run not found")
	ErrNotFound     = errors.New("not found")

	// ErrNoState is returned when a run has no current state.
	ErrNoState = errors.New("run has no state")

	ErrInvalidInput = errors.New("invalid input")
)

const defaultBusyRetries = 3

// Store is the runner-facing persistence layer. It is safe for concurrent use.
type Store struct {
	db          *database.Interface
	now         func() time.Time
	busyRetries uint64
}

type Option func(*Store)

// WithClock replaces the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithBusyRetries sets how often a transaction is retried after the
// database reported a lock timeout.
func WithBusyRetries(n uint64) Option {
	return func(s *Store) { s.busyRetries = n }
}

func New(db *database.Interface, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now, busyRetries: defaultBusyRetries}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database interface.
func (s *Store) DB() *database.Interface { return s.db }

// timestamp returns the current time in the precision every backend keeps.
func (s *Store) timestamp() time.Time {
	return normalize(s.now())
}

func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func (s *Store) transaction(ctx context.Context, fn func(*database.Session) error) error {
	sf, err := s.db.SessionFactory(ctx)
	if err != nil {
		return err
	}
	b := retry.WithMaxRetries(s.busyRetries, retry.NewExponential(25*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := sf.Transaction(ctx, fn)
		if errors.Is(err, database.ErrBusy) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *Store) insert(table string) (database.InsertBuilder, error) {
	return s.db.Insert(table)
}

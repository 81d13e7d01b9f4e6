package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/petrijr/fluxstate/internal/database"
	"github.com/petrijr/fluxstate/pkg/api"
)

// CacheTaskRunState remembers stateID under cacheKey until expiration. A
// zero expiration never expires.
func (s *Store) CacheTaskRunState(ctx context.Context, cacheKey, stateID string, expiration time.Time) error {
	if cacheKey == "" || stateID == "" {
		return fmt.Errorf("%w: cache key and state id are required", ErrInvalidInput)
	}
	return s.transaction(ctx, func(sess *database.Session) error {
		ins, err := s.insert(database.TableTaskRunStateCache)
		if err != nil {
			return err
		}
		now := s.timestamp()
		_, err = sess.Exec(ctx, ins.SetMap(map[string]any{
			"id":                uuid.NewString(),
			"created":           now,
			"updated":           now,
			"cache_key":         cacheKey,
			"cache_expiration":  nullableTime(expiration),
			"task_run_state_id": stateID,
		}))
		if err != nil {
			return fmt.Errorf("cache task run state: %w", err)
		}
		return nil
	})
}

// ReadCachedTaskRunState returns the most recently cached, unexpired state
// for cacheKey. ok is false when there is none.
func (s *Store) ReadCachedTaskRunState(ctx context.Context, cacheKey string) (state api.State, ok bool, err error) {
	err = s.transaction(ctx, func(sess *database.Session) error {
		c, st := database.TableTaskRunStateCache, database.TableTaskRunState
		var row stateRow
		err := sess.Get(ctx, &row, sess.Builder().
			Select(stateColumns(database.TaskRunKind)...).
			From(c).
			Join(st+" ON "+st+".id = "+c+".task_run_state_id").
			Where(squirrel.Eq{c + ".cache_key": cacheKey}).
			Where(squirrel.Or{
				squirrel.Eq{c + ".cache_expiration": nil},
				squirrel.Gt{c + ".cache_expiration": s.timestamp()},
			}).
			OrderBy(c+".created DESC").
			Limit(1))
		if errors.Is(err, database.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read cached state: %w", err)
		}
		state, ok = row.state(), true
		return nil
	})
	return state, ok, err
}

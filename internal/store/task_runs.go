package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Masterminds/squirrel"

	"github.com/petrijr/fluxstate/internal/database"
	"github.com/petrijr/fluxstate/pkg/api"
)

var taskRunColumns = append(slices.Clone(runColumns), "flow_run_id", "task_key", "dynamic_key", "cache_key")

// CreateTaskRun creates one task run, or returns the run already recorded
// for the same flow run, task key and dynamic key.
func (s *Store) CreateTaskRun(ctx context.Context, in NewTaskRun) (*TaskRun, error) {
	runs, err := s.CreateTaskRuns(ctx, []NewTaskRun{in})
	if err != nil {
		return nil, err
	}
	return runs[0], nil
}

func (s *Store) CreateTaskRuns(ctx context.Context, in []NewTaskRun) ([]*TaskRun, error) {
	if len(in) == 0 {
		return nil, nil
	}
	parents := make([]string, len(in))
	for i, r := range in {
		if r.FlowRunID == "" || r.TaskKey == "" {
			return nil, fmt.Errorf("%w: flow run id and task key are required", ErrInvalidInput)
		}
		parents[i] = r.FlowRunID
	}

	var out []*TaskRun
	err := s.transaction(ctx, func(sess *database.Session) error {
		if err := requireAll(ctx, sess, database.TableFlowRun, parents, ErrRunNotFound); err != nil {
			return err
		}

		now := s.timestamp()
		pending := make([]pendingRun, len(in))
		for i, r := range in {
			tags, err := jsonText(r.Tags)
			if err != nil {
				return err
			}
			pending[i] = newPendingRun(now, map[string]any{
				"flow_run_id":               r.FlowRunID,
				"task_key":                  r.TaskKey,
				"dynamic_key":               r.DynamicKey,
				"cache_key":                 nullable(r.CacheKey),
				"name":                      r.Name,
				"tags":                      tags,
				"expected_start_time":       nullableTime(r.ExpectedStartTime),
				"next_scheduled_start_time": nullableTime(r.ExpectedStartTime),
			}, r.State, squirrel.Eq{"flow_run_id": r.FlowRunID, "task_key": r.TaskKey, "dynamic_key": r.DynamicKey})
		}

		ids, err := s.createRuns(ctx, sess, database.TaskRunKind, s.db.TaskRunUniqueUpsertColumns(), pending)
		if err != nil {
			return err
		}

		var rows []*TaskRun
		if err := sess.Select(ctx, &rows, sess.Builder().
			Select(taskRunColumns...).
			From(database.TableTaskRun).
			Where(squirrel.Eq{"id": ids})); err != nil {
			return fmt.Errorf("read task runs: %w", err)
		}
		byID := make(map[string]*TaskRun, len(rows))
		for _, r := range rows {
			byID[r.ID] = r
		}
		out = make([]*TaskRun, len(ids))
		for i, id := range ids {
			out[i] = byID[id]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ReadTaskRun(ctx context.Context, id string) (*TaskRun, error) {
	if err := checkID(id, ErrRunNotFound); err != nil {
		return nil, err
	}
	var run TaskRun
	err := s.transaction(ctx, func(sess *database.Session) error {
		return sess.Get(ctx, &run, sess.Builder().
			Select(taskRunColumns...).
			From(database.TableTaskRun).
			Where(squirrel.Eq{"id": id}))
	})
	if errors.Is(err, database.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ReadFlowRunTaskRuns lists the task runs of a flow run by task key.
func (s *Store) ReadFlowRunTaskRuns(ctx context.Context, flowRunID string) ([]*TaskRun, error) {
	if err := checkID(flowRunID, ErrRunNotFound); err != nil {
		return nil, err
	}
	var rows []*TaskRun
	err := s.transaction(ctx, func(sess *database.Session) error {
		return sess.Select(ctx, &rows, sess.Builder().
			Select(taskRunColumns...).
			From(database.TableTaskRun).
			Where(squirrel.Eq{"flow_run_id": flowRunID}).
			OrderBy("task_key", "dynamic_key"))
	})
	if err != nil {
		return nil, fmt.Errorf("read task runs of %s: %w", flowRunID, err)
	}
	return rows, nil
}

func (s *Store) SetTaskRunState(ctx context.Context, runID string, in StateInput) (api.State, error) {
	return s.setRunState(ctx, database.TaskRunKind, runID, in)
}

func (s *Store) ReadTaskRunState(ctx context.Context, runID string) (api.State, error) {
	return s.readCurrentState(ctx, database.TaskRunKind, runID)
}

func (s *Store) ReadTaskRunStates(ctx context.Context, runID string) ([]api.State, error) {
	return s.readStates(ctx, database.TaskRunKind, runID)
}

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

var flowRunColumns = append(slices.Clone(runColumns), "flow_id", "deployment_id", "idempotency_key", "parameters")

// CreateFlowRun creates one flow run, or returns the existing run with the
// same flow and idempotency key.
func (s *Store) CreateFlowRun(ctx context.Context, in NewFlowRun) (*FlowRun, error) {
	runs, err := s.CreateFlowRuns(ctx, []NewFlowRun{in})
	if err != nil {
		return nil, err
	}
	return runs[0], nil
}

// CreateFlowRuns creates runs in one transaction. Inputs whose idempotency
// key is already taken resolve to the existing run, whose state is not
// changed. Results are in input order.
func (s *Store) CreateFlowRuns(ctx context.Context, in []NewFlowRun) ([]*FlowRun, error) {
	if len(in) == 0 {
		return nil, nil
	}
	flowIDs := make([]string, len(in))
	for i, r := range in {
		if r.FlowID == "" {
			return nil, fmt.Errorf("%w: flow id is required", ErrInvalidInput)
		}
		flowIDs[i] = r.FlowID
	}

	var out []*FlowRun
	err := s.transaction(ctx, func(sess *database.Session) error {
		if err := requireAll(ctx, sess, database.TableFlow, flowIDs, ErrFlowNotFound); err != nil {
			return err
		}

		now := s.timestamp()
		pending := make([]pendingRun, len(in))
		for i, r := range in {
			tags, err := jsonText(r.Tags)
			if err != nil {
				return err
			}
			params, err := jsonText(r.Parameters)
			if err != nil {
				return err
			}
			pending[i] = newPendingRun(now, map[string]any{
				"flow_id":                   r.FlowID,
				"deployment_id":             nullable(r.DeploymentID),
				"idempotency_key":           nullable(r.IdempotencyKey),
				"name":                      r.Name,
				"tags":                      tags,
				"parameters":                params,
				"expected_start_time":       nullableTime(r.ExpectedStartTime),
				"next_scheduled_start_time": nullableTime(r.ExpectedStartTime),
			}, r.State, squirrel.Eq{"flow_id": r.FlowID, "idempotency_key": r.IdempotencyKey})
		}

		ids, err := s.createRuns(ctx, sess, database.FlowRunKind, s.db.FlowRunUniqueUpsertColumns(), pending)
		if err != nil {
			return err
		}
		out, err = readFlowRuns(ctx, sess, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func readFlowRuns(ctx context.Context, sess *database.Session, ids []string) ([]*FlowRun, error) {
	var rows []*FlowRun
	if err := sess.Select(ctx, &rows, sess.Builder().
		Select(flowRunColumns...).
		From(database.TableFlowRun).
		Where(squirrel.Eq{"id": ids})); err != nil {
		return nil, fmt.Errorf("read flow runs: %w", err)
	}
	byID := make(map[string]*FlowRun, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	out := make([]*FlowRun, len(ids))
	for i, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		out[i] = r
	}
	return out, nil
}

func (s *Store) ReadFlowRun(ctx context.Context, id string) (*FlowRun, error) {
	if err := checkID(id, ErrRunNotFound); err != nil {
		return nil, err
	}
	var run FlowRun
	err := s.transaction(ctx, func(sess *database.Session) error {
		return sess.Get(ctx, &run, sess.Builder().
			Select(flowRunColumns...).
			From(database.TableFlowRun).
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

// SetFlowRunState records a transition of one flow run.
func (s *Store) SetFlowRunState(ctx context.Context, runID string, in StateInput) (api.State, error) {
	return s.setRunState(ctx, database.FlowRunKind, runID, in)
}

// ReadFlowRunState returns the state the run currently points at.
func (s *Store) ReadFlowRunState(ctx context.Context, runID string) (api.State, error) {
	return s.readCurrentState(ctx, database.FlowRunKind, runID)
}

// ReadFlowRunStates returns the run's state history, oldest first.
func (s *Store) ReadFlowRunStates(ctx context.Context, runID string) ([]api.State, error) {
	return s.readStates(ctx, database.FlowRunKind, runID)
}

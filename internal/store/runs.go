package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/petrijr/fluxstate/internal/database"
	"github.com/petrijr/fluxstate/pkg/api"
)

var runColumns = []string{
	"id", "created", "updated", "name", "tags",
	"state_id", "state_type", "state_name", "run_count",
	"expected_start_time", "next_scheduled_start_time", "start_time", "end_time",
}

func stateColumns(kind database.RunKind) []string {
	t := kind.StateTable()
	return []string{
		t + ".id",
		t + "." + kind.RunColumn() + " AS run_id",
		t + ".type",
		t + ".name",
		t + ".message",
		t + ".timestamp",
		t + ".data",
	}
}

// pendingRun is one row of a batch insert. values holds the same keys for
// every row of a batch.
type pendingRun struct {
	id     string
	values map[string]any
	state  StateInput
	// unique identifies an existing row with the same unique key.
	unique squirrel.Eq
}

// progress returns the run columns a transition into typ/name sets.
func progress(runCount int, started *time.Time, typ api.StateType, name string, ts time.Time) map[string]any {
	cols := map[string]any{
		"state_type": string(typ),
		"state_name": name,
	}
	if typ == api.StateRunning && name != api.StateNameRetrying {
		cols["run_count"] = runCount + 1
		if started == nil {
			cols["start_time"] = ts
		}
	}
	if typ.IsFinal() {
		cols["end_time"] = ts
	}
	return cols
}

func newPendingRun(now time.Time, values map[string]any, state *StateInput, unique squirrel.Eq) pendingRun {
	in := StateInput{Type: api.StatePending}
	if state != nil {
		in = *state
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = now
	}
	in.Timestamp = normalize(in.Timestamp)

	p := pendingRun{id: uuid.NewString(), values: values, state: in, unique: unique}
	p.values["created"] = now
	p.values["updated"] = now
	p.values["run_count"] = 0
	p.values["start_time"] = nil
	p.values["end_time"] = nil
	for k, v := range progress(0, nil, in.Type, in.name(), in.Timestamp) {
		p.values[k] = v
	}
	return p
}

// createRuns inserts runs, skipping those whose unique key already exists,
// gives each new run its initial state and returns the ids of all runs in
// input order. Existing runs are left untouched.
func (s *Store) createRuns(ctx context.Context, sess *database.Session, kind database.RunKind, conflict []string, runs []pendingRun) ([]string, error) {
	if len(runs) == 0 {
		return nil, nil
	}

	cols := make([]string, 0, len(runs[0].values)+1)
	cols = append(cols, "id")
	for k := range runs[0].values {
		cols = append(cols, k)
	}
	slices.Sort(cols[1:])

	ins, err := s.insert(kind.Table())
	if err != nil {
		return nil, err
	}
	ins = ins.Columns(cols...)
	for _, r := range runs {
		vals := make([]any, len(cols))
		vals[0] = r.id
		for i, c := range cols[1:] {
			vals[i+1] = r.values[c]
		}
		ins = ins.Values(vals...)
	}
	ins = ins.OnConflictDoNothing(conflict...).Returning("id")

	var insertedIDs []string
	if err := sess.Select(ctx, &insertedIDs, ins); err != nil {
		return nil, fmt.Errorf("insert %s: %w", kind, err)
	}
	inserted := make(map[string]bool, len(insertedIDs))
	for _, id := range insertedIDs {
		inserted[id] = true
	}

	if len(insertedIDs) > 0 {
		states, err := s.insertInitialStates(ctx, sess, kind, runs, inserted)
		if err != nil {
			return nil, err
		}
		attach, err := s.db.AttachStateToNewRuns(kind, insertedIDs, states)
		if err != nil {
			return nil, err
		}
		if _, err := sess.Exec(ctx, attach); err != nil {
			return nil, fmt.Errorf("attach initial states: %w", err)
		}
	}

	ids := make([]string, len(runs))
	for i, r := range runs {
		if inserted[r.id] {
			ids[i] = r.id
			continue
		}
		err := sess.Get(ctx, &ids[i], sess.Builder().Select("id").From(kind.Table()).Where(r.unique))
		if err != nil {
			return nil, fmt.Errorf("resolve existing %s: %w", kind, err)
		}
	}
	return ids, nil
}

func (s *Store) insertInitialStates(ctx context.Context, sess *database.Session, kind database.RunKind, runs []pendingRun, inserted map[string]bool) ([]database.StateRow, error) {
	ins, err := s.insert(kind.StateTable())
	if err != nil {
		return nil, err
	}
	ins = ins.Columns("id", "created", "updated", kind.RunColumn(), "type", "name", "message", "timestamp", "data")

	var states []database.StateRow
	for _, r := range runs {
		if !inserted[r.id] {
			continue
		}
		id := uuid.NewString()
		now := r.values["created"]
		ins = ins.Values(id, now, now, r.id, string(r.state.Type), r.state.name(),
			nullable(r.state.Message), r.state.Timestamp, nullableJSON(r.state.Data))
		states = append(states, database.StateRow{ID: id, RunID: r.id})
	}
	if _, err := sess.Exec(ctx, ins); err != nil {
		return nil, fmt.Errorf("insert initial %s states: %w", kind, err)
	}
	return states, nil
}

// setRunState appends a state to one run and points the run at it. The run
// row is locked first so concurrent transitions of the same run serialize.
func (s *Store) setRunState(ctx context.Context, kind database.RunKind, runID string, in StateInput) (api.State, error) {
	if in.Type == "" {
		return api.State{}, fmt.Errorf("%w: state type is required", ErrInvalidInput)
	}
	if err := checkID(runID, ErrRunNotFound); err != nil {
		return api.State{}, err
	}

	var out api.State
	err := s.transaction(ctx, func(sess *database.Session) error {
		now := s.timestamp()
		n, err := sess.Exec(ctx, sess.Builder().
			Update(kind.Table()).
			Set("updated", now).
			Where(squirrel.Eq{"id": runID}))
		if err != nil {
			return fmt.Errorf("lock %s: %w", kind, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}

		var run Run
		if err := sess.Get(ctx, &run, sess.Builder().
			Select(runColumns...).
			From(kind.Table()).
			Where(squirrel.Eq{"id": runID})); err != nil {
			return fmt.Errorf("read %s: %w", kind, err)
		}

		ts := now
		if !in.Timestamp.IsZero() {
			ts = normalize(in.Timestamp)
		}
		last, err := latestState(ctx, sess, kind, runID)
		switch {
		case errors.Is(err, database.ErrNoRows):
		case err != nil:
			return err
		case !ts.After(last.Timestamp):
			ts = last.Timestamp.UTC().Add(time.Microsecond)
		}

		stateID := uuid.NewString()
		ins, err := s.insert(kind.StateTable())
		if err != nil {
			return err
		}
		if _, err := sess.Exec(ctx, ins.SetMap(map[string]any{
			"id":             stateID,
			"created":        now,
			"updated":        now,
			kind.RunColumn(): runID,
			"type":           string(in.Type),
			"name":           in.name(),
			"message":        nullable(in.Message),
			"timestamp":      ts,
			"data":           nullableJSON(in.Data),
		})); err != nil {
			return fmt.Errorf("insert %s state: %w", kind, err)
		}

		cols := progress(run.RunCount, run.StartTime, in.Type, in.name(), ts)
		cols["state_id"] = stateID
		if _, err := sess.Exec(ctx, sess.Builder().
			Update(kind.Table()).
			SetMap(cols).
			Where(squirrel.Eq{"id": runID})); err != nil {
			return fmt.Errorf("advance %s state: %w", kind, err)
		}

		out = api.State{
			ID:        stateID,
			RunID:     runID,
			Type:      in.Type,
			Name:      in.name(),
			Message:   in.Message,
			Timestamp: ts,
			Data:      in.Data,
		}
		return nil
	})
	return out, err
}

func latestState(ctx context.Context, sess *database.Session, kind database.RunKind, runID string) (stateRow, error) {
	t := kind.StateTable()
	var row stateRow
	err := sess.Get(ctx, &row, sess.Builder().
		Select(stateColumns(kind)...).
		From(t).
		Where(squirrel.Eq{t + "." + kind.RunColumn(): runID}).
		OrderBy(t+".timestamp DESC").
		Limit(1))
	return row, err
}

// readCurrentState follows the run's state_id.
func (s *Store) readCurrentState(ctx context.Context, kind database.RunKind, runID string) (api.State, error) {
	if err := checkID(runID, ErrRunNotFound); err != nil {
		return api.State{}, err
	}
	var out api.State
	err := s.transaction(ctx, func(sess *database.Session) error {
		run, t := kind.Table(), kind.StateTable()
		var row stateRow
		err := sess.Get(ctx, &row, sess.Builder().
			Select(stateColumns(kind)...).
			From(t).
			Join(run+" ON "+run+".state_id = "+t+".id").
			Where(squirrel.Eq{run + ".id": runID}))
		if errors.Is(err, database.ErrNoRows) {
			if err := runExists(ctx, sess, kind, runID); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s", ErrNoState, runID)
		}
		if err != nil {
			return fmt.Errorf("read %s state: %w", kind, err)
		}
		out = row.state()
		return nil
	})
	return out, err
}

// readStates returns a run's state history, oldest first.
func (s *Store) readStates(ctx context.Context, kind database.RunKind, runID string) ([]api.State, error) {
	if err := checkID(runID, ErrRunNotFound); err != nil {
		return nil, err
	}
	var out []api.State
	err := s.transaction(ctx, func(sess *database.Session) error {
		t := kind.StateTable()
		var rows []stateRow
		if err := sess.Select(ctx, &rows, sess.Builder().
			Select(stateColumns(kind)...).
			From(t).
			Where(squirrel.Eq{t + "." + kind.RunColumn(): runID}).
			OrderBy(t+".timestamp ASC")); err != nil {
			return fmt.Errorf("read %s states: %w", kind, err)
		}
		if len(rows) == 0 {
			return runExists(ctx, sess, kind, runID)
		}
		out = make([]api.State, len(rows))
		for i, r := range rows {
			out[i] = r.state()
		}
		return nil
	})
	return out, err
}

func runExists(ctx context.Context, sess *database.Session, kind database.RunKind, runID string) error {
	var n int
	if err := sess.Get(ctx, &n, sess.Builder().
		Select("COUNT(*)").
		From(kind.Table()).
		Where(squirrel.Eq{"id": runID})); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// checkID rejects ids that cannot name a row.
func checkID(id string, notFound error) error {
	if uuid.Validate(id) != nil {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}

// requireAll fails with notFound unless every id exists in table.
func requireAll(ctx context.Context, sess *database.Session, table string, ids []string, notFound error) error {
	ids = slices.Compact(slices.Sorted(slices.Values(ids)))
	for _, id := range ids {
		if err := checkID(id, notFound); err != nil {
			return err
		}
	}
	var n int
	if err := sess.Get(ctx, &n, sess.Builder().
		Select("COUNT(*)").
		From(table).
		Where(squirrel.Eq{"id": ids})); err != nil {
		return err
	}
	if n != len(ids) {
		return fmt.Errorf("%w: one of %v", notFound, ids)
	}
	return nil
}

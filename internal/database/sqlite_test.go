package database

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxstate/internal/resource"
)

func scopedContext(t *testing.T) context.Context {
	t.Helper()
	scope := "test:" + t.Name()
	t.Cleanup(func() { _ = ReleaseScope(scope) })
	return resource.WithScope(context.Background(), scope)
}

func tableNames(t *testing.T, ctx context.Context, s *Session) []string {
	t.Helper()
	var names []string
	err := s.Select(ctx, &names, s.Builder().
		Select("name").From("sqlite_master").
		Where("type = 'table'").
		Where("name NOT LIKE 'sqlite_%'").
		OrderBy("name"))
	require.NoError(t, err)
	return names
}

func allTables() []string {
	return []string{
		"deployment", "flow", "flow_run", "flow_run_state",
		"saved_search", "task_run", "task_run_state", "task_run_state_cache",
	}
}

func TestSQLitePath(t *testing.T) {
	cases := []struct {
		url    string
		path   string
		memory bool
	}{
		{"sqlite://", "", true},
		{"sqlite:///:memory:", "", true},
		{"sqlite:///file.db?mode=memory", "", true},
		{"sqlite:///fluxstate.db", "fluxstate.db", false},
		{"sqlite:////var/lib/fluxstate.db", "/var/lib/fluxstate.db", false},
		{"sqlite+aiosqlite:///data/x.db", "data/x.db", false},
	}
	for _, tc := range cases {
		path, memory := sqlitePath(tc.url)
		assert.Equal(t, tc.path, path, tc.url)
		assert.Equal(t, tc.memory, memory, tc.url)
	}
}

func TestSQLiteMemoryIsProvisionedEagerly(t *testing.T) {
	ctx := scopedContext(t)
	db := New(Settings{ConnectionURL: "sqlite:///:memory:"})

	sf, err := db.SessionFactory(ctx)
	require.NoError(t, err)
	assert.Equal(t, allTables(), tableNames(t, ctx, sf.Session()))
}

func TestSQLiteNewFileIsProvisionedEagerly(t *testing.T) {
	ctx := scopedContext(t)
	path := filepath.Join(t.TempDir(), "runs.db")
	db := New(Settings{ConnectionURL: "sqlite:///" + path})

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	sf, err := db.SessionFactory(ctx)
	require.NoError(t, err)
	assert.Equal(t, allTables(), tableNames(t, ctx, sf.Session()))

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestSQLiteExistingFileIsNotProvisioned(t *testing.T) {
	ctx := scopedContext(t)
	path := filepath.Join(t.TempDir(), "existing.db")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	sf, err := New(Settings{ConnectionURL: "sqlite:///" + path}).SessionFactory(ctx)
	require.NoError(t, err)
	assert.Empty(t, tableNames(t, ctx, sf.Session()))
}

func TestSchemaLifecycle(t *testing.T) {
	ctx := scopedContext(t)
	db := New(Settings{ConnectionURL: "sqlite://"})

	require.NoError(t, db.CreateSchema(ctx))
	require.NoError(t, db.CreateSchema(ctx), "create is idempotent")

	sf, err := db.SessionFactory(ctx)
	require.NoError(t, err)
	assert.Equal(t, allTables(), tableNames(t, ctx, sf.Session()))

	var indexes []string
	require.NoError(t, sf.Session().Select(ctx, &indexes, sf.Session().Builder().
		Select("name").From("sqlite_master").
		Where("type = 'index'").
		Where("name NOT LIKE 'sqlite_%'")))
	assert.Len(t, indexes, len(db.Schema().Indexes))

	require.NoError(t, db.DropSchema(ctx))
	assert.Empty(t, tableNames(t, ctx, sf.Session()))
}

func TestUnsupportedDialectAtFirstEngine(t *testing.T) {
	db := New(Settings{ConnectionURL: "mysql://localhost/db"})
	_, err := db.Engine(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedDialect)
	_, err = db.Insert(TableFlow)
	assert.ErrorIs(t, err, ErrUnsupportedDialect)
}

func TestInsertRejectsUnknownTable(t *testing.T) {
	_, err := New(Settings{ConnectionURL: "sqlite://"}).Insert("nope")
	assert.Error(t, err)
}

func TestEngineCachePerScope(t *testing.T) {
	ctx := scopedContext(t)
	db := New(Settings{ConnectionURL: "sqlite://"})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		engines = map[*Engine]struct{}{}
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := db.Engine(ctx)
			assert.NoError(t, err)
			mu.Lock()
			engines[e] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, engines, 1)

	e1, err := db.Engine(ctx)
	require.NoError(t, err)
	sf1, err := db.SessionFactory(ctx)
	require.NoError(t, err)
	sf2, err := db.SessionFactory(ctx)
	require.NoError(t, err)
	assert.Same(t, sf1, sf2)
	assert.Same(t, e1, sf1.Engine())

	other := resource.WithScope(context.Background(), "test:other:"+t.Name())
	t.Cleanup(func() { _ = ReleaseScope("test:other:" + t.Name()) })
	e2, err := db.Engine(other)
	require.NoError(t, err)
	assert.NotSame(t, e1, e2)

	withEcho := New(Settings{ConnectionURL: "sqlite://", Echo: true})
	e3, err := withEcho.Engine(ctx)
	require.NoError(t, err)
	assert.NotSame(t, e1, e3)
}

func insertFlow(t *testing.T, ctx context.Context, db *Interface, s *Session) string {
	t.Helper()
	id := uuid.NewString()
	ins, err := db.Insert(TableFlow)
	require.NoError(t, err)
	_, err = s.Exec(ctx, ins.SetMap(map[string]any{"id": id, "name": "flow-" + id}))
	require.NoError(t, err)
	return id
}

func TestAttachStateToNewRunsSQLite(t *testing.T) {
	ctx := scopedContext(t)
	db := New(Settings{ConnectionURL: "sqlite://"})
	sf, err := db.SessionFactory(ctx)
	require.NoError(t, err)

	var bystander string
	err = sf.Transaction(ctx, func(s *Session) error {
		flowID := insertFlow(t, ctx, db, s)

		runs := []string{uuid.NewString(), uuid.NewString()}
		bystander = uuid.NewString()
		var states []StateRow
		now := time.Now().UTC()
		for _, id := range append(runs, bystander) {
			ins, _ := db.Insert(TableFlowRun)
			if _, err := s.Exec(ctx, ins.SetMap(map[string]any{"id": id, "flow_id": flowID})); err != nil {
				return err
			}
			sid := uuid.NewString()
			ins, _ = db.Insert(TableFlowRunState)
			if _, err := s.Exec(ctx, ins.SetMap(map[string]any{
				"id": sid, "flow_run_id": id, "type": "PENDING", "name": "Pending", "timestamp": now,
			})); err != nil {
				return err
			}
			if id != bystander {
				states = append(states, StateRow{ID: sid, RunID: id})
			}
		}

		stmt, err := db.AttachStateToNewRuns(FlowRunKind, runs, states)
		if err != nil {
			return err
		}
		n, err := s.Exec(ctx, stmt)
		if err != nil {
			return err
		}
		assert.EqualValues(t, 2, n)

		for _, st := range states {
			var got string
			err := s.Get(ctx, &got, s.Builder().Select("state_id").From(TableFlowRun).Where("id = ?", st.RunID))
			require.NoError(t, err)
			assert.Equal(t, st.ID, got)
		}
		return nil
	})
	require.NoError(t, err)

	var stateID *string
	require.NoError(t, sf.Session().Get(ctx, &stateID,
		sf.Session().Builder().Select("state_id").From(TableFlowRun).Where("id = ?", bystander)))
	assert.Nil(t, stateID, "runs outside the statement keep a null state")
}

func TestSessionGetMissingRow(t *testing.T) {
	ctx := scopedContext(t)
	db := New(Settings{ConnectionURL: "sqlite://"})
	sf, err := db.SessionFactory(ctx)
	require.NoError(t, err)

	var name string
	err = sf.Session().Get(ctx, &name, sf.Session().Builder().Select("name").From(TableFlow).Where("id = ?", "missing"))
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ctx := scopedContext(t)
	db := New(Settings{ConnectionURL: "sqlite://"})
	sf, err := db.SessionFactory(ctx)
	require.NoError(t, err)

	boom := assert.AnError
	err = sf.Transaction(ctx, func(s *Session) error {
		insertFlow(t, ctx, db, s)
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, sf.Session().Get(ctx, &count, sf.Session().Builder().Select("COUNT(*)").From(TableFlow)))
	assert.Zero(t, count)
}

func TestForeignKeysAreEnforced(t *testing.T) {
	ctx := scopedContext(t)
	db := New(Settings{ConnectionURL: "sqlite://"})
	sf, err := db.SessionFactory(ctx)
	require.NoError(t, err)

	ins, err := db.Insert(TableFlowRun)
	require.NoError(t, err)
	_, err = sf.Session().Exec(ctx, ins.SetMap(map[string]any{"id": uuid.NewString(), "flow_id": uuid.NewString()}))
	assert.Error(t, err)
}

func TestStatementTimeoutIsTransient(t *testing.T) {
	ctx := scopedContext(t)
	url := "sqlite:///" + filepath.Join(t.TempDir(), "slow.db")
	require.NoError(t, New(Settings{ConnectionURL: url}).CreateSchema(ctx))

	sf, err := New(Settings{ConnectionURL: url, Timeout: time.Nanosecond}).SessionFactory(ctx)
	require.NoError(t, err)

	var n int
	err = sf.Session().Get(ctx, &n, sf.Session().Builder().Select("COUNT(*)").From(TableFlow))
	require.ErrorIs(t, err, ErrBackendTimeout)
	assert.True(t, IsTransient(err))
}

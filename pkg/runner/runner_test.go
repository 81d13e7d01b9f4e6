package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/fluxstate/internal/database"
	"github.com/petrijr/fluxstate/internal/resource"
	"github.com/petrijr/fluxstate/internal/store"
	"github.com/petrijr/fluxstate/pkg/api"
	"github.com/petrijr/fluxstate/pkg/runtime"
	"github.com/petrijr/fluxstate/pkg/task"
)

type fixture struct {
	ctx     context.Context
	store   *store.Store
	flowRun *store.FlowRun
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	scope := "runner:" + t.Name()
	t.Cleanup(func() { _ = database.ReleaseScope(scope) })
	ctx := resource.WithScope(context.Background(), scope)

	s := store.New(database.New(database.Settings{ConnectionURL: "sqlite://"}))
	require.NoError(t, s.DB().CreateSchema(ctx))

	flow, err := s.CreateFlow(ctx, "etl")
	require.NoError(t, err)
	fr, err := s.CreateFlowRun(ctx, store.NewFlowRun{FlowID: flow.ID})
	require.NoError(t, err)
	return &fixture{ctx: ctx, store: s, flowRun: fr}
}

func (f *fixture) taskRun(t *testing.T, key string) string {
	t.Helper()
	tr, err := f.store.CreateTaskRun(f.ctx, store.NewTaskRun{FlowRunID: f.flowRun.ID, TaskKey: key})
	require.NoError(t, err)
	return tr.ID
}

func (f *fixture) history(t *testing.T, runID string) []string {
	t.Helper()
	states, err := f.store.ReadTaskRunStates(f.ctx, runID)
	require.NoError(t, err)
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.Name
	}
	return names
}

func newTask(t *testing.T, fn func(context.Context, map[string]any) (any, error), opts ...task.Option) *task.Task {
	t.Helper()
	opts = append([]task.Option{task.WithName("work"), task.WithRetryDelay(0)}, opts...)
	tk, err := task.New(context.Background(), task.Func(task.Params(), fn), opts...)
	require.NoError(t, err)
	return tk
}

type recorder struct {
	api.NoopObserver
	started  atomic.Int32
	attempts atomic.Int32
	finished atomic.Int32
	last     atomic.Pointer[api.State]
}

func (r *recorder) OnRunStart(context.Context, api.RunRef) {
	r.started.Add(1)
}

func (r *recorder) OnAttemptCompleted(context.Context, api.RunRef, int, error, time.Duration) {
	r.attempts.Add(1)
}

func (r *recorder) OnRunFinished(_ context.Context, _ api.RunRef, st api.State) {
	r.finished.Add(1)
	r.last.Store(&st)
}

func TestRunCompletes(t *testing.T) {
	f := newFixture(t)
	runID := f.taskRun(t, "work")
	rec := &recorder{}
	r := New(f.store, WithObserver(rec))

	tk := newTask(t, func(ctx context.Context, _ map[string]any) (any, error) {
		assert.Equal(t, runID, runtime.FromContext(ctx).CurrentRunID())
		assert.False(t, runtime.IsWaiting(ctx))
		return map[string]int{"rows": 3}, nil
	})

	st, err := r.Run(f.ctx, Invocation{Task: tk, TaskRunID: runID, FlowRunID: f.flowRun.ID})
	require.NoError(t, err)
	assert.Equal(t, api.StateCompleted, st.Type)
	assert.JSONEq(t, `{"rows":3}`, string(st.Data))
	assert.Equal(t, []string{"Pending", "Running", "Completed"}, f.history(t, runID))

	run, err := f.store.ReadTaskRun(f.ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.RunCount)
	assert.NotNil(t, run.StartTime)
	assert.NotNil(t, run.EndTime)
	assert.EqualValues(t, 1, rec.attempts.Load())
	assert.EqualValues(t, 1, rec.finished.Load())
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	f := newFixture(t)
	runID := f.taskRun(t, "work")
	rec := &recorder{}

	var calls int
	tk := newTask(t, func(context.Context, map[string]any) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	}, task.WithMaxRetries(2))

	st, err := New(f.store, WithObserver(rec)).Run(f.ctx, Invocation{Task: tk, TaskRunID: runID})
	require.NoError(t, err)
	assert.Equal(t, api.StateCompleted, st.Type)
	assert.Equal(t, 3, calls)
	assert.EqualValues(t, 3, rec.attempts.Load())
	assert.Equal(t, []string{
		"Pending", "Running", "Retrying", "Running", "Retrying", "Running", "Completed",
	}, f.history(t, runID))

	run, err := f.store.ReadTaskRun(f.ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 3, run.RunCount, "retrying states do not count as runs")
}

func TestRunFailsWhenRetriesAreExhausted(t *testing.T) {
	f := newFixture(t)
	runID := f.taskRun(t, "work")

	var calls int
	tk := newTask(t, func(context.Context, map[string]any) (any, error) {
		calls++
		return nil, errors.New("broken")
	}, task.WithMaxRetries(1))

	st, err := New(f.store).Run(f.ctx, Invocation{Task: tk, TaskRunID: runID})
	require.NoError(t, err)
	assert.Equal(t, api.StateFailed, st.Type)
	assert.Equal(t, api.StateNameFailed, st.Name)
	assert.Equal(t, "broken", st.Message)
	assert.Equal(t, 2, calls)
}

func TestRunSignals(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		typ      api.StateType
		state    string
		attempts int
	}{
		{"final fail", api.Fail("stop").Final(), api.StateFailed, api.StateNameFailed, 1},
		{"fail", api.Fail("stop"), api.StateFailed, api.StateNameFailed, 3},
		{"retry", api.Retry("again"), api.StateFailed, api.StateNameFailed, 3},
		{"success", api.Success("forced"), api.StateCompleted, api.StateNameCompleted, 1},
		{"skip", api.Skip("nothing to do"), api.StateCompleted, api.StateNameSkipped, 1},
		{"trigger fail", api.TriggerFail("upstream"), api.StateFailed, api.StateNameTriggerFailed, 1},
		{"wait", api.Wait("later"), api.StateWaiting, api.StateNameWaiting, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			runID := f.taskRun(t, "work")

			var calls int
			tk := newTask(t, func(context.Context, map[string]any) (any, error) {
				calls++
				return nil, tc.err
			}, task.WithMaxRetries(2))

			st, err := New(f.store).Run(f.ctx, Invocation{Task: tk, TaskRunID: runID})
			require.NoError(t, err)
			assert.Equal(t, tc.typ, st.Type)
			assert.Equal(t, tc.state, st.Name)
			assert.Equal(t, tc.attempts, calls)
		})
	}
}

func TestWaitingRunResumes(t *testing.T) {
	f := newFixture(t)
	runID := f.taskRun(t, "approval")

	var seen []bool
	tk := newTask(t, func(ctx context.Context, _ map[string]any) (any, error) {
		waiting := runtime.IsWaiting(ctx)
		seen = append(seen, waiting)
		if !waiting {
			return nil, api.Wait("needs approval")
		}
		return "approved", nil
	})
	r := New(f.store)

	st, err := r.Run(f.ctx, Invocation{Task: tk, TaskRunID: runID})
	require.NoError(t, err)
	assert.Equal(t, api.StateWaiting, st.Type)
	assert.Equal(t, "needs approval", st.Message)

	st, err = r.Run(f.ctx, Invocation{Task: tk, TaskRunID: runID})
	require.NoError(t, err)
	assert.Equal(t, api.StateCompleted, st.Type)
	assert.Equal(t, []bool{false, true}, seen)
}

func TestRunTimesOut(t *testing.T) {
	f := newFixture(t)
	runID := f.taskRun(t, "slow")

	tk := newTask(t, func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, task.WithTimeout(20*time.Millisecond))

	st, err := New(f.store).Run(f.ctx, Invocation{Task: tk, TaskRunID: runID})
	require.NoError(t, err)
	assert.Equal(t, api.StateFailed, st.Type)
	assert.Equal(t, api.StateNameTimedOut, st.Name)
	assert.Contains(t, st.Message, ErrTimedOut.Error())
}

func TestTimeoutIgnoredByBody(t *testing.T) {
	f := newFixture(t)
	runID := f.taskRun(t, "stubborn")

	release := make(chan struct{})
	defer close(release)
	tk := newTask(t, func(context.Context, map[string]any) (any, error) {
		<-release
		return nil, nil
	}, task.WithTimeout(10*time.Millisecond))

	st, err := New(f.store).Run(f.ctx, Invocation{Task: tk, TaskRunID: runID})
	require.NoError(t, err)
	assert.Equal(t, api.StateNameTimedOut, st.Name)
}

func TestTriggerStopsRun(t *testing.T) {
	cases := []struct {
		name     string
		trigger  api.Trigger
		upstream []api.StateType
		typ      api.StateType
		state    string
	}{
		{"not satisfied", api.AllSuccessful, []api.StateType{api.StateCompleted, api.StateFailed}, api.StateFailed, api.StateNameTriggerFailed},
		{"upstream unfinished", api.AllFinished, []api.StateType{api.StateRunning}, api.StateWaiting, api.StateNameWaitingForUpstream},
		{"raising", api.NewTrigger("broken", func([]api.StateType) (bool, error) {
			return false, errors.New("boom")
		}), nil, api.StateFailed, api.StateNameTriggerFailed},
		{"skipping", api.NewTrigger("skipper", func([]api.StateType) (bool, error) {
			return false, api.Skip("not today")
		}), nil, api.StateCompleted, api.StateNameSkipped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			runID := f.taskRun(t, "downstream")

			var called bool
			tk := newTask(t, func(context.Context, map[string]any) (any, error) {
				called = true
				return nil, nil
			}, task.WithTrigger(tc.trigger))

			st, err := New(f.store).Run(f.ctx, Invocation{Task: tk, TaskRunID: runID, Upstream: tc.upstream})
			require.NoError(t, err)
			assert.False(t, called)
			assert.Equal(t, tc.typ, st.Type)
			assert.Equal(t, tc.state, st.Name)
		})
	}
}

func TestTriggerProceeds(t *testing.T) {
	f := newFixture(t)
	runID := f.taskRun(t, "cleanup")

	tk := newTask(t, func(context.Context, map[string]any) (any, error) {
		return nil, nil
	}, task.WithTrigger(api.AnyFailed))

	st, err := New(f.store).Run(f.ctx, Invocation{
		Task:      tk,
		TaskRunID: runID,
		Upstream:  []api.StateType{api.StateCompleted, api.StateFailed},
	})
	require.NoError(t, err)
	assert.Equal(t, api.StateCompleted, st.Type)
}

func TestCachedStateIsReused(t *testing.T) {
	f := newFixture(t)
	first, second := f.taskRun(t, "lookup-1"), f.taskRun(t, "lookup-2")

	var calls int
	tk := newTask(t, func(context.Context, map[string]any) (any, error) {
		calls++
		return []string{"a", "b"}, nil
	})
	r := New(f.store)

	st, err := r.Run(f.ctx, Invocation{Task: tk, TaskRunID: first, CacheKey: "lookup", CacheFor: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, api.StateNameCompleted, st.Name)

	st, err = r.Run(f.ctx, Invocation{Task: tk, TaskRunID: second, CacheKey: "lookup"})
	require.NoError(t, err)
	assert.Equal(t, api.StateCompleted, st.Type)
	assert.Equal(t, api.StateNameCached, st.Name)
	assert.JSONEq(t, `["a","b"]`, string(st.Data))
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"Pending", "Cached"}, f.history(t, second))
}

func TestCancelledRun(t *testing.T) {
	f := newFixture(t)
	runID := f.taskRun(t, "work")

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	tk := newTask(t, func(context.Context, map[string]any) (any, error) {
		cancel()
		return nil, errors.New("interrupted")
	}, task.WithMaxRetries(3))

	st, err := New(f.store).Run(ctx, Invocation{Task: tk, TaskRunID: runID})
	require.NoError(t, err)
	assert.Equal(t, api.StateCancelled, st.Type)

	cur, err := f.store.ReadTaskRunState(f.ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, st.ID, cur.ID)
}

func TestCompletedBeforeCancelKeepsResult(t *testing.T) {
	f := newFixture(t)
	runID := f.taskRun(t, "work")

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	tk := newTask(t, func(context.Context, map[string]any) (any, error) {
		cancel()
		return 7, nil
	})

	st, err := New(f.store).Run(ctx, Invocation{Task: tk, TaskRunID: runID, CacheKey: "seven"})
	require.NoError(t, err)
	assert.Equal(t, api.StateCompleted, st.Type)
	assert.JSONEq(t, `7`, string(st.Data))
	assert.Equal(t, []string{"Pending", "Running", "Completed"}, f.history(t, runID))

	cached, ok, err := f.store.ReadCachedTaskRunState(f.ctx, "seven")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, st.ID, cached.ID)
}

func TestParameterTask(t *testing.T) {
	f := newFixture(t)
	r := New(f.store)

	p, err := task.NewParameter(context.Background(), "region")
	require.NoError(t, err)

	runID := f.taskRun(t, "region")
	st, err := r.Run(f.ctx, Invocation{Task: p.Task, TaskRunID: runID, Parameters: map[string]any{"region": "eu"}})
	require.NoError(t, err)
	assert.Equal(t, api.StateCompleted, st.Type)
	assert.JSONEq(t, `"eu"`, string(st.Data))

	missing := f.taskRun(t, "region-missing")
	st, err = r.Run(f.ctx, Invocation{Task: p.Task, TaskRunID: missing})
	require.NoError(t, err)
	assert.Equal(t, api.StateFailed, st.Type)
	assert.Contains(t, st.Message, "region")
}

func TestUnencodableResultFails(t *testing.T) {
	f := newFixture(t)
	runID := f.taskRun(t, "work")
	tk := newTask(t, func(context.Context, map[string]any) (any, error) {
		return make(chan int), nil
	})

	st, err := New(f.store).Run(f.ctx, Invocation{Task: tk, TaskRunID: runID})
	require.NoError(t, err)
	assert.Equal(t, api.StateFailed, st.Type)
	assert.Contains(t, st.Message, "encode result")
}

func TestRunErrors(t *testing.T) {
	f := newFixture(t)
	r := New(f.store)

	_, err := r.Run(f.ctx, Invocation{})
	assert.ErrorIs(t, err, ErrInvalidInvocation)

	rec := &recorder{}
	tk := newTask(t, func(context.Context, map[string]any) (any, error) { return nil, nil })
	_, err = New(f.store, WithObserver(rec)).Run(f.ctx, Invocation{Task: tk, TaskRunID: "00000000-0000-0000-0000-000000000000"})
	assert.ErrorIs(t, err, store.ErrRunNotFound)
	assert.Zero(t, rec.started.Load())
	assert.Zero(t, rec.finished.Load())
}

func TestStoreFailureStillFinishesRun(t *testing.T) {
	f := newFixture(t)
	runID := f.taskRun(t, "work")
	rec := &recorder{}

	tk := newTask(t, func(context.Context, map[string]any) (any, error) {
		return nil, f.store.DB().DropSchema(f.ctx)
	})

	_, err := New(f.store, WithObserver(rec)).Run(f.ctx, Invocation{Task: tk, TaskRunID: runID})
	require.Error(t, err)
	assert.EqualValues(t, 1, rec.started.Load())
	assert.EqualValues(t, 1, rec.finished.Load())
	require.NotNil(t, rec.last.Load())
	assert.Equal(t, api.StatePending, rec.last.Load().Type)
}

func TestPrometheusObserver(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	obs, err := NewPrometheusObserver(reg)
	require.NoError(t, err)

	_, err = NewPrometheusObserver(reg)
	assert.Error(t, err, "collectors register once per registry")

	var calls int
	tk := newTask(t, func(context.Context, map[string]any) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("flaky")
		}
		return 1, nil
	}, task.WithMaxRetries(1))

	_, err = New(f.store, WithObserver(obs)).Run(f.ctx, Invocation{Task: tk, TaskRunID: f.taskRun(t, "work")})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(obs.started.WithLabelValues("work")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.finished.WithLabelValues("work", "COMPLETED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.transitions.WithLabelValues("work", "RUNNING", "Running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(obs.transitions.WithLabelValues("work", "RUNNING", "Retrying")))
	assert.Equal(t, 2, testutil.CollectAndCount(obs.attempts))
}

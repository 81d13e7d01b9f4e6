package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// RunRef identifies the task run an observer callback is about.
type RunRef struct {
	RunID     string
	FlowRunID string
	TaskName  string
}

// Observer receives callbacks from a runner for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay task execution.
type Observer interface {
	// OnRunStart is called once per invocation, after the run's current state
	// has been read and before the trigger is evaluated.
	OnRunStart(ctx context.Context, run RunRef)

	// OnStateChange is called after a state has been persisted for the run.
	OnStateChange(ctx context.Context, run RunRef, state State)

	// OnAttemptCompleted is called after each body invocation, for both
	// successes and failures (err != nil). attempt is 1-based.
	OnAttemptCompleted(ctx context.Context, run RunRef, attempt int, err error, duration time.Duration)

	// OnRunFinished follows every OnRunStart, with the last state written by
	// the invocation. When the invocation fails on the store it gets the
	// latest state the store still reports, which may be the zero State.
	OnRunFinished(ctx context.Context, run RunRef, state State)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStart(ctx context.Context, run RunRef)                 {}
func (NoopObserver) OnStateChange(ctx context.Context, run RunRef, state State) {}
func (NoopObserver) OnAttemptCompleted(ctx context.Context, run RunRef, attempt int, err error, d time.Duration) {
}
func (NoopObserver) OnRunFinished(ctx context.Context, run RunRef, state State) {}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStart(ctx context.Context, run RunRef) {
	for _, o := range c.observers {
		o.OnRunStart(ctx, run)
	}
}

func (c *CompositeObserver) OnStateChange(ctx context.Context, run RunRef, state State) {
	for _, o := range c.observers {
		o.OnStateChange(ctx, run, state)
	}
}

func (c *CompositeObserver) OnAttemptCompleted(ctx context.Context, run RunRef, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnAttemptCompleted(ctx, run, attempt, err, d)
	}
}

func (c *CompositeObserver) OnRunFinished(ctx context.Context, run RunRef, state State) {
	for _, o := range c.observers {
		o.OnRunFinished(ctx, run, state)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs task run lifecycle events
// using the provided slog.Logger. If logger is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStart(ctx context.Context, run RunRef) {
	o.Logger.InfoContext(ctx, "task_run_start",
		slog.String("task", run.TaskName),
		slog.String("task_run_id", run.RunID),
		slog.String("flow_run_id", run.FlowRunID),
	)
}

func (o *LoggingObserver) OnStateChange(ctx context.Context, run RunRef, state State) {
	o.Logger.DebugContext(ctx, "task_run_state",
		slog.String("task", run.TaskName),
		slog.String("task_run_id", run.RunID),
		slog.String("state_type", string(state.Type)),
		slog.String("state_name", state.Name),
	)
}

func (o *LoggingObserver) OnAttemptCompleted(ctx context.Context, run RunRef, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "task_run_attempt",
		slog.String("task", run.TaskName),
		slog.String("task_run_id", run.RunID),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRunFinished(ctx context.Context, run RunRef, state State) {
	level := slog.LevelInfo
	if state.Type == StateFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "task_run_finished",
		slog.String("task", run.TaskName),
		slog.String("task_run_id", run.RunID),
		slog.String("state_type", string(state.Type)),
		slog.String("state_name", state.Name),
		slog.String("message", state.Message),
	)
}

// BasicMetrics collects simple counters and aggregate attempt durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted          atomic.Int64
	runsCompleted        atomic.Int64
	runsFailed           atomic.Int64
	runsWaiting          atomic.Int64
	attemptsCompleted    atomic.Int64
	totalAttemptDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsCompleted int64
	RunsFailed    int64
	RunsWaiting   int64

	AttemptsCompleted  int64
	AvgAttemptDuration time.Duration
}

func (m *BasicMetrics) OnRunStart(ctx context.Context, run RunRef) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunFinished(ctx context.Context, run RunRef, state State) {
	switch state.Type {
	case StateCompleted:
		m.runsCompleted.Add(1)
	case StateFailed:
		m.runsFailed.Add(1)
	case StateWaiting:
		m.runsWaiting.Add(1)
	}
}

func (m *BasicMetrics) OnAttemptCompleted(ctx context.Context, run RunRef, attempt int, err error, d time.Duration) {
	// Only successful attempts count towards the average duration.
	if err == nil {
		m.attemptsCompleted.Add(1)
		m.totalAttemptDuration.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	attempts := m.attemptsCompleted.Load()
	totalNs := m.totalAttemptDuration.Load()

	var avg time.Duration
	if attempts > 0 {
		avg = time.Duration(totalNs / attempts)
	}

	return BasicMetricsSnapshot{
		RunsStarted:        m.runsStarted.Load(),
		RunsCompleted:      m.runsCompleted.Load(),
		RunsFailed:         m.runsFailed.Load(),
		RunsWaiting:        m.runsWaiting.Load(),
		AttemptsCompleted:  attempts,
		AvgAttemptDuration: avg,
	}
}

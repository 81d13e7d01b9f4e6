package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/fluxstate/pkg/api"
)

// PrometheusObserver exports task run counters and attempt durations.
type PrometheusObserver struct {
	started     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	finished    *prometheus.CounterVec
	attempts    *prometheus.HistogramVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the collectors and registers them with reg.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxstate",
			Name:      "task_runs_started_total",
			Help:      "Task run invocations started.",
		}, []string{"task"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxstate",
			Name:      "task_run_states_total",
			Help:      "States recorded for task runs.",
		}, []string{"task", "state_type", "state_name"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxstate",
			Name:      "task_runs_finished_total",
			Help:      "Task run invocations by the state they ended in.",
		}, []string{"task", "state_type"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fluxstate",
			Name:      "task_attempt_duration_seconds",
			Help:      "Duration of task body attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task", "outcome"}),
	}
	for _, c := range []prometheus.Collector{o.started, o.transitions, o.finished, o.attempts} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register task run metrics: %w", err)
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OnRunStart(_ context.Context, run api.RunRef) {
	o.started.WithLabelValues(run.TaskName).Inc()
}

func (o *PrometheusObserver) OnStateChange(_ context.Context, run api.RunRef, state api.State) {
	o.transitions.WithLabelValues(run.TaskName, string(state.Type), state.Name).Inc()
}

func (o *PrometheusObserver) OnAttemptCompleted(_ context.Context, run api.RunRef, _ int, err error, d time.Duration) {
	o.attempts.WithLabelValues(run.TaskName, api.Classify(nil, err).Kind.String()).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnRunFinished(_ context.Context, run api.RunRef, state api.State) {
	o.finished.WithLabelValues(run.TaskName, string(state.Type)).Inc()
}

// Package api contains the vocabulary shared by tasks, runners and the run
// store: state types and names, the signals a task body returns to force a
// state, triggers, and the observer interface.
//
// Most users interact with the higher-level fluxstate package, which
// re-exports selected types from this package.
//
// # States
//
// A run moves through SCHEDULED, PENDING, RUNNING, WAITING and one of the
// final types COMPLETED, FAILED or CANCELLED. The state name refines the type
// ("Retrying" is a RUNNING state, "Skipped" a COMPLETED one).
//
// # Signals
//
// A body that returns an *api.Signal instead of a plain error forces the run
// into the signal's state. Classify turns a body's (value, error) pair into an
// Outcome a runner can switch on.
//
// # Triggers
//
// A trigger decides from the upstream state types whether a task may run.
// The built-in triggers wait (with a WAIT signal) until every upstream run is
// final. Custom triggers must be registered to survive serialization.
//
// # Observability
//
// Observer receives run lifecycle callbacks. NoopObserver, CompositeObserver,
// LoggingObserver (log/slog) and BasicMetrics are provided; the runner package
// adds a Prometheus implementation.
package api

// Package supervisor is the caller's side of a script pool. A Supervisor
// spawns one pool process, waits for its readiness message, and multiplexes
// any number of concurrent runs over the process's stdin and stdout. Each run
// is keyed by a run id; status events are delivered to the run's callback in
// order, and exactly one terminal event settles it.
//
// When the pool process exits, reports a fatal error, or is killed, every
// pending run is rejected and later runs fail with ProcessLost.
//
// The pool process itself is the same executable started with PoolCommand;
// ServePoolProcess is its body.
package supervisor

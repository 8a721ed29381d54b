/*
Package dispatch runs script requests on pooled workers and hosts the pool
process end of the supervisor channel.

# Dispatcher

Each dispatched request acquires a worker, forwards the worker's status
events, and ends with exactly one terminal event:

  - run-resolved or run-rejected from the worker, after which the worker is
    released back to idle
  - run-rejected with SandboxGone when the worker crashes mid-run, after
    which the worker is evicted
  - run-rejected with the creation error when no worker could be acquired

Aborts are forwarded to the worker and never settle a run by themselves.

# Host

Host reads run-script and abort-script messages, one JSON object per line,
and writes pool-ready once followed by run events. Undecodable input and
internal panics produce a fatal message; end of input shuts the pool down.
*/
package dispatch

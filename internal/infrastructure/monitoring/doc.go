/*
Package monitoring provides metrics for the sandbox pool.

# Overview

Each pool process owns one Metrics value backed by its own Prometheus
registry. The pool updates worker gauges on every partition change; the
dispatcher records one run outcome per terminal event.

# Usage

	metrics := monitoring.NewMetrics()
	p := pool.New(factory, pool.Options{Max: 4, Metrics: metrics})

	timer := monitoring.NewTimer(metrics)
	// ... run ...
	timer.Stop(monitoring.OutcomeResolved)

# Admin Endpoint

When SCRIPTPOOL_ADMIN_ADDR is set the pool process serves:

	GET /metrics   Prometheus exposition
	GET /stats     pool partition and run totals (JSON)
	GET /healthz   liveness

The endpoint is read-only: any origin may GET it, and requests are rate
limited across all clients.
*/
package monitoring

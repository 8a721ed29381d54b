/*
Package protocol defines the messages exchanged between the supervisor and the
pool process, and the line-delimited JSON codec that carries them.

# Messages

	type            direction      fields
	run-script      client->pool   id, pathname, functionName, args, hasStatusCallback, hasAbortSignal
	abort-script    client->pool   id
	run-status      pool->client   id, status
	run-resolved    pool->client   id, value
	run-rejected    pool->client   id, error
	pool-ready      pool->client   (none), sent once before any run result
	fatal           pool->client   error

For a given id the pool emits zero or more run-status events followed by
exactly one run-resolved or run-rejected event.

# Framing

One JSON object per line on the child's stdin (client->pool) and stdout
(pool->client). Encoding uses sonic.
*/
package protocol

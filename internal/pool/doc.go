/*
Package pool provides a bounded, lazily growing pool of workers.

Workers are created on demand up to Max (Min of them eagerly at construction)
and handed out one at a time: an acquired worker is active until it is
released back to idle or evicted. Workers that go away on their own are
evicted automatically and never handed out again.

	p, err := pool.New(factory, pool.Options{Min: 1, Max: 4})
	w, err := p.Acquire(ctx)
	defer p.Release(w)

Acquisitions that find the pool at capacity wait for a release or eviction,
re-checking at PollInterval.
*/
package pool

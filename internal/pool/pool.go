package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/logging"
	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/scriptpool/internal/shared/id"
	"github.com/GriffinCanCode/scriptpool/internal/shared/plainerr"
)

var ErrPoolClosed = errors.New("worker pool is closed")

// DefaultPollInterval bounds how long a waiting Acquire sleeps before it
// re-inspects the pool when no release or eviction wakes it earlier.
const DefaultPollInterval = 100 * time.Millisecond

// Worker is the part of a sandbox the pool manages.
type Worker interface {
	ID() id.WorkerID
	// Gone is closed when the worker has crashed or been destroyed.
	Gone() <-chan struct{}
	Destroy()
}

// Factory creates a worker that is ready to accept runs.
type Factory[W Worker] func(ctx context.Context) (W, error)

// Options configures a Pool.
type Options struct {
	Min          int                 // Workers created eagerly at construction
	Max          int                 // Hard cap on idle + active + creating
	PollInterval time.Duration       // Fallback re-check interval for waiting acquisitions
	Logger       *logging.Logger
	Metrics      *monitoring.Metrics // Optional
}

// Stats is a point-in-time view of the pool partition.
type Stats struct {
	Idle     int `json:"idle"`
	Active   int `json:"active"`
	Creating int `json:"creating"`
	Max      int `json:"max"`
	Min      int `json:"min"`
}

// Pool manages a bounded set of reusable workers. Each worker is idle, active,
// or removed; a removed worker never comes back.
type Pool[W Worker] struct {
	factory Factory[W]
	opts    Options
	logger  *logging.Logger
	metrics *monitoring.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	idle     map[id.WorkerID]W
	active   map[id.WorkerID]W
	creating int
	closed   bool
	changed  chan struct{} // closed and replaced whenever capacity may have freed up
}

// New creates a pool and starts creating opts.Min workers in the background.
// Eager creation failures are logged, not returned.
func New[W Worker](factory Factory[W], opts Options) (*Pool[W], error) {
	switch {
	case opts.Min < 0:
		return nil, plainerr.New(plainerr.NameConfiguration, "minConcurrency must not be negative, got %d", opts.Min)
	case opts.Max < 1:
		return nil, plainerr.New(plainerr.NameConfiguration, "maxConcurrency must be at least 1, got %d", opts.Max)
	case opts.Min > opts.Max:
		return nil, plainerr.New(plainerr.NameConfiguration,
			"minConcurrency (%d) must be less than or equal to maxConcurrency (%d)", opts.Min, opts.Max)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[W]{
		factory: factory,
		opts:    opts,
		logger:  opts.Logger.Named("pool"),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		idle:    make(map[id.WorkerID]W),
		active:  make(map[id.WorkerID]W),
		changed: make(chan struct{}),
	}

	p.mu.Lock()
	p.creating = opts.Min
	p.updateLocked()
	p.mu.Unlock()

	for i := 0; i < opts.Min; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if _, err := p.create(p.ctx, false); err != nil && p.ctx.Err() == nil {
				p.logger.Warn("Eager worker creation failed", zap.Error(err))
			}
		}()
	}
	return p, nil
}

// Acquire returns an idle worker, marked active. When none is idle and the
// pool has room it creates one; otherwise it waits for a release or eviction.
func (p *Pool[W]) Acquire(ctx context.Context) (W, error) {
	var zero W
	start := time.Now()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrPoolClosed
		}

		for wid, w := range p.idle {
			delete(p.idle, wid)
			p.active[wid] = w
			p.updateLocked()
			p.mu.Unlock()
			p.metrics.ObserveAcquire(time.Since(start))
			return w, nil
		}

		if len(p.idle)+len(p.active)+p.creating < p.opts.Max {
			p.creating++
			p.updateLocked()
			p.mu.Unlock()

			w, err := p.create(ctx, true)
			if err != nil {
				return zero, err
			}
			p.metrics.ObserveAcquire(time.Since(start))
			return w, nil
		}

		changed := p.changed
		p.mu.Unlock()

		timer := time.NewTimer(p.opts.PollInterval)
		select {
		case <-changed:
		case <-timer.C:
		case <-p.ctx.Done():
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
		timer.Stop()
	}
}

// create runs the factory for a slot already reserved in p.creating and adds
// the new worker to the active or idle set.
func (p *Pool[W]) create(ctx context.Context, active bool) (W, error) {
	var zero W
	w, err := p.factory(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.notifyLocked()
		p.updateLocked()
		p.mu.Unlock()
		p.metrics.IncCreationFailures()
		return zero, err
	}
	if p.closed {
		p.updateLocked()
		p.mu.Unlock()
		w.Destroy()
		return zero, ErrPoolClosed
	}
	if active {
		p.active[w.ID()] = w
	} else {
		p.idle[w.ID()] = w
		p.notifyLocked()
	}
	p.updateLocked()
	p.wg.Add(1)
	p.mu.Unlock()

	p.metrics.IncWorkersCreated()
	p.logger.Debug("Worker created", zap.String("worker", w.ID().String()))
	go p.watch(w)
	return w, nil
}

// watch evicts w as soon as it goes away on its own.
func (p *Pool[W]) watch(w W) {
	defer p.wg.Done()
	select {
	case <-w.Gone():
		p.Evict(w)
	case <-p.ctx.Done():
	}
}

// Release returns an active worker to the idle set. A worker that has gone
// away meanwhile is evicted instead; an unknown worker is ignored.
func (p *Pool[W]) Release(w W) {
	select {
	case <-w.Gone():
		p.Evict(w)
		return
	default:
	}

	p.mu.Lock()
	wid := w.ID()
	if _, ok := p.active[wid]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, wid)
	if p.closed {
		p.mu.Unlock()
		w.Destroy()
		return
	}
	p.idle[wid] = w
	p.notifyLocked()
	p.updateLocked()
	p.mu.Unlock()
}

// Evict permanently removes w from the pool and destroys it. It reports
// whether w was still a member; evicting twice is harmless.
func (p *Pool[W]) Evict(w W) bool {
	p.mu.Lock()
	wid := w.ID()
	_, wasIdle := p.idle[wid]
	_, wasActive := p.active[wid]
	if !wasIdle && !wasActive {
		p.mu.Unlock()
		return false
	}
	delete(p.idle, wid)
	delete(p.active, wid)
	p.notifyLocked()
	p.updateLocked()
	p.mu.Unlock()

	w.Destroy()
	p.metrics.IncWorkersCrashed()
	p.logger.Warn("Worker evicted", zap.String("worker", wid.String()), zap.Bool("was_active", wasActive))
	return true
}

// Close destroys every worker and fails pending and future acquisitions.
func (p *Pool[W]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := make([]W, 0, len(p.idle)+len(p.active))
	for _, w := range p.idle {
		workers = append(workers, w)
	}
	for _, w := range p.active {
		workers = append(workers, w)
	}
	clear(p.idle)
	clear(p.active)
	p.notifyLocked()
	p.updateLocked()
	p.mu.Unlock()

	p.cancel()
	for _, w := range workers {
		w.Destroy()
	}
	p.wg.Wait()
	p.logger.Debug("Pool closed", zap.Int("destroyed", len(workers)))
}

// Stats returns the current partition.
func (p *Pool[W]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:     len(p.idle),
		Active:   len(p.active),
		Creating: p.creating,
		Max:      p.opts.Max,
		Min:      p.opts.Min,
	}
}

// Size returns the number of live workers, idle plus active.
func (p *Pool[W]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle) + len(p.active)
}

func (p *Pool[W]) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool[W]) updateLocked() {
	p.metrics.SetWorkers(len(p.idle), len(p.active), p.creating)
}

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/logging"
	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/scriptpool/internal/pool"
	"github.com/GriffinCanCode/scriptpool/internal/protocol"
	"github.com/GriffinCanCode/scriptpool/internal/shared/plainerr"
)

// Worker is a pooled sandbox that runs one script at a time.
type Worker interface {
	pool.Worker
	Run(req protocol.RunRequest) error
	Events() <-chan protocol.Message
	Abort(runID string)
	// Crash describes why the worker went away; valid once Gone is closed.
	Crash() protocol.Crash
}

// Sink receives every message the dispatcher produces.
type Sink interface {
	Send(m protocol.Message) error
}

// Options configures a Dispatcher.
type Options struct {
	Logger  *logging.Logger
	Metrics *monitoring.Metrics
	// OnPanic is called when a dispatch goroutine panics. Defaults to re-panicking.
	OnPanic func(err error)
}

// Dispatcher runs requests on pooled workers and forwards their events,
// emitting exactly one terminal event per dispatched request.
type Dispatcher[W Worker] struct {
	pool    *pool.Pool[W]
	sink    Sink
	logger  *logging.Logger
	metrics *monitoring.Metrics
	onPanic func(error)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run[W]
}

// run moves from pending to settled exactly once.
type run[W Worker] struct {
	id       string
	worker   W
	assigned bool
	abort    bool // abort requested before a worker was assigned
	settled  atomic.Bool
}

// New creates a dispatcher that acquires workers from p and sends to sink.
func New[W Worker](p *pool.Pool[W], sink Sink, opts Options) *Dispatcher[W] {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher[W]{
		pool:    p,
		sink:    sink,
		logger:  opts.Logger.Named("dispatch"),
		metrics: opts.Metrics,
		onPanic: opts.OnPanic,
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*run[W]),
	}
}

// Dispatch starts req in the background.
func (d *Dispatcher[W]) Dispatch(req protocol.RunRequest) {
	r := &run[W]{id: req.ID}

	d.mu.Lock()
	if _, dup := d.runs[req.ID]; dup {
		d.logger.Error("Duplicate run id", zap.String("run", req.ID))
	}
	d.runs[req.ID] = r
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.recoverPanic()
		d.dispatch(r, req)
	}()
}

// Abort forwards a cancellation to the worker running id. The run itself is
// not terminated here; it settles through its own terminal event or a crash.
func (d *Dispatcher[W]) Abort(id string) {
	d.mu.Lock()
	r, ok := d.runs[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	if !r.assigned {
		r.abort = true
		d.mu.Unlock()
		return
	}
	w := r.worker
	d.mu.Unlock()

	w.Abort(id)
}

// Pending returns the number of runs not yet settled.
func (d *Dispatcher[W]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runs)
}

// Close stops waiting acquisitions and waits for dispatch goroutines. Runs
// still in flight are abandoned without a terminal event.
func (d *Dispatcher[W]) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher[W]) dispatch(r *run[W], req protocol.RunRequest) {
	timer := monitoring.NewTimer(d.metrics)

	w, err := d.pool.Acquire(d.ctx)
	if err != nil {
		if d.ctx.Err() != nil {
			return
		}
		var pe *plainerr.Error
		if !errors.As(err, &pe) {
			pe = plainerr.Wrap(plainerr.NameCreationFailed, err)
		}
		r.settled.Store(true)
		d.untrack(r.id)
		d.send(protocol.Rejected(req.ID, pe))
		timer.Stop(monitoring.OutcomeFailed)
		return
	}

	d.mu.Lock()
	r.worker = w
	r.assigned = true
	abort := r.abort
	d.mu.Unlock()

	log := d.logger.With(zap.String("run", req.ID), zap.String("worker", w.ID().String()))
	log.Debug("Run dispatched", zap.String("pathname", req.Pathname), zap.String("function", req.FunctionName))

	if err := w.Run(req); err != nil {
		log.Warn("Worker refused run", zap.Error(err))
		d.crashed(r, w, timer)
		return
	}
	if abort {
		w.Abort(req.ID)
	}

	for {
		select {
		case m := <-w.Events():
			if d.forward(r, w, m, timer) {
				return
			}
		case <-w.Gone():
			// Events emitted before the crash still belong to this run.
			for {
				select {
				case m := <-w.Events():
					if d.forward(r, w, m, timer) {
						return
					}
					continue
				default:
				}
				break
			}
			d.crashed(r, w, timer)
			return
		case <-d.ctx.Done():
			return
		}
	}
}

// forward sends one worker event and reports whether it settled the run.
func (d *Dispatcher[W]) forward(r *run[W], w W, m protocol.Message, timer *monitoring.Timer) bool {
	if m.ID != r.id {
		d.logger.Warn("Dropping event for another run", zap.String("run", r.id), zap.String("event_run", m.ID))
		return false
	}
	if !m.IsTerminal() {
		if !r.settled.Load() {
			d.send(m)
		}
		return false
	}

	outcome := monitoring.OutcomeResolved
	if m.Type == protocol.TypeRunRejected {
		outcome = monitoring.OutcomeRejected
	}
	if d.settle(r, m) {
		timer.Stop(outcome)
		d.pool.Release(w)
	}
	return true
}

// crashed settles r with a SandboxGone rejection and evicts w.
func (d *Dispatcher[W]) crashed(r *run[W], w W, timer *monitoring.Timer) {
	reason := "crashed"
	select {
	case <-w.Gone():
		reason = w.Crash().String()
	default:
	}
	if d.settle(r, protocol.Rejected(r.id, plainerr.New(plainerr.NameSandboxGone, "%s", reason))) {
		timer.Stop(monitoring.OutcomeCrashed)
		d.pool.Evict(w)
	}
}

// settle sends the terminal event for r unless one was already sent.
func (d *Dispatcher[W]) settle(r *run[W], m protocol.Message) bool {
	if !r.settled.CompareAndSwap(false, true) {
		return false
	}
	d.untrack(r.id)
	d.send(m)
	return true
}

func (d *Dispatcher[W]) untrack(id string) {
	d.mu.Lock()
	delete(d.runs, id)
	d.mu.Unlock()
}

func (d *Dispatcher[W]) send(m protocol.Message) {
	if err := d.sink.Send(m); err != nil {
		d.logger.Error("Failed to send message", zap.String("type", string(m.Type)), zap.String("run", m.ID), zap.Error(err))
	}
}

func (d *Dispatcher[W]) recoverPanic() {
	x := recover()
	if x == nil {
		return
	}
	if d.onPanic == nil {
		panic(x)
	}
	err, ok := x.(error)
	if !ok {
		err = fmt.Errorf("%v", x)
	}
	d.logger.Error("Dispatch panicked", zap.Error(err), zap.Stack("stack"))
	d.onPanic(err)
}

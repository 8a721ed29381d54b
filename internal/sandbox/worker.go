package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/logging"
	"github.com/GriffinCanCode/scriptpool/internal/protocol"
	"github.com/GriffinCanCode/scriptpool/internal/shared/id"
	"github.com/GriffinCanCode/scriptpool/internal/shared/plainerr"
)

// Worker is one isolated script runtime. All JS executes on the worker's own
// goroutine; the exported methods only exchange messages with it and are safe
// for concurrent use.
type Worker struct {
	id     id.WorkerID
	cfg    Config
	logger *logging.Logger

	runs   chan protocol.RunRequest
	events chan protocol.Message
	busy   atomic.Bool

	killed  chan struct{}
	gone    chan struct{}
	dieOnce sync.Once
	crash   protocol.Crash

	vm   atomic.Pointer[goja.Runtime]
	loop *eventLoop

	// owned by the worker goroutine
	modules    *modules
	cwd        string
	preloadErr *plainerr.Error
	current    *run
	earlyAbort string
}

// run is the state of the script invocation in progress.
type run struct {
	id      string
	abort   *abortController
	aborted bool
}

// New starts a worker and waits until its runtime is ready to accept runs.
// Setup failures are reported as CreationFailedError.
func New(ctx context.Context, cfg Config) (*Worker, error) {
	if cfg.MaxCallStackSize <= 0 {
		cfg.MaxCallStackSize = DefaultConfig().MaxCallStackSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}

	w := &Worker{
		id:     id.NewWorkerID(),
		cfg:    cfg,
		runs:   make(chan protocol.RunRequest, 1),
		events: make(chan protocol.Message, 64),
		killed: make(chan struct{}),
		gone:   make(chan struct{}),
	}
	w.logger = cfg.Logger.With(zap.String("worker", w.id.String()))
	w.loop = newEventLoop(w.killed)

	ready := make(chan error, 1)
	go w.serve(ready)

	select {
	case err := <-ready:
		if err != nil {
			return nil, plainerr.Wrap(plainerr.NameCreationFailed, err)
		}
		return w, nil
	case <-ctx.Done():
		w.Destroy()
		return nil, ctx.Err()
	}
}

// ID returns the worker's identity.
func (w *Worker) ID() id.WorkerID { return w.id }

// Events delivers run-status, run-resolved, and run-rejected messages.
func (w *Worker) Events() <-chan protocol.Message { return w.events }

// Gone is closed once the worker goroutine has exited.
func (w *Worker) Gone() <-chan struct{} { return w.gone }

// Crash describes why the worker went away. Valid after Gone is closed.
func (w *Worker) Crash() protocol.Crash { return w.crash }

// Run starts req. A worker runs one script at a time.
func (w *Worker) Run(req protocol.RunRequest) error {
	select {
	case <-w.killed:
		return ErrGone
	default:
	}
	if !w.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	w.runs <- req
	return nil
}

// Abort fires the AbortSignal of run runID. An abort that arrives before the
// run starts is remembered; one for a finished run is ignored.
func (w *Worker) Abort(runID string) {
	go w.loop.post(func() {
		if r := w.current; r != nil && r.id == runID {
			w.abortRun(r)
			return
		}
		w.earlyAbort = runID
	})
}

// Terminate forcefully stops the worker, interrupting any running script.
func (w *Worker) Terminate(reason string, code int) {
	if !w.die(reason, code) {
		return
	}
	if vm := w.vm.Load(); vm != nil {
		vm.Interrupt(reason)
	}
	w.logger.Debug("Sandbox terminated", zap.String("reason", reason), zap.Int("code", code))
}

// Destroy stops the worker without reporting a crash.
func (w *Worker) Destroy() {
	w.Terminate(reasonDestroyed, 0)
}

func (w *Worker) die(reason string, code int) bool {
	first := false
	w.dieOnce.Do(func() {
		w.crash = protocol.Crash{Reason: reason, ExitCode: code}
		close(w.killed)
		first = true
	})
	return first
}

func (w *Worker) isKilled() bool {
	select {
	case <-w.killed:
		return true
	default:
		return false
	}
}

// serve owns the runtime for the worker's whole life.
func (w *Worker) serve(ready chan<- error) {
	started := false
	defer func() {
		if x := recover(); x != nil {
			sig, ok := x.(crashSignal)
			if !ok {
				w.logger.Error("Sandbox panicked", zap.Any("panic", x), zap.Stack("stack"))
				sig = crashSignal{reason: reasonCrashed, code: exitPanic}
			}
			w.die(sig.reason, sig.code)
			if !started {
				ready <- fmt.Errorf("sandbox setup panicked: %v", x)
			}
		}
		close(w.gone)
	}()

	vm, err := w.setup()
	if err != nil {
		w.die(reasonCrashed, exitPanic)
		ready <- err
		return
	}
	started = true
	ready <- nil

	for {
		select {
		case <-w.killed:
			return
		case req := <-w.runs:
			w.execute(vm, req)
		case task := <-w.loop.tasks:
			task()
		}
	}
}

func (w *Worker) setup() (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(w.cfg.MaxCallStackSize)
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	w.vm.Store(vm)

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	w.cwd = cwd
	w.modules = newModules(vm)

	if err := w.setupGlobals(vm, w.modules, cwd); err != nil {
		return nil, fmt.Errorf("failed to install globals: %w", err)
	}

	if w.cfg.PreloadRequire != "" {
		if _, err := w.modules.require(w.cfg.PreloadRequire, cwd); err != nil {
			w.preloadErr = toPlainError(err)
			w.logger.Warn("Preload module failed",
				zap.String("module", w.cfg.PreloadRequire),
				zap.String("error", w.preloadErr.Error()))
		}
	}
	return vm, nil
}

// execute performs one run and emits its terminal event. Nothing is emitted
// when the worker is killed mid-run; the crash is reported by whoever watches Gone.
func (w *Worker) execute(vm *goja.Runtime, req protocol.RunRequest) {
	r := &run{id: req.ID}
	w.current = r
	value, perr := w.call(vm, r, req)
	w.current = nil
	w.loop.reset()

	if w.isKilled() {
		return
	}
	w.busy.Store(false)

	if perr != nil {
		if w.cfg.DebugMode {
			w.logger.Info("Script rejected", zap.String("run", req.ID), zap.String("error", perr.Error()))
		}
		w.emit(protocol.Rejected(req.ID, perr))
		return
	}
	w.emit(protocol.Resolved(req.ID, value))
}

func (w *Worker) call(vm *goja.Runtime, r *run, req protocol.RunRequest) (json.RawMessage, *plainerr.Error) {
	if w.preloadErr != nil {
		return nil, w.preloadErr
	}

	fn, perr := w.lookup(vm, req)
	if perr != nil {
		return nil, perr
	}

	early := w.earlyAbort == req.ID
	if early {
		w.earlyAbort = ""
	}

	this := vm.NewObject()
	if req.HasAbortSignal {
		ctrl, err := newAbortController(vm)
		if err != nil {
			return nil, toPlainError(err)
		}
		r.abort = ctrl
		_ = this.Set("abortSignal", ctrl.signal)
	}
	if req.HasStatusCallback {
		_ = this.Set("statusCallback", w.statusCallback(vm, r))
	}

	args := make([]goja.Value, len(req.Args))
	for i, arg := range req.Args {
		args[i] = vm.ToValue(arg)
	}

	ret, err := fn(this, args...)
	if err != nil {
		return nil, toPlainError(err)
	}
	// An abort that arrived before the run started fires once the script has
	// had a chance to register its listeners.
	if early {
		w.abortRun(r)
	}
	if p, ok := ret.Export().(*goja.Promise); ok {
		if ret, perr = w.await(r, p); perr != nil {
			return nil, perr
		}
	}

	raw, err := protocol.MarshalValue(ret.Export())
	if err != nil {
		return nil, plainerr.New("DataCloneError", "result could not be cloned: %v", err)
	}
	return raw, nil
}

// lookup resolves the exported function to call. "default" falls back to a
// module whose exports object is itself callable.
func (w *Worker) lookup(vm *goja.Runtime, req protocol.RunRequest) (goja.Callable, *plainerr.Error) {
	exports, err := w.modules.require(req.Pathname, w.cwd)
	if err != nil {
		return nil, toPlainError(err)
	}

	name := req.FunctionName
	if name == "" {
		name = "default"
	}
	if defined(exports) {
		if fn, ok := goja.AssertFunction(exports.ToObject(vm).Get(name)); ok {
			return fn, nil
		}
		if name == "default" {
			if fn, ok := goja.AssertFunction(exports); ok {
				return fn, nil
			}
		}
	}
	return nil, plainerr.New("TypeError", "%s is not a function exported by %s", name, req.Pathname)
}

// await drives the event loop until p settles.
func (w *Worker) await(r *run, p *goja.Promise) (goja.Value, *plainerr.Error) {
	for p.State() == goja.PromiseStatePending {
		if !w.loop.pending() && len(w.loop.tasks) == 0 && (r.abort == nil || r.aborted) {
			return nil, plainerr.New("Error", "script returned a promise that can never settle")
		}
		select {
		case task := <-w.loop.tasks:
			task()
		case <-w.killed:
			return nil, plainerr.Wrap(plainerr.NameKilled, plainerr.ErrKilled)
		}
	}
	if p.State() == goja.PromiseStateRejected {
		return nil, thrownToPlain(p.Result())
	}
	return p.Result(), nil
}

func (w *Worker) abortRun(r *run) {
	if r.aborted {
		return
	}
	r.aborted = true
	if r.abort == nil {
		return
	}
	reason := newError(w.vm.Load(), "AbortError", "This operation was aborted")
	if _, err := r.abort.abort(goja.Undefined(), reason); err != nil {
		w.logger.Warn("Abort listener threw", zap.String("run", r.id), zap.Error(err))
	}
}

func (w *Worker) statusCallback(vm *goja.Runtime, r *run) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if w.current != r {
			return goja.Undefined()
		}
		raw, err := protocol.MarshalValue(call.Argument(0).Export())
		if err != nil {
			panic(newError(vm, "DataCloneError", fmt.Sprintf("status could not be cloned: %v", err)))
		}
		w.emit(protocol.Status(r.id, raw))
		return goja.Undefined()
	}
}

func (w *Worker) emit(m protocol.Message) {
	select {
	case w.events <- m:
	case <-w.killed:
	}
}

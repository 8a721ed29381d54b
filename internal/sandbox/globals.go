package sandbox

import (
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// abortControllerSource builds {signal, abort} pairs. The signal is a minimal
// AbortSignal: aborted, reason, onabort, add/removeEventListener, throwIfAborted.
const abortControllerSource = `(function () {
  var listeners = [];
  var signal = {
    aborted: false,
    reason: undefined,
    onabort: null,
    addEventListener: function (type, fn) {
      if (type === "abort" && typeof fn === "function") listeners.push(fn);
    },
    removeEventListener: function (type, fn) {
      var i = listeners.indexOf(fn);
      if (type === "abort" && i >= 0) listeners.splice(i, 1);
    },
    throwIfAborted: function () {
      if (signal.aborted) throw signal.reason;
    }
  };
  function abort(reason) {
    if (signal.aborted) return;
    if (reason === undefined) {
      reason = new Error("This operation was aborted");
      reason.name = "AbortError";
    }
    signal.aborted = true;
    signal.reason = reason;
    var ev = { type: "abort", target: signal };
    if (typeof signal.onabort === "function") signal.onabort.call(signal, ev);
    listeners.slice().forEach(function (fn) { fn.call(signal, ev); });
  }
  return { signal: signal, abort: abort };
})`

var abortControllerProgram = goja.MustCompile("abort-controller", abortControllerSource, true)

// abortController is the host handle on one run's AbortSignal.
type abortController struct {
	signal goja.Value
	abort  goja.Callable
}

func newAbortController(vm *goja.Runtime) (*abortController, error) {
	factory, err := vm.RunProgram(abortControllerProgram)
	if err != nil {
		return nil, err
	}
	fn, _ := goja.AssertFunction(factory)
	pair, err := fn(goja.Undefined())
	if err != nil {
		return nil, err
	}
	obj := pair.ToObject(vm)
	abort, _ := goja.AssertFunction(obj.Get("abort"))
	return &abortController{signal: obj.Get("signal"), abort: abort}, nil
}

// setupGlobals installs the host API available to every script.
func (w *Worker) setupGlobals(vm *goja.Runtime, mods *modules, cwd string) error {
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(level, w.makeConsoleFunc(level)); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}

	process := vm.NewObject()
	if err := process.Set("crash", func(goja.FunctionCall) goja.Value {
		panic(crashSignal{reason: reasonKilled, code: exitKilled})
	}); err != nil {
		return err
	}
	if err := process.Set("platform", "goja"); err != nil {
		return err
	}
	if err := vm.Set("process", process); err != nil {
		return err
	}

	timerErr := func(err error) {
		w.logger.Warn("Uncaught exception in timer callback", zap.Error(err))
	}
	setTimer := func(interval bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				panic(vm.NewTypeError("callback must be a function"))
			}
			delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
			var args []goja.Value
			if len(call.Arguments) > 2 {
				args = append(args, call.Arguments[2:]...)
			}
			return vm.ToValue(w.loop.schedule(fn, delay, args, interval, timerErr))
		}
	}
	clearTimer := func(call goja.FunctionCall) goja.Value {
		if defined(call.Argument(0)) {
			w.loop.cancel(call.Argument(0).ToInteger())
		}
		return goja.Undefined()
	}

	globals := map[string]any{
		"setTimeout":    setTimer(false),
		"setInterval":   setTimer(true),
		"clearTimeout":  clearTimer,
		"clearInterval": clearTimer,
		"require":       mods.requireFunc(cwd),
		"global":        vm.GlobalObject(),
		"globalThis":    vm.GlobalObject(),
	}
	for name, value := range globals {
		if err := vm.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// makeConsoleFunc forwards console output to the pool process logger.
func (w *Worker) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		msg := strings.Join(parts, " ")

		fields := []zap.Field{zap.String("level", level)}
		if w.current != nil {
			fields = append(fields, zap.String("run", w.current.id))
		}

		switch {
		case level == "error":
			w.logger.Error(msg, fields...)
		case level == "warn":
			w.logger.Warn(msg, fields...)
		case w.cfg.DebugMode:
			w.logger.Info(msg, fields...)
		default:
			w.logger.Debug(msg, fields...)
		}
		return goja.Undefined()
	}
}

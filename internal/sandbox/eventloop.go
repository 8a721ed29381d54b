package sandbox

import (
	"time"

	"github.com/dop251/goja"
)

// eventLoop queues macrotasks for one runtime. Timer goroutines and the host
// post tasks; only the sandbox goroutine runs them. Promise jobs (microtasks)
// are drained by goja itself whenever a call returns to Go.
type eventLoop struct {
	tasks  chan func()
	killed <-chan struct{}

	// owned by the sandbox goroutine
	nextID int64
	timers map[int64]*timer
}

type timer struct {
	id       int64
	fn       goja.Callable
	args     []goja.Value
	interval bool

	stop      chan struct{}
	after     *time.Timer
	cancelled bool
}

func newEventLoop(killed <-chan struct{}) *eventLoop {
	return &eventLoop{
		tasks:  make(chan func(), 64),
		killed: killed,
		timers: make(map[int64]*timer),
	}
}

// post queues fn for the sandbox goroutine. It gives up once the sandbox is killed.
func (l *eventLoop) post(fn func()) bool {
	select {
	case l.tasks <- fn:
		return true
	case <-l.killed:
		return false
	}
}

// pending reports whether any timer can still produce a task.
func (l *eventLoop) pending() bool {
	return len(l.timers) > 0
}

// schedule starts a timeout or interval and returns its handle.
func (l *eventLoop) schedule(fn goja.Callable, delay time.Duration, args []goja.Value, interval bool, onError func(error)) int64 {
	l.nextID++
	t := &timer{
		id:       l.nextID,
		fn:       fn,
		args:     args,
		interval: interval,
		stop:     make(chan struct{}),
	}
	l.timers[t.id] = t

	fire := func() {
		if t.cancelled {
			return
		}
		if !t.interval {
			l.cancel(t.id)
		}
		if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
			onError(err)
		}
	}

	if !interval {
		t.after = time.AfterFunc(delay, func() { l.post(fire) })
		return t.id
	}

	if delay <= 0 {
		delay = time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(delay)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !l.post(fire) {
					return
				}
			case <-t.stop:
				return
			case <-l.killed:
				return
			}
		}
	}()
	return t.id
}

// cancel stops a timer. Unknown or already fired handles are ignored.
func (l *eventLoop) cancel(id int64) {
	t, ok := l.timers[id]
	if !ok {
		return
	}
	t.cancelled = true
	delete(l.timers, id)
	if t.after != nil {
		t.after.Stop()
	}
	close(t.stop)
}

// reset cancels every timer left over from a finished run. Tasks already queued
// stay queued; stale timer tasks are inert and host tasks check the run id.
func (l *eventLoop) reset() {
	for id := range l.timers {
		l.cancel(id)
	}
}

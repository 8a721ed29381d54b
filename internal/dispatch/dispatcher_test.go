package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/scriptpool/internal/pool"
	"github.com/GriffinCanCode/scriptpool/internal/protocol"
	"github.com/GriffinCanCode/scriptpool/internal/shared/id"
	"github.com/GriffinCanCode/scriptpool/internal/shared/plainerr"
)

type fakeWorker struct {
	id     id.WorkerID
	runs   chan protocol.RunRequest
	events chan protocol.Message
	aborts chan string
	gone   chan struct{}
	once   sync.Once
	crash  protocol.Crash
}

func newFakeWorker(n int32) *fakeWorker {
	return &fakeWorker{
		id:     id.WorkerID(fmt.Sprintf("wrk_%d", n)),
		runs:   make(chan protocol.RunRequest, 1),
		events: make(chan protocol.Message, 16),
		aborts: make(chan string, 4),
		gone:   make(chan struct{}),
	}
}

func (f *fakeWorker) ID() id.WorkerID                 { return f.id }
func (f *fakeWorker) Gone() <-chan struct{}           { return f.gone }
func (f *fakeWorker) Events() <-chan protocol.Message { return f.events }
func (f *fakeWorker) Abort(runID string)              { f.aborts <- runID }
func (f *fakeWorker) Crash() protocol.Crash           { return f.crash }
func (f *fakeWorker) Destroy()                        { f.die("destroyed", 0) }

func (f *fakeWorker) Run(req protocol.RunRequest) error {
	select {
	case <-f.gone:
		return fmt.Errorf("sandbox is gone")
	default:
	}
	f.runs <- req
	return nil
}

func (f *fakeWorker) die(reason string, code int) {
	f.once.Do(func() {
		f.crash = protocol.Crash{Reason: reason, ExitCode: code}
		close(f.gone)
	})
}

// nextRun waits for the worker to be handed a request.
func (f *fakeWorker) nextRun(t *testing.T) protocol.RunRequest {
	t.Helper()
	select {
	case req := <-f.runs:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("worker was not given a run")
		return protocol.RunRequest{}
	}
}

type fakeFactory struct {
	n       atomic.Int32
	fail    atomic.Bool
	created chan *fakeWorker
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(chan *fakeWorker, 16)}
}

func (f *fakeFactory) create(context.Context) (*fakeWorker, error) {
	if f.fail.Load() {
		return nil, plainerr.New(plainerr.NameCreationFailed, "page failed to load")
	}
	w := newFakeWorker(f.n.Add(1))
	f.created <- w
	return w, nil
}

func (f *fakeFactory) next(t *testing.T) *fakeWorker {
	t.Helper()
	select {
	case w := <-f.created:
		return w
	case <-time.After(2 * time.Second):
		t.Fatal("no worker created")
		return nil
	}
}

type recordSink struct {
	mu       sync.Mutex
	messages []protocol.Message
	notify   chan struct{}
}

func newRecordSink() *recordSink {
	return &recordSink{notify: make(chan struct{}, 1)}
}

func (s *recordSink) Send(m protocol.Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *recordSink) forRun(runID string) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Message
	for _, m := range s.messages {
		if m.ID == runID {
			out = append(out, m)
		}
	}
	return out
}

// terminal waits for the terminal event of runID.
func (s *recordSink) terminal(t *testing.T, runID string) protocol.Message {
	t.Helper()
	var found protocol.Message
	require.Eventually(t, func() bool {
		for _, m := range s.forRun(runID) {
			if m.IsTerminal() {
				found = m
				return true
			}
		}
		return false
	}, 2*time.Second, 2*time.Millisecond)
	return found
}

type harness struct {
	factory *fakeFactory
	pool    *pool.Pool[*fakeWorker]
	sink    *recordSink
	d       *Dispatcher[*fakeWorker]
	metrics *monitoring.Metrics
}

func newHarness(t *testing.T, max int) *harness {
	t.Helper()
	h := &harness{factory: newFakeFactory(), sink: newRecordSink(), metrics: monitoring.NewMetrics()}
	p, err := pool.New(h.factory.create, pool.Options{Max: max, PollInterval: 5 * time.Millisecond, Metrics: h.metrics})
	require.NoError(t, err)
	h.pool = p
	h.d = New(p, h.sink, Options{Metrics: h.metrics})
	t.Cleanup(func() {
		h.d.Close()
		p.Close()
	})
	return h
}

func req(runID string) protocol.RunRequest {
	return protocol.RunRequest{ID: runID, Pathname: "/scripts/job.js", FunctionName: "default"}
}

func TestDispatchForwardsEventsInOrder(t *testing.T) {
	h := newHarness(t, 1)
	h.d.Dispatch(req("run_1"))

	w := h.factory.next(t)
	got := w.nextRun(t)
	assert.Equal(t, "run_1", got.ID)

	w.events <- protocol.Status("run_1", []byte("1"))
	w.events <- protocol.Status("run_1", []byte("2"))
	w.events <- protocol.Resolved("run_1", []byte("6"))

	term := h.sink.terminal(t, "run_1")
	assert.Equal(t, protocol.TypeRunResolved, term.Type)

	msgs := h.sink.forRun("run_1")
	require.Len(t, msgs, 3)
	assert.Equal(t, []protocol.Type{protocol.TypeRunStatus, protocol.TypeRunStatus, protocol.TypeRunResolved},
		[]protocol.Type{msgs[0].Type, msgs[1].Type, msgs[2].Type})
	assert.JSONEq(t, "1", string(msgs[0].Status))

	require.Eventually(t, func() bool { return h.pool.Stats().Idle == 1 }, time.Second, 2*time.Millisecond)
	assert.Zero(t, h.d.Pending())
	assert.EqualValues(t, 1, h.metrics.Snapshot().RunsResolved)
}

func TestDispatchForwardsRejection(t *testing.T) {
	h := newHarness(t, 1)
	h.d.Dispatch(req("run_1"))

	w := h.factory.next(t)
	w.nextRun(t)
	w.events <- protocol.Rejected("run_1", &plainerr.Error{Name: "Error", Message: "fail: hello"})

	term := h.sink.terminal(t, "run_1")
	require.Equal(t, protocol.TypeRunRejected, term.Type)
	assert.Equal(t, "fail: hello", term.Error.Message)
	require.Eventually(t, func() bool { return h.pool.Stats().Idle == 1 }, time.Second, 2*time.Millisecond)
}

func TestDispatchCrashRejectsAndEvicts(t *testing.T) {
	h := newHarness(t, 1)
	h.d.Dispatch(req("run_1"))

	w := h.factory.next(t)
	w.nextRun(t)
	w.die("killed", 2)

	term := h.sink.terminal(t, "run_1")
	require.Equal(t, protocol.TypeRunRejected, term.Type)
	assert.Equal(t, plainerr.NameSandboxGone, term.Error.Name)
	assert.Equal(t, "killed (2)", term.Error.Message)

	require.Eventually(t, func() bool { return h.pool.Size() == 0 }, time.Second, 2*time.Millisecond)
	assert.EqualValues(t, 1, h.metrics.Snapshot().RunsCrashed)

	// the crashed worker is replaced, never reused
	h.d.Dispatch(req("run_2"))
	w2 := h.factory.next(t)
	assert.NotEqual(t, w.ID(), w2.ID())
	w2.nextRun(t)
	w2.events <- protocol.Resolved("run_2", []byte("null"))
	assert.Equal(t, protocol.TypeRunResolved, h.sink.terminal(t, "run_2").Type)
}

func TestDispatchTerminalAndCrashSettleOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, 1)
		runID := fmt.Sprintf("run_%d", i)
		h.d.Dispatch(req(runID))

		w := h.factory.next(t)
		w.nextRun(t)
		w.events <- protocol.Resolved(runID, []byte("1"))
		w.die("crashed", 1)

		h.sink.terminal(t, runID)
		h.d.Close()

		terminals := 0
		for _, m := range h.sink.forRun(runID) {
			if m.IsTerminal() {
				terminals++
			}
		}
		assert.Equal(t, 1, terminals)
		require.Eventually(t, func() bool { return h.pool.Size() == 0 }, time.Second, 2*time.Millisecond)
	}
}

func TestDispatchCreationFailure(t *testing.T) {
	h := newHarness(t, 1)
	h.factory.fail.Store(true)
	h.d.Dispatch(req("run_1"))

	term := h.sink.terminal(t, "run_1")
	require.Equal(t, protocol.TypeRunRejected, term.Type)
	assert.Equal(t, plainerr.NameCreationFailed, term.Error.Name)
	assert.Len(t, h.sink.forRun("run_1"), 1)
	assert.EqualValues(t, 1, h.metrics.Snapshot().RunsFailed)
}

func TestDispatchQueuesBeyondCapacity(t *testing.T) {
	h := newHarness(t, 1)
	h.d.Dispatch(req("run_1"))
	h.d.Dispatch(req("run_2"))

	w := h.factory.next(t)
	first := w.nextRun(t)

	select {
	case <-h.factory.created:
		t.Fatal("second worker created beyond capacity")
	case <-time.After(30 * time.Millisecond):
	}

	w.events <- protocol.Resolved(first.ID, []byte("1"))
	second := w.nextRun(t)
	assert.NotEqual(t, first.ID, second.ID)
	w.events <- protocol.Resolved(second.ID, []byte("2"))

	h.sink.terminal(t, "run_1")
	h.sink.terminal(t, "run_2")
}

func TestAbortForwardedToWorker(t *testing.T) {
	h := newHarness(t, 1)
	h.d.Dispatch(req("run_1"))

	w := h.factory.next(t)
	w.nextRun(t)
	h.d.Abort("run_1")

	select {
	case got := <-w.aborts:
		assert.Equal(t, "run_1", got)
	case <-time.After(time.Second):
		t.Fatal("abort not forwarded")
	}

	// the dispatcher itself does not settle the run
	assert.Empty(t, h.sink.forRun("run_1"))
	w.events <- protocol.Rejected("run_1", &plainerr.Error{Name: "Error", Message: "caught abort event"})
	assert.Equal(t, "caught abort event", h.sink.terminal(t, "run_1").Error.Message)
}

func TestAbortBeforeWorkerAssigned(t *testing.T) {
	h := newHarness(t, 1)
	h.d.Dispatch(req("run_1"))
	w := h.factory.next(t)
	w.nextRun(t)

	// run_2 waits for capacity; its abort is held until it gets a worker
	h.d.Dispatch(req("run_2"))
	require.Eventually(t, func() bool { return h.d.Pending() == 2 }, time.Second, time.Millisecond)
	h.d.Abort("run_2")

	w.events <- protocol.Resolved("run_1", []byte("1"))
	assert.Equal(t, "run_2", w.nextRun(t).ID)

	select {
	case got := <-w.aborts:
		assert.Equal(t, "run_2", got)
	case <-time.After(time.Second):
		t.Fatal("pending abort not forwarded")
	}
	w.events <- protocol.Resolved("run_2", []byte("1"))
	h.sink.terminal(t, "run_2")
}

func TestAbortUnknownRunIsIgnored(t *testing.T) {
	h := newHarness(t, 1)
	h.d.Abort("run_missing")
	assert.Zero(t, h.d.Pending())
}

func TestEventsForOtherRunsAreDropped(t *testing.T) {
	h := newHarness(t, 1)
	h.d.Dispatch(req("run_1"))

	w := h.factory.next(t)
	w.nextRun(t)
	w.events <- protocol.Status("run_old", []byte("1"))
	w.events <- protocol.Resolved("run_1", []byte("1"))

	h.sink.terminal(t, "run_1")
	assert.Empty(t, h.sink.forRun("run_old"))
}

func TestDispatchPanicIsReported(t *testing.T) {
	f := newFakeFactory()
	p, err := pool.New(f.create, pool.Options{Max: 1})
	require.NoError(t, err)
	defer p.Close()

	panics := make(chan error, 1)
	d := New(p, panicSink{}, Options{OnPanic: func(err error) { panics <- err }})
	defer d.Close()

	d.Dispatch(req("run_1"))
	w := f.next(t)
	w.nextRun(t)
	w.events <- protocol.Resolved("run_1", []byte("1"))

	select {
	case err := <-panics:
		assert.ErrorContains(t, err, "sink exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("panic not reported")
	}
}

type panicSink struct{}

func (panicSink) Send(protocol.Message) error { panic("sink exploded") }

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/config"
	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/logging"
	"github.com/GriffinCanCode/scriptpool/internal/protocol"
	"github.com/GriffinCanCode/scriptpool/internal/shared/id"
	"github.com/GriffinCanCode/scriptpool/internal/shared/plainerr"
)

// DefaultFunctionName is called when a request names no function.
const DefaultFunctionName = "default"

// Options configures a Supervisor.
type Options struct {
	MinConcurrency int    // Sandboxes created eagerly in the pool process
	MaxConcurrency int    // Cap on concurrent sandboxes; 0 means 1
	DebugMode      bool   // Verbose pool-process logging
	PreloadRequire string // Module loaded into every sandbox before any run

	AcquireInterval time.Duration // Pool polling fallback; 0 keeps the pool default
	AdminAddr       string        // Serves /metrics and /stats from the pool process when set

	Command []string        // Pool process argv; defaults to this executable with PoolCommand
	Env     []string        // Extra environment for the pool process
	Logger  *logging.Logger // Optional
	Spawn   SpawnFunc       // Defaults to Spawn
}

// Request describes one script run.
type Request struct {
	Pathname     string
	FunctionName string // Defaults to DefaultFunctionName
	Args         []any
	// StatusCallback receives each status the script reports, in order, on
	// the goroutine that called RunScript.
	StatusCallback func(status any)
}

// Supervisor owns a pool process and multiplexes script runs over its channel.
type Supervisor struct {
	logger *logging.Logger
	proc   Process
	enc    *protocol.Encoder

	readyOnce sync.Once
	ready     chan struct{}
	readyErr  error

	mu      sync.Mutex
	pending map[string]*mailbox
	killed  bool

	done chan struct{}
}

// New validates opts, spawns the pool process, and starts the readiness
// handshake. It does not wait for the pool to become ready.
func New(opts Options) (*Supervisor, error) {
	if opts.MaxConcurrency == 0 {
		opts.MaxConcurrency = 1
	}
	poolCfg := config.PoolConfig{
		MinConcurrency:  opts.MinConcurrency,
		MaxConcurrency:  opts.MaxConcurrency,
		DebugMode:       opts.DebugMode,
		PreloadRequire:  opts.PreloadRequire,
		AcquireInterval: opts.AcquireInterval,
	}
	if err := poolCfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Spawn == nil {
		opts.Spawn = Spawn
	}

	command := opts.Command
	if len(command) == 0 {
		var err error
		if command, err = defaultCommand(); err != nil {
			return nil, err
		}
	}

	env := append(inheritedEnv(os.Environ()), opts.Env...)
	env = append(env, poolCfg.Environ()...)
	if opts.DebugMode {
		env = append(env, config.EnvLogDev+"=true", config.EnvLogLevel+"=debug")
	}
	if opts.AdminAddr != "" {
		env = append(env, config.EnvAdminAddr+"="+opts.AdminAddr)
	}

	proc, err := opts.Spawn(command, env)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		logger:  opts.Logger.Named("supervisor"),
		proc:    proc,
		enc:     protocol.NewEncoder(proc),
		ready:   make(chan struct{}),
		pending: make(map[string]*mailbox),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// inheritedEnv drops pool settings from the parent's environment so the
// child sees only what Options asked for.
func inheritedEnv(environ []string) []string {
	env := make([]string, 0, len(environ))
	for _, kv := range environ {
		if strings.HasPrefix(kv, config.EnvPrefix) {
			continue
		}
		env = append(env, kv)
	}
	return env
}

// Ready blocks until the pool process has completed the handshake.
func (s *Supervisor) Ready(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunScript runs the requested function in a sandbox and returns its result
// decoded as JSON (numbers are float64). Script errors are returned as
// *plainerr.Error with the original name, message, and stack.
//
// If ctx is done before the run settles, RunScript returns an error matching
// plainerr.ErrAborted and asks the sandbox to abort.
func (s *Supervisor) RunScript(ctx context.Context, req Request) (any, error) {
	raw, err := s.run(ctx, req)
	if err != nil {
		return nil, err
	}
	var v any
	if err := protocol.UnmarshalValue(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return v, nil
}

// Run runs req and decodes the result into T.
func Run[T any](ctx context.Context, s *Supervisor, req Request) (T, error) {
	var v T
	raw, err := s.run(ctx, req)
	if err != nil {
		return v, err
	}
	if err := protocol.UnmarshalValue(raw, &v); err != nil {
		return v, fmt.Errorf("failed to decode result: %w", err)
	}
	return v, nil
}

func (s *Supervisor) run(ctx context.Context, req Request) (json.RawMessage, error) {
	if req.Pathname == "" {
		return nil, errors.New("pathname is required")
	}

	runID := id.NewRunID().String()
	box := newMailbox()

	// Registered before anything is sent, so no event can miss its handler.
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return nil, plainerr.New(plainerr.NameProcessLost, "pool process lost")
	}
	s.pending[runID] = box
	s.mu.Unlock()

	select {
	case <-s.ready:
	case <-ctx.Done():
		s.remove(runID)
		return nil, aborted(ctx)
	}
	if s.readyErr != nil {
		s.remove(runID)
		return nil, s.readyErr
	}

	msg := protocol.RunRequest{
		ID:                runID,
		Pathname:          req.Pathname,
		FunctionName:      req.FunctionName,
		Args:              req.Args,
		HasStatusCallback: req.StatusCallback != nil,
		HasAbortSignal:    ctx.Done() != nil,
	}
	if msg.FunctionName == "" {
		msg.FunctionName = DefaultFunctionName
	}
	if msg.Args == nil {
		msg.Args = []any{}
	}

	start := time.Now()
	if err := s.send(msg.Message()); err != nil {
		if s.remove(runID) {
			return nil, err
		}
	}

	done := ctx.Done()
	for {
		select {
		case <-box.signal:
			for _, m := range box.drain() {
				switch m.Type {
				case protocol.TypeRunStatus:
					if req.StatusCallback != nil {
						var status any
						if err := protocol.UnmarshalValue(m.Status, &status); err != nil {
							s.logger.Warn("Undecodable status", zap.String("run", runID), zap.Error(err))
							continue
						}
						req.StatusCallback(status)
					}
				case protocol.TypeRunResolved:
					s.logger.Debug("Run resolved", zap.String("run", runID), zap.Duration("took", time.Since(start)))
					return m.Value, nil
				case protocol.TypeRunRejected:
					s.logger.Debug("Run rejected", zap.String("run", runID), zap.Duration("took", time.Since(start)))
					return nil, m.Error
				}
			}
		case <-done:
			if s.remove(runID) {
				if err := s.send(protocol.Abort(runID)); err != nil {
					s.logger.Debug("Failed to send abort", zap.String("run", runID), zap.Error(err))
				}
				return nil, aborted(ctx)
			}
			// Settled concurrently; the terminal event is already on its way.
			done = nil
		}
	}
}

// Kill rejects every pending run with reason (Killed: closed when nil) and
// terminates the pool process. Calling it again is a no-op.
func (s *Supervisor) Kill(reason error) error {
	var pe *plainerr.Error
	switch {
	case reason == nil:
		pe = plainerr.New(plainerr.NameKilled, "%s", plainerr.ErrKilled.Message)
	case errors.As(reason, &pe):
	default:
		pe = plainerr.Wrap(plainerr.NameKilled, reason)
	}
	s.kill(pe)
	<-s.done
	return nil
}

// Pending returns the number of runs awaiting a terminal event.
func (s *Supervisor) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Supervisor) kill(reason *plainerr.Error) {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return
	}
	s.killed = true
	entries := s.pending
	s.pending = make(map[string]*mailbox)
	s.mu.Unlock()

	for runID, box := range entries {
		box.put(protocol.Rejected(runID, reason))
	}
	s.markReady(reason)

	s.logger.Debug("Killing pool process", zap.String("reason", reason.Error()), zap.Int("rejected", len(entries)))
	_ = s.proc.CloseInput()
	if err := s.proc.Kill(); err != nil {
		s.logger.Warn("Failed to kill pool process", zap.Error(err))
	}
}

func (s *Supervisor) readLoop() {
	defer close(s.done)

	dec := protocol.NewDecoder(s.proc.Output())
	for {
		m, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error("Unreadable pool output", zap.Error(err))
				s.kill(plainerr.Wrap(plainerr.NameProcessLost, err))
			}
			code, waitErr := s.proc.Wait()
			if waitErr != nil {
				s.kill(plainerr.Wrap(plainerr.NameProcessLost, waitErr))
				return
			}
			s.kill(plainerr.New(plainerr.NameProcessClosed, "exited (%d)", code))
			return
		}

		if !s.isReady() {
			s.handshake(m)
			continue
		}

		switch m.Type {
		case protocol.TypeRunStatus, protocol.TypeRunResolved, protocol.TypeRunRejected:
			s.route(m)
		case protocol.TypeFatal:
			s.kill(fatalError(m))
		default:
			s.logger.Warn("Ignoring unexpected message", zap.String("type", string(m.Type)))
		}
	}
}

// handshake processes messages received before readiness.
func (s *Supervisor) handshake(m protocol.Message) {
	switch {
	case m.Type == protocol.TypeReady:
		s.markReady(nil)
		s.logger.Debug("Pool process ready")
	case m.IsRunResult():
		s.kill(plainerr.New(plainerr.NameProcessLost, "unexpected %s message", m.Type))
	case m.Type == protocol.TypeFatal:
		err := fatalError(m)
		s.markReady(plainerr.WithCause(err.Name, "fatal error "+err.Error(), err))
		s.kill(err)
	default:
		s.logger.Warn("Ignoring unexpected message", zap.String("type", string(m.Type)))
	}
}

func (s *Supervisor) route(m protocol.Message) {
	s.mu.Lock()
	box, ok := s.pending[m.ID]
	if ok && m.IsTerminal() {
		delete(s.pending, m.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("Dropping event for settled run", zap.String("run", m.ID), zap.String("type", string(m.Type)))
		return
	}
	box.put(m)
}

// remove deletes a pending entry and reports whether this call removed it.
func (s *Supervisor) remove(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[runID]; !ok {
		return false
	}
	delete(s.pending, runID)
	return true
}

func (s *Supervisor) send(m protocol.Message) error {
	s.mu.Lock()
	killed := s.killed
	s.mu.Unlock()
	if killed {
		return plainerr.New(plainerr.NameProcessLost, "pool process lost")
	}
	if err := s.enc.Encode(m); err != nil {
		return plainerr.Wrap(plainerr.NameProcessLost, err)
	}
	return nil
}

// markReady completes the handshake; a non-nil err fails it. Only the first call counts.
func (s *Supervisor) markReady(err error) {
	s.readyOnce.Do(func() {
		s.readyErr = err
		close(s.ready)
	})
}

func (s *Supervisor) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func fatalError(m protocol.Message) *plainerr.Error {
	if m.Error != nil {
		return m.Error
	}
	return plainerr.New(plainerr.NameFatal, "pool process reported a fatal error")
}

func aborted(ctx context.Context) error {
	return plainerr.WithCause(plainerr.NameAborted, plainerr.ErrAborted.Message, ctx.Err())
}

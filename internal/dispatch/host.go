package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/config"
	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/logging"
	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/scriptpool/internal/pool"
	"github.com/GriffinCanCode/scriptpool/internal/protocol"
	"github.com/GriffinCanCode/scriptpool/internal/sandbox"
	"github.com/GriffinCanCode/scriptpool/internal/shared/plainerr"
)

var errInputClosed = errors.New("input closed")

// HostOptions configures a Host.
type HostOptions struct {
	Pool      config.PoolConfig
	AdminAddr string // Optional admin endpoint; empty disables it
	Logger    *logging.Logger
	Metrics   *monitoring.Metrics
}

// Host is the pool-process end of the channel: it decodes requests from in,
// dispatches them on a worker pool, and encodes results to out.
type Host[W Worker] struct {
	dec        *protocol.Decoder
	enc        *protocol.Encoder
	pool       *pool.Pool[W]
	dispatcher *Dispatcher[W]
	adminAddr  string
	logger     *logging.Logger
	metrics    *monitoring.Metrics

	fatal chan error
}

// NewHost builds the pool and dispatcher. Nothing is sent until Serve.
func NewHost[W Worker](in io.Reader, out io.Writer, factory pool.Factory[W], opts HostOptions) (*Host[W], error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if err := opts.Pool.Validate(); err != nil {
		return nil, err
	}

	h := &Host[W]{
		dec:       protocol.NewDecoder(in),
		enc:       protocol.NewEncoder(out),
		adminAddr: opts.AdminAddr,
		logger:    opts.Logger.Named("host"),
		metrics:   opts.Metrics,
		fatal:     make(chan error, 1),
	}

	p, err := pool.New(factory, pool.Options{
		Min:          opts.Pool.MinConcurrency,
		Max:          opts.Pool.MaxConcurrency,
		PollInterval: opts.Pool.AcquireInterval,
		Logger:       opts.Logger,
		Metrics:      opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	h.pool = p
	h.dispatcher = New(p, h, Options{
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
		OnPanic: func(err error) {
			h.report(err)
			h.fail(err)
		},
	})
	return h, nil
}

// SandboxFactory creates goja-backed workers configured from cfg.
func SandboxFactory(cfg config.PoolConfig, logger *logging.Logger) pool.Factory[*sandbox.Worker] {
	scfg := sandbox.DefaultConfig()
	scfg.DebugMode = cfg.DebugMode
	scfg.PreloadRequire = cfg.PreloadRequire
	scfg.Logger = logger
	return func(ctx context.Context) (*sandbox.Worker, error) {
		return sandbox.New(ctx, scfg)
	}
}

// ServeSandboxes runs a Host over sandbox workers until in is closed.
func ServeSandboxes(ctx context.Context, in io.Reader, out io.Writer, opts HostOptions) error {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	h, err := NewHost(in, out, SandboxFactory(opts.Pool, opts.Logger.Named("sandbox")), opts)
	if err != nil {
		return err
	}
	return h.Serve(ctx)
}

// Send implements Sink. A failed write is fatal for the host.
func (h *Host[W]) Send(m protocol.Message) error {
	if err := h.enc.Encode(m); err != nil {
		h.fail(fmt.Errorf("failed to write %s message: %w", m.Type, err))
		return err
	}
	return nil
}

// Serve announces readiness and processes input until in reaches EOF (nil),
// ctx is cancelled, or a fatal error occurs. Every worker is destroyed on return.
func (h *Host[W]) Serve(ctx context.Context) error {
	defer h.pool.Close()
	defer h.dispatcher.Close()

	if err := h.enc.Encode(protocol.Ready()); err != nil {
		return fmt.Errorf("failed to announce readiness: %w", err)
	}
	h.logger.Info("Pool ready",
		zap.Int("min", h.pool.Stats().Min),
		zap.Int("max", h.pool.Stats().Max))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.readLoop(gctx)
	})
	if h.adminAddr != "" {
		g.Go(func() error {
			router := monitoring.NewRouter(h.metrics, func() any { return h.pool.Stats() })
			return monitoring.Serve(gctx, h.adminAddr, router, h.logger)
		})
	}

	err := g.Wait()
	if errors.Is(err, errInputClosed) {
		h.logger.Info("Input closed, shutting down")
		return nil
	}
	return err
}

// Stats reports the pool partition.
func (h *Host[W]) Stats() pool.Stats {
	return h.pool.Stats()
}

func (h *Host[W]) readLoop(ctx context.Context) error {
	msgs := make(chan protocol.Message)
	errc := make(chan error, 1)
	go func() {
		for {
			m, err := h.dec.Decode()
			if err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-h.fatal:
			return err
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return errInputClosed
			}
			h.report(err)
			return err
		case m := <-msgs:
			h.handle(m)
		}
	}
}

func (h *Host[W]) handle(m protocol.Message) {
	switch m.Type {
	case protocol.TypeRunScript:
		if m.ID == "" {
			h.report(fmt.Errorf("%w: run-script without id", protocol.ErrMalformed))
			h.fail(protocol.ErrMalformed)
			return
		}
		h.dispatcher.Dispatch(m.Request())
	case protocol.TypeAbortScript:
		h.dispatcher.Abort(m.ID)
	default:
		h.logger.Warn("Ignoring unexpected message", zap.String("type", string(m.Type)))
	}
}

// report sends a fatal message; the caller then stops the host.
func (h *Host[W]) report(err error) {
	h.logger.Error("Fatal error", zap.Error(err))
	if encErr := h.enc.Encode(protocol.Fatal(plainerr.From(err))); encErr != nil {
		h.logger.Error("Failed to report fatal error", zap.Error(encErr))
	}
}

// fail stops Serve with err. Only the first failure is kept.
func (h *Host[W]) fail(err error) {
	select {
	case h.fatal <- err:
	default:
	}
}

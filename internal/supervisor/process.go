package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/scriptpool/internal/dispatch"
	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/config"
	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/logging"
	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/monitoring"
)

// PoolCommand is the hidden subcommand that turns the executable into a pool process.
const PoolCommand = "_pool"

// Process is a running pool process. Writes go to its input channel.
type Process interface {
	io.Writer
	// Output is the process's message channel back to the supervisor.
	Output() io.Reader
	// CloseInput signals end of input; the pool shuts down gracefully.
	CloseInput() error
	Kill() error
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
}

// SpawnFunc starts a pool process with the given environment.
type SpawnFunc func(command []string, env []string) (Process, error)

// execProcess is a Process backed by an OS child process.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// Spawn starts command as a child process whose stdin and stdout carry the
// protocol. Stderr is inherited for pool-process logs.
func Spawn(command []string, env []string) (Process, error) {
	if len(command) == 0 {
		return nil, errors.New("empty pool command")
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = env
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start pool process: %w", err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *execProcess) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *execProcess) Output() io.Reader           { return p.stdout }
func (p *execProcess) CloseInput() error           { return p.stdin.Close() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

// defaultCommand re-executes the current binary as a pool process.
func defaultCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable: %w", err)
	}
	return []string{exe, PoolCommand}, nil
}

// ServePoolProcess is the body of a pool process: it reads its configuration
// from the environment, logs to stderr, and serves the protocol on stdin and
// stdout until stdin closes.
func ServePoolProcess(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		logCfg = logging.DevelopmentConfig()
	}
	logCfg.Level = cfg.Logging.Level
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Debug("Starting pool process",
		zap.Int("min", cfg.Pool.MinConcurrency),
		zap.Int("max", cfg.Pool.MaxConcurrency),
		zap.Bool("debug", cfg.Pool.DebugMode))

	return dispatch.ServeSandboxes(ctx, stdin, stdout, dispatch.HostOptions{
		Pool:      cfg.Pool,
		AdminAddr: cfg.Admin.Addr,
		Logger:    logger,
		Metrics:   monitoring.NewMetrics(),
	})
}

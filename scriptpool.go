// Package scriptpool runs exported functions of CommonJS scripts inside
// pooled, isolated sandboxes hosted by a separate pool process.
//
//	s, err := scriptpool.New(scriptpool.Options{MaxConcurrency: 4})
//	if err != nil {
//		return err
//	}
//	defer s.Kill(nil)
//
//	sum, err := scriptpool.Run[int](ctx, s, scriptpool.Request{
//		Pathname:     "/abs/path/math.js",
//		FunctionName: "add",
//		Args:         []any{1, 2},
//	})
//
// Programs that use the default pool command must call ServePoolMain at the
// top of main so the re-executed binary can act as the pool process.
package scriptpool

import (
	"context"
	"os"

	"github.com/GriffinCanCode/scriptpool/internal/shared/plainerr"
	"github.com/GriffinCanCode/scriptpool/internal/supervisor"
)

type (
	// Supervisor owns one pool process and multiplexes runs over it.
	Supervisor = supervisor.Supervisor
	// Options configures a Supervisor.
	Options = supervisor.Options
	// Request describes one script run.
	Request = supervisor.Request
	// Error is the plain projection of a thrown value or infrastructure failure.
	Error = plainerr.Error
)

// Errors matched with errors.Is.
var (
	ErrConfiguration  = plainerr.ErrConfiguration
	ErrCreationFailed = plainerr.ErrCreationFailed
	ErrSandboxGone    = plainerr.ErrSandboxGone
	ErrAborted        = plainerr.ErrAborted
	ErrProcessClosed  = plainerr.ErrProcessClosed
	ErrProcessLost    = plainerr.ErrProcessLost
	ErrKilled         = plainerr.ErrKilled
	ErrScript         = plainerr.ErrScript
)

// New spawns a pool process. See supervisor.New.
func New(opts Options) (*Supervisor, error) {
	return supervisor.New(opts)
}

// Run runs req and decodes the resolved value into T.
func Run[T any](ctx context.Context, s *Supervisor, req Request) (T, error) {
	return supervisor.Run[T](ctx, s, req)
}

// ServePoolMain turns the current process into a pool process when it was
// started with the pool command, and exits when the pool shuts down. It
// returns immediately otherwise.
func ServePoolMain() {
	if len(os.Args) < 2 || os.Args[1] != supervisor.PoolCommand {
		return
	}
	if err := supervisor.ServePoolProcess(context.Background(), os.Stdin, os.Stdout); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

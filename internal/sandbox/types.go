package sandbox

import (
	"errors"

	"github.com/GriffinCanCode/scriptpool/internal/infrastructure/logging"
)

var (
	ErrGone = errors.New("sandbox is gone")
	ErrBusy = errors.New("sandbox is already running a script")
)

// Config defines sandbox configuration
type Config struct {
	DebugMode        bool            // Forward console output at info level
	PreloadRequire   string          // Module loaded into every sandbox before any run
	MaxCallStackSize int             // JS call stack limit
	Logger           *logging.Logger // Receives console output and crash reports
}

// DefaultConfig returns the configuration used when the pool process has no overrides.
func DefaultConfig() Config {
	return Config{
		MaxCallStackSize: 2048,
	}
}

// crash reasons and exit codes reported through protocol.Crash
const (
	reasonCrashed   = "crashed"
	reasonKilled    = "killed"
	reasonDestroyed = "destroyed"

	exitPanic  = 1
	exitKilled = 2
)

// crashSignal unwinds the sandbox goroutine when script code asks the host to
// crash (process.crash()).
type crashSignal struct {
	reason string
	code   int
}

package plainerr

import (
	"errors"
	"fmt"
)

// Taxonomy names carried in Error.Name.
const (
	NameConfiguration  = "ConfigurationError"
	NameCreationFailed = "CreationFailed"
	NameSandboxGone    = "SandboxGone"
	NameAborted        = "Aborted"
	NameProcessClosed  = "ProcessClosed"
	NameProcessLost    = "ProcessLost"
	NameKilled         = "Killed"
	NameUnknown        = "UnknownError"
	NameFatal          = "Fatal"
)

// Sentinels for errors.Is. A decoded *Error matches the sentinel with the same name.
var (
	ErrConfiguration  = &Error{Name: NameConfiguration, Message: "invalid configuration"}
	ErrCreationFailed = &Error{Name: NameCreationFailed, Message: "sandbox creation failed"}
	ErrSandboxGone    = &Error{Name: NameSandboxGone, Message: "sandbox gone"}
	ErrAborted        = &Error{Name: NameAborted, Message: "script aborted"}
	ErrProcessClosed  = &Error{Name: NameProcessClosed, Message: "process closed"}
	ErrProcessLost    = &Error{Name: NameProcessLost, Message: "process lost"}
	ErrKilled         = &Error{Name: NameKilled, Message: "closed"}

	// ErrScript matches any error raised by script code, i.e. any name outside the taxonomy.
	ErrScript = errors.New("script error")
)

var infrastructure = map[string]bool{
	NameConfiguration:  true,
	NameCreationFailed: true,
	NameSandboxGone:    true,
	NameAborted:        true,
	NameProcessClosed:  true,
	NameProcessLost:    true,
	NameKilled:         true,
	NameFatal:          true,
}

// Error is the serializable projection of a thrown value. It crosses the
// process boundary as JSON and is reconstructed as a Go error on the other side.
type Error struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`

	cause error
}

// Error implements the error interface in the "Name: message" form scripts print.
func (e *Error) Error() string {
	if e.Name == "" {
		return e.Message
	}
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Is matches taxonomy sentinels by name and ErrScript for script-raised errors.
func (e *Error) Is(target error) bool {
	if target == ErrScript {
		return !infrastructure[e.Name]
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Name == e.Name
}

// Unwrap exposes the local cause, if any. Causes never cross the wire.
func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error with the given taxonomy name.
func New(name, format string, args ...any) *Error {
	return &Error{Name: name, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error with the given name whose message is cause's text.
// The cause stays reachable through errors.Is/As on this side of the boundary.
func Wrap(name string, cause error) *Error {
	return &Error{Name: name, Message: cause.Error(), cause: cause}
}

// WithCause builds an Error with its own message that still unwraps to cause.
func WithCause(name, message string, cause error) *Error {
	return &Error{Name: name, Message: message, cause: cause}
}

// From converts an arbitrary value into a transport-safe Error. Error-shaped
// values keep their name, message, and stack; anything else becomes UnknownError.
func From(v any) *Error {
	switch x := v.(type) {
	case nil:
		return &Error{Name: NameUnknown, Message: "null"}
	case *Error:
		return &Error{Name: x.Name, Message: x.Message, Stack: x.Stack}
	case Named:
		return &Error{Name: x.ErrorName(), Message: x.ErrorMessage(), Stack: stackOf(v)}
	case error:
		var pe *Error
		if errors.As(x, &pe) {
			return &Error{Name: pe.Name, Message: pe.Message, Stack: pe.Stack}
		}
		return &Error{Name: "Error", Message: x.Error()}
	case map[string]any:
		name, hasName := x["name"]
		msg, hasMsg := x["message"]
		if hasName || hasMsg {
			e := &Error{Name: stringOf(name), Message: stringOf(msg)}
			if s, ok := x["stack"].(string); ok {
				e.Stack = s
			}
			return e
		}
	}
	return &Error{Name: NameUnknown, Message: stringOf(v)}
}

// Named is implemented by values that carry an explicit error name, such as
// exceptions raised inside a sandbox.
type Named interface {
	ErrorName() string
	ErrorMessage() string
}

type stacker interface {
	ErrorStack() string
}

func stackOf(v any) string {
	if s, ok := v.(stacker); ok {
		return s.ErrorStack()
	}
	return ""
}

func stringOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/GriffinCanCode/scriptpool/internal/shared/plainerr"
)

// Type tags a Message.
type Type string

const (
	// client -> pool
	TypeRunScript   Type = "run-script"
	TypeAbortScript Type = "abort-script"

	// pool -> client
	TypeRunStatus   Type = "run-status"
	TypeRunResolved Type = "run-resolved"
	TypeRunRejected Type = "run-rejected"
	TypeReady       Type = "pool-ready"
	TypeFatal       Type = "fatal"
)

// Message is the tagged union exchanged between the supervisor and the pool
// process. Only the fields relevant to Type are populated.
type Message struct {
	Type Type   `json:"type"`
	ID   string `json:"id,omitempty"`

	// run-script
	Pathname          string `json:"pathname,omitempty"`
	FunctionName      string `json:"functionName,omitempty"`
	Args              []any  `json:"args,omitempty"`
	HasStatusCallback bool   `json:"hasStatusCallback,omitempty"`
	HasAbortSignal    bool   `json:"hasAbortSignal,omitempty"`

	// run-status, run-resolved
	Status json.RawMessage `json:"status,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`

	// run-rejected, fatal
	Error *plainerr.Error `json:"error,omitempty"`
}

// RunRequest is the immutable payload of a run-script message.
type RunRequest struct {
	ID                string
	Pathname          string
	FunctionName      string
	Args              []any
	HasStatusCallback bool
	HasAbortSignal    bool
}

// Message converts the request to its wire form.
func (r RunRequest) Message() Message {
	return Message{
		Type:              TypeRunScript,
		ID:                r.ID,
		Pathname:          r.Pathname,
		FunctionName:      r.FunctionName,
		Args:              r.Args,
		HasStatusCallback: r.HasStatusCallback,
		HasAbortSignal:    r.HasAbortSignal,
	}
}

// Request extracts a RunRequest from a run-script message.
func (m Message) Request() RunRequest {
	return RunRequest{
		ID:                m.ID,
		Pathname:          m.Pathname,
		FunctionName:      m.FunctionName,
		Args:              m.Args,
		HasStatusCallback: m.HasStatusCallback,
		HasAbortSignal:    m.HasAbortSignal,
	}
}

// IsRunResult reports whether m belongs to a run's event stream.
func (m Message) IsRunResult() bool {
	switch m.Type {
	case TypeRunStatus, TypeRunResolved, TypeRunRejected:
		return true
	}
	return false
}

// IsTerminal reports whether m ends a run's event stream.
func (m Message) IsTerminal() bool {
	return m.Type == TypeRunResolved || m.Type == TypeRunRejected
}

// Status builds a run-status event.
func Status(id string, status json.RawMessage) Message {
	return Message{Type: TypeRunStatus, ID: id, Status: status}
}

// Resolved builds a run-resolved event.
func Resolved(id string, value json.RawMessage) Message {
	return Message{Type: TypeRunResolved, ID: id, Value: value}
}

// Rejected builds a run-rejected event.
func Rejected(id string, err *plainerr.Error) Message {
	return Message{Type: TypeRunRejected, ID: id, Error: err}
}

// Abort builds an abort-script message.
func Abort(id string) Message {
	return Message{Type: TypeAbortScript, ID: id}
}

// Ready builds the readiness message.
func Ready() Message {
	return Message{Type: TypeReady}
}

// Fatal builds a fatal message.
func Fatal(err *plainerr.Error) Message {
	return Message{Type: TypeFatal, Error: err}
}

// Crash describes the out-of-band termination of a sandbox, as distinct from a
// script rejecting.
type Crash struct {
	Reason   string
	ExitCode int
}

// String renders the crash the way SandboxGone messages carry it.
func (c Crash) String() string {
	return fmt.Sprintf("%s (%d)", c.Reason, c.ExitCode)
}

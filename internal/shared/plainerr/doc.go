// Package plainerr converts thrown values into the plain {name, message, stack}
// record that crosses the supervisor/pool boundary, and reconstructs them as Go
// errors on the receiving side.
//
// Infrastructure failures use fixed names so callers can match them with
// errors.Is:
//
//	_, err := sup.RunScript(ctx, req)
//	switch {
//	case errors.Is(err, plainerr.ErrAborted):
//	case errors.Is(err, plainerr.ErrSandboxGone):
//	case errors.Is(err, plainerr.ErrScript):
//	}
package plainerr

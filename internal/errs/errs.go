// Package errs defines the worker's error taxonomy: StorageError,
// LinkError, ProtocolError, RemoteError, and SetupError. Callers use
// errors.As to recover the structured kind and stage from a returned
// error chain.
package errs

import (
	"errors"
	"fmt"
)

// StorageError wraps a failure from the external storage CLI: non-zero
// exit, timeout, or unparseable output. Stage names the operation
// ("list-snapshots", "create-snapshot", "estimate-send", "start-send",
// "send").
type StorageError struct {
	Stage  string
	Stderr string
	Err    error
}

func (e *StorageError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("storage: %s: %v: %s", e.Stage, e.Err, e.Stderr)
	}
	return fmt.Sprintf("storage: %s: %v", e.Stage, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// LinkError wraps a receiver-link failure: connect failure, idle timeout,
// unexpected end, malformed JSON, or an unknown event id.
type LinkError struct {
	Reason string
	Err    error
}

func (e *LinkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("link: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("link: %s", e.Reason)
}

func (e *LinkError) Unwrap() error { return e.Err }

// ProtocolError wraps a violation of the control-plane or receiver-link
// event schema: a missing field, a wrong type, or an untimely event.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol: %s", e.Reason) }

// RemoteError wraps an asynchronous {type:"error"} event reported by the
// receiver. Message is surfaced verbatim to the supervisor.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("sync error: %s", e.Message) }

// SetupError wraps a bootstrap failure: admin IP resolution or control
// listener bind.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string { return fmt.Sprintf("setup: %s: %v", e.Stage, e.Err) }

func (e *SetupError) Unwrap() error { return e.Err }

// IsKind reports whether err's chain contains an error of the same
// concrete type as target (a *StorageError, *LinkError, etc).
func IsKind[T error](err error) bool {
	var t T
	return errors.As(err, &t)
}

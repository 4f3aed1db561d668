// Package conmonerr defines the structural error kinds shared by the
// monitor's subsystems and a errorf wrapper in the style used throughout
// the teacher package (container.go, create.go, runtime.go).
package conmonerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of RPC responses and logging.
// These are the structural kinds from the error handling design; they are
// not meant to be exhaustive Go types, only sentinels usable with errors.Is.
type Kind error

var (
	// ConfigInvalid: a path does not exist or conflicts - fatal at startup.
	ConfigInvalid Kind = errors.New("invalid configuration")

	// IoError: syscall or file I/O failed.
	IoError Kind = errors.New("i/o error")

	// ProtocolError: malformed RPC or FD-socket message.
	ProtocolError Kind = errors.New("protocol error")

	// Timeout: bounded wait elapsed.
	Timeout Kind = errors.New("timeout")

	// RuntimeFailure: OCI runtime exited non-zero.
	RuntimeFailure Kind = errors.New("oci runtime failure")

	// NotFound: unknown container id or slot.
	NotFound Kind = errors.New("not found")

	// ChildSpawnFailure: fork/exec/dup2 failed.
	ChildSpawnFailure Kind = errors.New("child spawn failure")
)

// errorf wraps fmt.Errorf, kept for symmetry with the teacher's internal
// helper of the same name (container.go, create.go, runtime.go).
func errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// Wrap attaches kind to err so that errors.Is(result, kind) succeeds,
// while keeping err's message and chain intact.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Errorf formats a message and associates it with kind.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return Wrap(kind, errorf(format, args...))
}

// Package errdefs defines the error taxonomy shared by every layer:
// setup, process, not-found, capability and timeout errors, plus the
// ABORT/CONTINUE switch and typed records used by fan-out operations.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSetup marks failures that happened before a process or backend
	// operation could start (missing binary, missing credentials).
	ErrSetup = errors.New("setup failed")
	// ErrProcess marks a process that started and exited non-zero.
	ErrProcess = errors.New("process failed")
	// ErrNotFound marks an unresolved host, agent, snapshot or volume reference.
	ErrNotFound = errors.New("not found")
	// ErrUnsupported marks an operation the backend does not provide.
	ErrUnsupported = errors.New("unsupported by provider")
	// ErrTimeout marks a wait that exceeded its budget.
	ErrTimeout = errors.New("timeout")
)

// SetupError is returned when a process or backend operation could not be started.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string { return fmt.Sprintf("setup %s: %v", e.Op, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }
func (e *SetupError) Is(target error) bool {
	return target == ErrSetup //nolint:errorlint
}

// ProcessError carries the exit code and captured stderr of a failed process.
type ProcessError struct {
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", strings.Join(e.Argv, " "), e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + tail(s, 512) //nolint:mnd
	}
	return msg
}

func (e *ProcessError) Is(target error) bool {
	return target == ErrProcess //nolint:errorlint
}

// NotFoundError names the kind and reference that could not be resolved.
type NotFoundError struct {
	Kind string // host, agent, snapshot, volume
	Ref  string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.Ref) }
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound //nolint:errorlint
}

// NotFound is shorthand for &NotFoundError{Kind: kind, Ref: ref}.
func NotFound(kind, ref string) error { return &NotFoundError{Kind: kind, Ref: ref} }

// CapabilityError is returned when a provider lacks the capability an operation needs.
type CapabilityError struct {
	Provider   string
	Capability string
	Op         string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("provider %s does not support %s (%s)", e.Provider, e.Capability, e.Op)
}

func (e *CapabilityError) Is(target error) bool {
	return target == ErrUnsupported //nolint:errorlint
}

// TimeoutError reports a bounded wait that ran out. The waited-on resource
// is left untouched.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s: timed out after %s", e.Op, e.Timeout) }
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout //nolint:errorlint
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Package exec launches child processes under a target OS identity, with
// merged output streaming, full-stdin delivery, timeout enforcement, and
// cooperative cancellation. It is the only place in the service that touches
// privilege switching.
package exec

import (
	"context"
	"errors"
	"time"
)

// ExecutorType represents the identity-switching mechanism in use.
type ExecutorType string

// Executor type constants.
const (
	// ExecutorTypeLocal runs children as the service's own user. Used in
	// tests and single-user deployments.
	ExecutorTypeLocal ExecutorType = "local"

	// ExecutorTypeSetuid switches real and effective identity directly.
	// Requires the service to run as the super-user.
	ExecutorTypeSetuid ExecutorType = "setuid"

	// ExecutorTypeSudo spawns through a pre-configured privilege-elevation
	// rule that allows non-interactive execution as the listed users.
	ExecutorTypeSudo ExecutorType = "sudo"
)

// ExitCancelled is the distinguished exit code recorded when a child was
// terminated by cancellation or timeout rather than exiting on its own.
const ExitCancelled = -1

// DefaultGrace is the gap between the termination signal and the force-kill.
const DefaultGrace = 5 * time.Second

var (
	// ErrUserUnknown means the target identity does not exist in the host
	// user database.
	ErrUserUnknown = errors.New("target user unknown")

	// ErrNotPermitted means the executor lacks the privilege to switch to
	// the target identity.
	ErrNotPermitted = errors.New("insufficient privilege to switch identity")

	// ErrEmptyCommand means Run was called with no argv.
	ErrEmptyCommand = errors.New("command cannot be empty")
)

// Executor runs one command under a target identity.
type Executor interface {
	// Run executes a command with the given options and returns the result.
	// err is non-nil only for launch failures (unknown user, missing
	// executable, bad working directory); a child that started and exited
	// non-zero yields err == nil with the code in Result.ExitCode.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor type name for logging/debugging.
	Name() ExecutorType

	// Available returns true if this executor can be used in the current
	// environment.
	Available() bool
}

// Opts contains options for command execution.
type Opts struct {
	// User is the target identity. Empty means the current user.
	User string

	// WorkDir is the working directory for the command.
	WorkDir string

	// Env contains KEY=VALUE overlays applied on top of the identity's
	// base environment (HOME, USER, LOGNAME, PATH).
	Env []string

	// Stdin, when non-empty, is written to the child in full and the pipe
	// closed. This sidesteps shell escaping for multi-line prompts.
	Stdin []byte

	// Timeout bounds execution, measured from process start. Zero means
	// no limit.
	Timeout time.Duration

	// Grace is the SIGTERM-to-SIGKILL gap. Zero means DefaultGrace.
	Grace time.Duration

	// OnOutput, when set, receives each chunk of the merged
	// stdout+stderr stream in emission order, concurrently with the
	// child's execution. Chunks concatenate to the raw stream.
	OnOutput func(chunk []byte)
}

// Result contains the result of command execution.
type Result struct {
	// ExitCode is the child's exit code; ExitCancelled when the child was
	// killed by cancellation or timeout.
	ExitCode int

	// Cancelled is true when the caller's context ended the child.
	Cancelled bool

	// TimedOut is true when Opts.Timeout ended the child.
	TimedOut bool

	// Output is the merged stdout+stderr captured before exit.
	Output string

	// Duration is how long the command took to execute.
	Duration time.Duration

	// ExecutorUsed indicates which executor ran the command.
	ExecutorUsed ExecutorType
}

// Signalled reports whether the child was ended by cancel or timeout.
func (r Result) Signalled() bool {
	return r.Cancelled || r.TimedOut
}

package exec

import (
	"context"
	"os"
	"os/exec"
	"syscall"
)

// LocalExec executes commands directly as the service's own user, with no
// identity switch. It backs single-user deployments and the test suites.
type LocalExec struct{}

// NewLocalExec creates a new LocalExec executor.
func NewLocalExec() *LocalExec {
	return &LocalExec{}
}

// Name returns the executor type name.
func (e *LocalExec) Name() ExecutorType {
	return ExecutorTypeLocal
}

// Available returns true since local execution is always available.
func (e *LocalExec) Available() bool {
	return true
}

// Run executes a command locally with the given options. Opts.User is
// ignored; the child runs as the current user.
func (e *LocalExec) Run(ctx context.Context, cmd []string, opts *Opts) (Result, error) {
	if len(cmd) == 0 {
		return Result{ExitCode: ExitCancelled, ExecutorUsed: e.Name()}, ErrEmptyCommand
	}
	if opts == nil {
		opts = &Opts{}
	}

	execCmd := exec.Command(cmd[0], cmd[1:]...)
	execCmd.Env = append(os.Environ(), opts.Env...)
	execCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	return run(ctx, execCmd, opts, e.Name())
}

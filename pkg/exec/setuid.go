package exec

import (
	"context"
	"os"
	"os/exec"
	"syscall"
)

// SetuidExec switches the child's real and effective identity directly via
// process credentials. The service must run as the super-user; this is the
// "superuser-switch" impersonation mode.
type SetuidExec struct{}

// NewSetuidExec creates a new SetuidExec executor.
func NewSetuidExec() *SetuidExec {
	return &SetuidExec{}
}

// Name returns the executor type name.
func (e *SetuidExec) Name() ExecutorType {
	return ExecutorTypeSetuid
}

// Available reports whether the service can set arbitrary credentials.
func (e *SetuidExec) Available() bool {
	return os.Geteuid() == 0
}

// Run executes cmd as opts.User. The child gets the target's HOME, USER,
// LOGNAME and the service's PATH, with opts.Env overlaid.
func (e *SetuidExec) Run(ctx context.Context, cmd []string, opts *Opts) (Result, error) {
	if len(cmd) == 0 {
		return Result{ExitCode: ExitCancelled, ExecutorUsed: e.Name()}, ErrEmptyCommand
	}
	if opts == nil {
		opts = &Opts{}
	}

	id, err := lookupIdentity(opts.User)
	if err != nil {
		return Result{ExitCode: ExitCancelled, ExecutorUsed: e.Name()}, err
	}
	if !e.Available() {
		return Result{ExitCode: ExitCancelled, ExecutorUsed: e.Name()}, ErrNotPermitted
	}

	execCmd := exec.Command(cmd[0], cmd[1:]...)
	execCmd.Env = baseEnv(id, opts.Env)
	execCmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Credential: &syscall.Credential{
			Uid:    id.uid,
			Gid:    id.gid,
			Groups: id.groups,
		},
	}

	return run(ctx, execCmd, opts, e.Name())
}

package exec

import (
	"context"
	"os"
	"os/exec"
	"syscall"
)

// SudoExec spawns children through a pre-configured privilege-elevation rule
// allowing non-interactive execution as the listed users. This is the
// "elevation-rule" impersonation mode: the service account itself stays
// unprivileged.
type SudoExec struct {
	sudoPath string
}

// NewSudoExec creates a new SudoExec executor.
func NewSudoExec() *SudoExec {
	path, _ := exec.LookPath("sudo")
	return &SudoExec{sudoPath: path}
}

// Name returns the executor type name.
func (e *SudoExec) Name() ExecutorType {
	return ExecutorTypeSudo
}

// Available reports whether the elevation binary exists on PATH.
func (e *SudoExec) Available() bool {
	return e.sudoPath != ""
}

// Run executes cmd as opts.User via the elevation rule. The rule resets the
// environment, so overlays travel through env(1) inside the elevated call;
// -H gives the child the target's HOME.
func (e *SudoExec) Run(ctx context.Context, cmd []string, opts *Opts) (Result, error) {
	if len(cmd) == 0 {
		return Result{ExitCode: ExitCancelled, ExecutorUsed: e.Name()}, ErrEmptyCommand
	}
	if opts == nil {
		opts = &Opts{}
	}
	if !e.Available() {
		return Result{ExitCode: ExitCancelled, ExecutorUsed: e.Name()}, ErrNotPermitted
	}
	if _, err := lookupIdentity(opts.User); err != nil {
		return Result{ExitCode: ExitCancelled, ExecutorUsed: e.Name()}, err
	}

	argv := buildElevatedArgv(e.sudoPath, opts.User, cmd, opts.Env)
	execCmd := exec.Command(argv[0], argv[1:]...)
	execCmd.Env = os.Environ()
	execCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	return run(ctx, execCmd, opts, e.Name())
}

// buildElevatedArgv assembles: sudo -n -H -u <user> -- [env K=V ...] cmd...
// -n forbids password prompts so a missing rule fails fast instead of
// hanging the worker.
func buildElevatedArgv(sudoPath, user string, cmd, env []string) []string {
	argv := []string{sudoPath, "-n", "-H", "-u", user, "--"}
	if len(env) > 0 {
		argv = append(argv, "env")
		argv = append(argv, env...)
	}
	return append(argv, cmd...)
}

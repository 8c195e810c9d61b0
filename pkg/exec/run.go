package exec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// run drives a prepared command through start, streaming, and exit. The
// command must have SysProcAttr.Setpgid set so the whole process group can
// be signalled; every backend does that.
func run(ctx context.Context, cmd *exec.Cmd, opts *Opts, name ExecutorType) (Result, error) {
	if opts == nil {
		opts = &Opts{}
	}

	if opts.WorkDir != "" {
		if _, err := os.Stat(opts.WorkDir); err != nil {
			return Result{ExitCode: ExitCancelled, ExecutorUsed: name},
				fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
		}
		cmd.Dir = opts.WorkDir
	}

	// stdout and stderr merge into one pipe so interleaving matches what
	// the child emitted.
	pr, pw, err := os.Pipe()
	if err != nil {
		return Result{ExitCode: ExitCancelled, ExecutorUsed: name}, fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	var stdin io.WriteCloser
	if len(opts.Stdin) > 0 {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			pr.Close()
			pw.Close()
			return Result{ExitCode: ExitCancelled, ExecutorUsed: name}, fmt.Errorf("stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return Result{ExitCode: ExitCancelled, ExecutorUsed: name}, launchError(err)
	}
	start := time.Now()
	pw.Close() // child holds its own copy

	if stdin != nil {
		go func(data []byte) {
			_, _ = stdin.Write(data)
			stdin.Close()
		}(opts.Stdin)
	}

	// Reader drains the merged stream line by line until EOF, forwarding
	// each chunk in order.
	var captured bytes.Buffer
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		reader := bufio.NewReader(pr)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				captured.Write(line)
				if opts.OnOutput != nil {
					chunk := make([]byte, len(line))
					copy(chunk, line)
					opts.OnOutput(chunk)
				}
			}
			if err != nil {
				return
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	grace := opts.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	result := Result{ExecutorUsed: name}
	var waitErr error

	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		result.Cancelled = true
		waitErr = terminate(cmd, waitCh, grace)
	case <-timeout:
		result.TimedOut = true
		waitErr = terminate(cmd, waitCh, grace)
	}

	// Let the reader drain whatever the child flushed before death. A
	// grandchild that inherited the pipe and outlived the group would
	// otherwise hold the reader open forever.
	select {
	case <-readerDone:
	case <-time.After(500 * time.Millisecond):
		pr.Close()
		<-readerDone
	}
	pr.Close()

	result.Duration = time.Since(start)
	result.Output = captured.String()
	result.ExitCode = exitCode(waitErr)
	if result.Signalled() {
		result.ExitCode = ExitCancelled
	}
	return result, nil
}

// terminate signals the child's process group, waits out the grace period,
// then force-kills. Returns the child's wait error.
func terminate(cmd *exec.Cmd, waitCh chan error, grace time.Duration) error {
	signalGroup(cmd, syscall.SIGTERM)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}
	signalGroup(cmd, syscall.SIGKILL)
	return <-waitCh
}

// signalGroup delivers sig to the whole process group, falling back to the
// direct process if the group is already gone.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}

// exitCode maps a Wait error to the child's exit code. Non-zero exits are
// not launch errors; callers check the code.
func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return ExitCancelled
}

// launchError classifies errors from Start into the package sentinels where
// possible.
func launchError(err error) error {
	if os.IsPermission(err) {
		return fmt.Errorf("%w: %v", ErrNotPermitted, err)
	}
	return err
}

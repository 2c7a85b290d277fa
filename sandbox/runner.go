package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// RealCommandRunner implements CommandRunner with os/exec. The child runs in
// its own process group so the whole tree can be killed at the deadline.
type RealCommandRunner struct{}

// RunCommand executes the command, streaming stdout and stderr into buffers
// while it runs. A command still alive at cmd.Timeout is killed with SIGKILL
// and reported as ErrTimeout without any partial output.
func (RealCommandRunner) RunCommand(ctx context.Context, spec Command) (Output, error) {
	if spec.Timeout <= 0 {
		return Output{}, &BackendError{Kind: FailureSetup, Err: fmt.Errorf("timeout must be positive, got %s", spec.Timeout)}
	}

	path, err := exec.LookPath(spec.Path)
	if err != nil {
		return Output{}, &BackendError{Kind: FailureUnavailable, Err: err}
	}

	cmd := exec.Command(path, spec.Args...) //nolint:gosec // Arguments are built by the backends
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Output{}, &BackendError{Kind: FailureSetup, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Output{}, &BackendError{Kind: FailureSetup, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, syscall.ENOENT) {
			return Output{}, &BackendError{Kind: FailureUnavailable, Err: err}
		}
		return Output{}, &BackendError{Kind: FailureSetup, Err: fmt.Errorf("start %s: %w", spec.Path, err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	pid := cmd.Process.Pid
	stopKill := context.AfterFunc(runCtx, func() {
		// Negative pid addresses the process group created by Setpgid.
		_ = unix.Kill(-pid, unix.SIGKILL)
		// Descendants that left the group may still hold the pipes open.
		_ = stdoutPipe.Close()
		_ = stderrPipe.Close()
	})

	var stdoutBuf, stderrBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&stdoutBuf, stdoutPipe)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&stderrBuf, stderrPipe)
		return err
	})
	copyErr := g.Wait()
	waitErr := cmd.Wait()

	if !stopKill() {
		// The kill hook ran: either the deadline elapsed or the caller gave up.
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, &BackendError{Kind: FailureTimeout, Err: fmt.Errorf("killed after %s", spec.Timeout)}
	}

	if copyErr != nil {
		return Output{}, &BackendError{Kind: FailureSetup, Err: fmt.Errorf("capture output: %w", copyErr)}
	}

	out := Output{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return Output{}, &BackendError{Kind: FailureSetup, Err: fmt.Errorf("wait: %w", waitErr)}
		}
		if exitErr.Exited() {
			code := exitErr.ExitCode()
			out.ExitCode = &code
		}
		return out, nil
	}

	code := 0
	out.ExitCode = &code
	return out, nil
}

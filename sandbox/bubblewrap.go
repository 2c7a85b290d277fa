package sandbox

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"
)

// BubblewrapExecutor runs the payload inside a bwrap namespace sandbox with a
// read-only view of the host system, a private /tmp, no network and no
// capabilities. Resource ceilings are applied by a ulimit shell inside the
// namespace.
type BubblewrapExecutor struct {
	executorBase
}

// NewBubblewrapExecutor creates a new BubblewrapExecutor
func NewBubblewrapExecutor(logger *zap.Logger, config *Config, opts ...Option) *BubblewrapExecutor {
	return &BubblewrapExecutor{executorBase: newExecutorBase(BackendBubblewrap, logger, config, opts)}
}

// Execute runs the payload under bwrap
func (b *BubblewrapExecutor) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	bwrap, err := b.requireTool("bwrap")
	if err != nil {
		return ExecuteResult{}, err
	}
	if err := b.checkRequest(req); err != nil {
		return ExecuteResult{}, err
	}

	args := bwrapArgs(filepath.Dir(req.ExecutablePath), req.WorkDir)
	args = append(args, "--")
	args = append(args, limitedArgv(b.config.Limits, append([]string{req.ExecutablePath}, req.Args...)...)...)

	return b.run(ctx, Command{
		Path:    bwrap,
		Args:    args,
		Dir:     req.workDir(),
		Timeout: req.Timeout,
	})
}

// bwrapArgs builds the namespace restrictions shared by the bubblewrap and
// user-mode emulation backends. execDir is exposed read-only; workDir, when
// set, is the only writable host path.
func bwrapArgs(execDir, workDir string, extraROBinds ...string) []string {
	args := []string{
		// System directories are read-only
		"--ro-bind", "/usr", "/usr",
		"--ro-bind-try", "/lib", "/lib",
		"--ro-bind-try", "/lib64", "/lib64",
		"--ro-bind-try", "/bin", "/bin",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		// New user, pid, ipc, uts, cgroup and network namespaces
		"--unshare-all",
		"--new-session",
		"--die-with-parent",
		"--cap-drop", "ALL",
		"--ro-bind", execDir, execDir,
	}
	for _, dir := range extraROBinds {
		args = append(args, "--ro-bind", dir, dir)
	}

	chdir := execDir
	if workDir != "" {
		args = append(args, "--bind", workDir, workDir)
		chdir = workDir
	}
	return append(args, "--chdir", chdir)
}

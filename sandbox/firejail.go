package sandbox

import (
	"context"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
)

// FirejailExecutor runs the payload inside a firejail sandbox with a private
// home, /tmp and /dev, seccomp filtering, no capabilities and no network.
// firejail enforces the resource ceilings itself.
type FirejailExecutor struct {
	executorBase
}

// NewFirejailExecutor creates a new FirejailExecutor
func NewFirejailExecutor(logger *zap.Logger, config *Config, opts ...Option) *FirejailExecutor {
	return &FirejailExecutor{executorBase: newExecutorBase(BackendFirejail, logger, config, opts)}
}

// Execute runs the payload under firejail
func (f *FirejailExecutor) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	firejail, err := f.requireTool("firejail")
	if err != nil {
		return ExecuteResult{}, err
	}
	if err := f.checkRequest(req); err != nil {
		return ExecuteResult{}, err
	}

	args := append(firejailArgs(f.config.Limits, filepath.Dir(req.ExecutablePath), req.workDir()), req.ExecutablePath)
	args = append(args, req.Args...)

	return f.run(ctx, Command{
		Path:    firejail,
		Args:    args,
		Dir:     req.workDir(),
		Timeout: req.Timeout,
	})
}

// firejailArgs builds the option list. --private replaces the home tree with
// privateDir, so an executable installed under a home directory is
// whitelisted back in and mounted read-only.
func firejailArgs(l Limits, execDir, privateDir string) []string {
	args := []string{
		"--noprofile",
		"--quiet",
		"--private=" + privateDir,
	}
	if execDir != privateDir {
		args = append(args, "--whitelist="+execDir, "--read-only="+execDir)
	}
	args = append(args,
		"--private-tmp",
		"--private-dev",
		"--caps.drop=all",
		"--nonewprivs",
		"--noroot",
		"--seccomp",
		"--net=none",
	)
	if l.MemoryMB > 0 {
		args = append(args, "--rlimit-as="+strconv.Itoa(l.MemoryMB*BytesPerMB))
	}
	if l.CPUTimeSec > 0 {
		args = append(args, "--rlimit-cpu="+strconv.Itoa(l.CPUTimeSec))
	}
	if l.MaxFileSizeMB > 0 {
		args = append(args, "--rlimit-fsize="+strconv.Itoa(l.MaxFileSizeMB*BytesPerMB))
	}
	if l.MaxOpenFiles > 0 {
		args = append(args, "--rlimit-nofile="+strconv.Itoa(l.MaxOpenFiles))
	}
	if l.MaxProcesses > 0 {
		args = append(args, "--rlimit-nproc="+strconv.Itoa(l.MaxProcesses))
	}
	return args
}

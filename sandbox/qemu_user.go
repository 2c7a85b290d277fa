package sandbox

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
)

// QEMUUserExecutor runs the payload through the user-mode emulator inside a
// bwrap namespace. The executable is executed from a disposable copy so the
// emulator never touches the original file.
type QEMUUserExecutor struct {
	executorBase
}

// NewQEMUUserExecutor creates a new QEMUUserExecutor
func NewQEMUUserExecutor(logger *zap.Logger, config *Config, opts ...Option) *QEMUUserExecutor {
	return &QEMUUserExecutor{executorBase: newExecutorBase(BackendQEMUUser, logger, config, opts)}
}

// Execute runs the payload under qemu user-mode emulation
func (q *QEMUUserExecutor) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	cfg := q.config.QEMUUser
	bwrap, err := q.requireTool("bwrap")
	if err != nil {
		return ExecuteResult{}, err
	}
	emulator, err := q.requireTool(cfg.Binary)
	if err != nil {
		return ExecuteResult{}, err
	}
	if err := q.checkRequest(req); err != nil {
		return ExecuteResult{}, err
	}

	copyDir, err := q.fs.MkdirTemp("", "tracebox-qemu-user-*")
	if err != nil {
		return ExecuteResult{}, setupFailure(q.name, fmt.Errorf("create scratch dir: %w", err))
	}
	defer func() {
		if rmErr := q.fs.RemoveAll(copyDir); rmErr != nil {
			q.logger.Error("failed to remove scratch directory", zap.String("path", copyDir), zap.Error(rmErr))
		}
	}()

	payload := filepath.Join(copyDir, filepath.Base(req.ExecutablePath))
	if err := q.fs.CopyFile(req.ExecutablePath, payload, ExecPermission); err != nil {
		return ExecuteResult{}, setupFailure(q.name, fmt.Errorf("copy executable: %w", err))
	}

	var roBinds []string
	if cfg.LibRoot != "" {
		roBinds = append(roBinds, cfg.LibRoot)
	}
	roBinds = append(roBinds, filepath.Dir(emulator))

	argv := []string{emulator}
	if cfg.LibRoot != "" {
		argv = append(argv, "-L", cfg.LibRoot)
	}
	argv = append(argv, payload)
	argv = append(argv, req.Args...)

	args := bwrapArgs(copyDir, req.WorkDir, roBinds...)
	args = append(args, "--")
	args = append(args, limitedArgv(q.config.Limits, argv...)...)

	return q.run(ctx, Command{
		Path:    bwrap,
		Args:    args,
		Dir:     req.workDir(),
		Timeout: req.Timeout,
	})
}

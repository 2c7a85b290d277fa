package sandbox

import (
	"context"

	"go.uber.org/zap"
)

// LocalExecutor runs the payload directly on the host with only coarse
// resource ceilings applied by the shell's ulimit. It is always available and
// is the last link of every fallback chain.
type LocalExecutor struct {
	executorBase
}

// NewLocalExecutor creates a new LocalExecutor with default implementations and optional interfaces
func NewLocalExecutor(logger *zap.Logger, config *Config, opts ...Option) *LocalExecutor {
	return &LocalExecutor{executorBase: newExecutorBase(BackendFallback, logger, config, opts)}
}

// Execute runs the payload under ulimit (WARNING: no namespace isolation)
func (l *LocalExecutor) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if err := l.checkRequest(req); err != nil {
		return ExecuteResult{}, err
	}

	argv := limitedArgv(l.config.Limits, append([]string{req.ExecutablePath}, req.Args...)...)

	return l.run(ctx, Command{
		Path:    argv[0],
		Args:    argv[1:],
		Dir:     req.workDir(),
		Timeout: req.Timeout,
	})
}

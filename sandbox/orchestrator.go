package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// strengthOrder lists the backends from strongest to weakest isolation.
var strengthOrder = []Backend{
	BackendQEMU,
	BackendQEMUUser,
	BackendBubblewrap,
	BackendFirejail,
	BackendFallback,
}

// ParseBackend validates a backend selector.
func ParseBackend(s string) (Backend, error) {
	for _, b := range strengthOrder {
		if string(b) == s {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown sandbox backend %q", s)
}

// Chain returns the ordered list of backends tried for a selector: the
// selected backend first, then every other backend by decreasing strength.
// The fallback backend is always last, and selecting it alone skips every
// isolation tool.
func Chain(selector Backend) []Backend {
	if selector == BackendFallback {
		return []Backend{BackendFallback}
	}
	chain := make([]Backend, 0, len(strengthOrder))
	chain = append(chain, selector)
	for _, b := range strengthOrder {
		if b != selector {
			chain = append(chain, b)
		}
	}
	return chain
}

// Orchestrator composes the backends into one fallback chain.
type Orchestrator struct {
	logger    *zap.Logger
	executors map[Backend]SandboxExecutor
}

// NewOrchestrator creates an Orchestrator over the given executors. A backend
// without an executor is skipped when its turn in the chain comes.
func NewOrchestrator(logger *zap.Logger, executors ...SandboxExecutor) *Orchestrator {
	byName := make(map[Backend]SandboxExecutor, len(executors))
	for _, e := range executors {
		byName[e.Name()] = e
	}
	return &Orchestrator{
		logger:    logger,
		executors: byName,
	}
}

// Run tries each backend of the request's chain in order and returns the
// first result. A process exiting nonzero is a result and ends the chain.
// When every backend fails the error is a *ChainError.
func (o *Orchestrator) Run(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if _, err := os.Stat(req.ExecutablePath); err != nil {
		return ExecuteResult{}, fmt.Errorf("%w: %s", ErrExecutableNotFound, req.ExecutablePath)
	}

	selector := req.Backend
	if selector == "" {
		selector = BackendQEMU
	}

	var failures []error
	for _, backend := range Chain(selector) {
		if err := ctx.Err(); err != nil {
			return ExecuteResult{}, err
		}

		executor, ok := o.executors[backend]
		if !ok {
			failures = append(failures, unavailable(backend, errors.New("no executor registered")))
			continue
		}

		o.logger.Debug("trying sandbox backend", zap.String("backend", string(backend)))
		result, err := executor.Execute(ctx, req)
		if err == nil {
			o.logger.Info("sandboxed execution finished",
				zap.String("backend", string(backend)),
				zap.Bool("success", result.Success))
			return result, nil
		}

		if ctx.Err() != nil {
			return ExecuteResult{}, ctx.Err()
		}

		o.logger.Warn("sandbox backend failed, falling through",
			zap.String("backend", string(backend)),
			zap.Error(err))
		failures = append(failures, err)
	}

	return ExecuteResult{}, &ChainError{Failures: failures}
}

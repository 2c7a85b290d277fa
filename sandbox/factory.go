package sandbox

import (
	"go.uber.org/zap"
)

// NewExecutors creates one executor per backend, sharing the same seams.
func NewExecutors(logger *zap.Logger, config *Config, opts ...Option) []SandboxExecutor {
	return []SandboxExecutor{
		NewQEMUExecutor(logger, config, opts...),
		NewQEMUUserExecutor(logger, config, opts...),
		NewBubblewrapExecutor(logger, config, opts...),
		NewFirejailExecutor(logger, config, opts...),
		NewLocalExecutor(logger, config, opts...),
	}
}

// NewDefaultOrchestrator creates an Orchestrator over every backend
func NewDefaultOrchestrator(logger *zap.Logger, config *Config, opts ...Option) *Orchestrator {
	return NewOrchestrator(logger, NewExecutors(logger, config, opts...)...)
}

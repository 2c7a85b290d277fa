// Package sandbox provides secure execution of untrusted binaries.
//
// The sandbox package implements the execution engine for running an
// externally supplied executable in isolated environments. It supports
// multiple backends (full-system emulation, user-mode emulation, bubblewrap,
// firejail and a resource-limited local fallback) composed into a single
// fallback chain by the Orchestrator.
//
// The package defines the SandboxExecutor interface and one implementation
// per isolation backend. Every executor wraps the payload in its own argv and
// hands the result to a shared CommandRunner, which spawns the process in a
// fresh process group, copies both output pipes while it runs and kills the
// group at the deadline.
//
// Usage:
//
//	orch := sandbox.NewDefaultOrchestrator(logger, &sandbox.Config{Limits: limits})
//	result, err := orch.Run(ctx, sandbox.ExecuteRequest{
//	    ExecutablePath: "/opt/ctrace/bin/ctrace",
//	    Args:           []string{"--input=main.c", "--static"},
//	    WorkDir:        jobDir,
//	    Timeout:        30 * time.Second,
//	    Backend:        sandbox.BackendBubblewrap,
//	})
package sandbox

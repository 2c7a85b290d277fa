package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Limits are the coarse per-process ceilings every backend applies.
type Limits struct {
	CPUTimeSec    int
	MaxOpenFiles  int
	MaxProcesses  int
	MemoryMB      int
	MaxFileSizeMB int
}

// Config holds configuration shared by the sandbox executors.
type Config struct {
	Limits   Limits
	QEMU     QEMUConfig
	QEMUUser QEMUUserConfig
}

// QEMUConfig configures the full-system emulation backend.
type QEMUConfig struct {
	Binary   string
	Kernel   string
	Initrd   string
	MemoryMB int
	ImageDir string
}

// QEMUUserConfig configures the user-mode emulation backend.
type QEMUUserConfig struct {
	Binary  string
	LibRoot string
}

// Option configures the injectable seams of an executor.
type Option func(*executorBase)

// WithCommandRunner sets the CommandRunner used to spawn processes
func WithCommandRunner(cmdRunner CommandRunner) Option {
	return func(b *executorBase) {
		b.cmdRunner = cmdRunner
	}
}

// WithFileSystem sets the FileSystem used for per-invocation scratch space
func WithFileSystem(fs FileSystem) Option {
	return func(b *executorBase) {
		b.fs = fs
	}
}

// WithLookPath replaces the lookup used to detect installed isolation tools
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(b *executorBase) {
		b.lookPath = lookPath
	}
}

// executorBase carries what all five backends share: the spawn primitive,
// the file system seam and tool discovery.
type executorBase struct {
	name      Backend
	logger    *zap.Logger
	config    *Config
	cmdRunner CommandRunner
	fs        FileSystem
	lookPath  func(string) (string, error)
}

func newExecutorBase(name Backend, logger *zap.Logger, config *Config, opts []Option) executorBase {
	b := executorBase{
		name:      name,
		logger:    logger.With(zap.String("backend", string(name))),
		config:    config,
		cmdRunner: &RealCommandRunner{},
		fs:        &RealFileSystem{},
		lookPath:  exec.LookPath,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// Name returns the backend identifier.
func (b *executorBase) Name() Backend {
	return b.name
}

// requireTool resolves an isolation tool binary or fails as unavailable.
func (b *executorBase) requireTool(tool string) (string, error) {
	path, err := b.lookPath(tool)
	if err != nil {
		return "", unavailable(b.name, fmt.Errorf("%s is not installed: %w", tool, err))
	}
	return path, nil
}

// checkRequest enforces the preconditions shared by every backend.
func (b *executorBase) checkRequest(req ExecuteRequest) error {
	if req.Timeout <= 0 {
		return setupFailure(b.name, fmt.Errorf("timeout must be positive, got %s", req.Timeout))
	}
	exists, err := b.fs.FileExists(req.ExecutablePath)
	if err != nil {
		return setupFailure(b.name, fmt.Errorf("stat executable: %w", err))
	}
	if !exists {
		return setupFailure(b.name, fmt.Errorf("%w: %s", ErrExecutableNotFound, req.ExecutablePath))
	}
	return nil
}

// run hands the wrapped command to the runner and normalizes the outcome.
func (b *executorBase) run(ctx context.Context, cmd Command) (ExecuteResult, error) {
	b.logger.Debug("spawning sandboxed process",
		zap.String("path", cmd.Path),
		zap.Strings("args", cmd.Args),
		zap.Duration("timeout", cmd.Timeout))

	out, err := b.cmdRunner.RunCommand(ctx, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return ExecuteResult{}, ctx.Err()
		}
		return ExecuteResult{}, classify(b.name, err)
	}
	return newResult(b.name, out.ExitCode, out.Stdout, out.Stderr), nil
}

// ulimitScript is the shell prologue that applies limits before replacing
// itself with the payload. The payload path and arguments are passed as
// positional parameters so they are never interpreted by the shell.
func ulimitScript(l Limits) string {
	var parts []string
	if l.CPUTimeSec > 0 {
		parts = append(parts, "ulimit -t "+strconv.Itoa(l.CPUTimeSec))
	}
	if l.MaxOpenFiles > 0 {
		parts = append(parts, "ulimit -n "+strconv.Itoa(l.MaxOpenFiles))
	}
	if l.MaxProcesses > 0 {
		// bash spells the process limit -u, dash spells it -p.
		n := strconv.Itoa(l.MaxProcesses)
		parts = append(parts, "{ ulimit -u "+n+" || ulimit -p "+n+"; } 2>/dev/null")
	}
	if l.MemoryMB > 0 {
		parts = append(parts, "ulimit -v "+strconv.Itoa(l.MemoryMB*BytesPerKB))
	}
	if l.MaxFileSizeMB > 0 {
		// ulimit -f counts 512-byte blocks in POSIX shells.
		parts = append(parts, "ulimit -f "+strconv.Itoa(l.MaxFileSizeMB*BytesPerMB/512))
	}
	parts = append(parts, `exec "$0" "$@"`)
	return strings.Join(parts, "; ")
}

// limitedArgv wraps an argv in the ulimit shell.
func limitedArgv(l Limits, argv ...string) []string {
	return append([]string{"/bin/sh", "-c", ulimitScript(l)}, argv...)
}

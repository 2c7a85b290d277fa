package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Backend identifies one isolation mechanism.
type Backend string

// Backend names, also used as the sandbox.backend configuration selector.
const (
	BackendQEMU       Backend = "qemu"
	BackendQEMUUser   Backend = "qemu-user"
	BackendBubblewrap Backend = "bubblewrap"
	BackendFirejail   Backend = "firejail"
	BackendFallback   Backend = "fallback"
)

// ExecuteRequest represents the parameters for one sandboxed execution.
// Treat it as immutable once constructed.
type ExecuteRequest struct {
	ExecutablePath string
	Args           []string
	// WorkDir is the directory the payload runs in and may write to. It
	// defaults to the executable's directory.
	WorkDir string
	Timeout time.Duration
	Backend Backend
}

// workDir returns the effective working directory of the request.
func (r ExecuteRequest) workDir() string {
	if r.WorkDir != "" {
		return r.WorkDir
	}
	return filepath.Dir(r.ExecutablePath)
}

// ExecuteResult represents the result of an execution. Every backend
// produces exactly this shape.
type ExecuteResult struct {
	// ExitCode is nil when the process ended without an exit status,
	// for example when a resource limit signal killed it.
	ExitCode *int    `json:"code"`
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	Success  bool    `json:"success"`
	Backend  Backend `json:"backend,omitempty"`
}

func newResult(backend Backend, exitCode *int, stdout, stderr string) ExecuteResult {
	return ExecuteResult{
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Success:  exitCode != nil && *exitCode == 0,
		Backend:  backend,
	}
}

// SandboxExecutor defines the interface for one isolation backend.
type SandboxExecutor interface {
	Name() Backend
	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
}

// Command is the fully wrapped process a backend asks the runner to spawn.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Output is the raw outcome of a finished command.
type Output struct {
	ExitCode *int
	Stdout   string
	Stderr   string
}

// CommandRunner spawns a command, captures its output and enforces its deadline.
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd Command) (Output, error)
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	CopyFile(src, dst string, perm os.FileMode) error
	ReadDir(name string) ([]os.DirEntry, error)
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) CopyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (RealFileSystem) ReadDir(name string) ([]os.DirEntry, error) {
	return os.ReadDir(name)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// File permission constants
const (
	DirPermission  = 0o750
	FilePermission = 0o640
	ExecPermission = 0o750
	BytesPerKB     = 1024
	BytesPerMB     = 1024 * 1024
)

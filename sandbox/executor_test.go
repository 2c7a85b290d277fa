package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// MockCommandRunner implements CommandRunner for testing
type MockCommandRunner struct {
	calls  []Command
	output Output
	err    error
	run    func(Command) (Output, error)
}

func (m *MockCommandRunner) RunCommand(_ context.Context, cmd Command) (Output, error) {
	m.calls = append(m.calls, cmd)
	if m.run != nil {
		return m.run(cmd)
	}
	return m.output, m.err
}

func (m *MockCommandRunner) lastCall(t *testing.T) Command {
	t.Helper()
	require.NotEmpty(t, m.calls, "no command was spawned")
	return m.calls[len(m.calls)-1]
}

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	mkdirTempResult string
	mkdirTempErr    error
	copyFileErr     error
	missing         map[string]bool
	copied          map[string]string
	removed         []string
}

func (m *MockFileSystem) MkdirTemp(_, _ string) (string, error) {
	if m.mkdirTempErr != nil {
		return "", m.mkdirTempErr
	}
	if m.mkdirTempResult != "" {
		return m.mkdirTempResult, nil
	}
	return "/tmp/test", nil
}

func (m *MockFileSystem) MkdirAll(_ string, _ os.FileMode) error {
	return nil
}

func (m *MockFileSystem) WriteFile(_ string, _ []byte, _ os.FileMode) error {
	return nil
}

func (m *MockFileSystem) CopyFile(src, dst string, _ os.FileMode) error {
	if m.copyFileErr != nil {
		return m.copyFileErr
	}
	if m.copied == nil {
		m.copied = make(map[string]string)
	}
	m.copied[dst] = src
	return nil
}

func (m *MockFileSystem) ReadDir(_ string) ([]os.DirEntry, error) {
	return nil, nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.removed = append(m.removed, path)
	return nil
}

func (m *MockFileSystem) FileExists(path string) (bool, error) {
	return !m.missing[path], nil
}

func lookPathFound(tool string) (string, error) {
	return "/usr/bin/" + filepath.Base(tool), nil
}

func lookPathMissing(string) (string, error) {
	return "", errors.New("executable file not found in $PATH")
}

func testConfig() *Config {
	return &Config{
		Limits: Limits{
			CPUTimeSec:    5,
			MaxOpenFiles:  32,
			MaxProcesses:  32,
			MemoryMB:      500,
			MaxFileSizeMB: 10,
		},
		QEMU: QEMUConfig{
			Binary:   "qemu-system-x86_64",
			Kernel:   "/boot/vmlinuz-linux-lts",
			MemoryMB: 64,
		},
		QEMUUser: QEMUUserConfig{
			Binary:  "qemu-x86_64",
			LibRoot: "/usr/x86_64-linux-gnu",
		},
	}
}

func testRequest() ExecuteRequest {
	return ExecuteRequest{
		ExecutablePath: "/opt/ctrace/bin/ctrace",
		Args:           []string{"--input=main.c", "--static"},
		WorkDir:        "/var/lib/tracebox/job-1",
		Timeout:        30 * time.Second,
	}
}

func exitCode(code int) *int {
	return &code
}

func TestExecutorConstructors(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := testConfig()

	t.Run("DefaultConstructor", func(t *testing.T) {
		executor := NewLocalExecutor(logger, config)
		require.NotNil(t, executor)
		assert.Equal(t, BackendFallback, executor.Name())
		assert.Equal(t, config, executor.config)
		// Default implementations should be set
		assert.IsType(t, &RealCommandRunner{}, executor.cmdRunner)
		assert.IsType(t, &RealFileSystem{}, executor.fs)
		assert.NotNil(t, executor.lookPath)
	})

	t.Run("ConstructorWithOptions", func(t *testing.T) {
		mockRunner := &MockCommandRunner{}
		mockFS := &MockFileSystem{}

		executor := NewBubblewrapExecutor(
			logger,
			config,
			WithCommandRunner(mockRunner),
			WithFileSystem(mockFS),
			WithLookPath(lookPathFound),
		)
		require.NotNil(t, executor)
		assert.Equal(t, BackendBubblewrap, executor.Name())
		assert.Equal(t, mockRunner, executor.cmdRunner)
		assert.Equal(t, mockFS, executor.fs)
	})

	t.Run("AllBackends", func(t *testing.T) {
		executors := NewExecutors(logger, config)
		names := make([]Backend, 0, len(executors))
		for _, e := range executors {
			names = append(names, e.Name())
		}
		assert.Equal(t, strengthOrder, names)
	})
}

func TestLocalExecutor(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("WrapsPayloadInUlimitShell", func(t *testing.T) {
		runner := &MockCommandRunner{output: Output{ExitCode: exitCode(0), Stdout: "ok\n"}}
		executor := NewLocalExecutor(logger, testConfig(), WithCommandRunner(runner), WithFileSystem(&MockFileSystem{}))

		result, err := executor.Execute(context.Background(), testRequest())
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "ok\n", result.Stdout)
		assert.Equal(t, BackendFallback, result.Backend)

		cmd := runner.lastCall(t)
		assert.Equal(t, "/bin/sh", cmd.Path)
		require.Len(t, cmd.Args, 5)
		assert.Equal(t, "-c", cmd.Args[0])
		assert.Contains(t, cmd.Args[1], "ulimit -t 5")
		assert.Contains(t, cmd.Args[1], "ulimit -n 32")
		assert.Equal(t, []string{"/opt/ctrace/bin/ctrace", "--input=main.c", "--static"}, cmd.Args[2:])
		assert.Equal(t, "/var/lib/tracebox/job-1", cmd.Dir)
		assert.Equal(t, 30*time.Second, cmd.Timeout)
	})

	t.Run("NonzeroExitIsAResult", func(t *testing.T) {
		runner := &MockCommandRunner{output: Output{ExitCode: exitCode(3), Stderr: "boom"}}
		executor := NewLocalExecutor(logger, testConfig(), WithCommandRunner(runner), WithFileSystem(&MockFileSystem{}))

		result, err := executor.Execute(context.Background(), testRequest())
		require.NoError(t, err)
		assert.False(t, result.Success)
		require.NotNil(t, result.ExitCode)
		assert.Equal(t, 3, *result.ExitCode)
	})

	t.Run("MissingExecutable", func(t *testing.T) {
		runner := &MockCommandRunner{}
		fs := &MockFileSystem{missing: map[string]bool{"/opt/ctrace/bin/ctrace": true}}
		executor := NewLocalExecutor(logger, testConfig(), WithCommandRunner(runner), WithFileSystem(fs))

		_, err := executor.Execute(context.Background(), testRequest())
		require.ErrorIs(t, err, ErrExecutableNotFound)
		require.ErrorIs(t, err, ErrSetup)
		assert.Empty(t, runner.calls)
	})

	t.Run("NonPositiveTimeout", func(t *testing.T) {
		runner := &MockCommandRunner{}
		executor := NewLocalExecutor(logger, testConfig(), WithCommandRunner(runner), WithFileSystem(&MockFileSystem{}))

		req := testRequest()
		req.Timeout = 0
		_, err := executor.Execute(context.Background(), req)
		require.ErrorIs(t, err, ErrSetup)
		assert.Empty(t, runner.calls)
	})

	t.Run("TimeoutIsClassified", func(t *testing.T) {
		runner := &MockCommandRunner{err: &BackendError{Kind: FailureTimeout}}
		executor := NewLocalExecutor(logger, testConfig(), WithCommandRunner(runner), WithFileSystem(&MockFileSystem{}))

		_, err := executor.Execute(context.Background(), testRequest())
		require.ErrorIs(t, err, ErrTimeout)
		var be *BackendError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, BackendFallback, be.Backend)
	})
}

func TestBubblewrapExecutor(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("Unavailable", func(t *testing.T) {
		runner := &MockCommandRunner{}
		executor := NewBubblewrapExecutor(logger, testConfig(),
			WithCommandRunner(runner), WithFileSystem(&MockFileSystem{}), WithLookPath(lookPathMissing))

		_, err := executor.Execute(context.Background(), testRequest())
		require.ErrorIs(t, err, ErrUnavailable)
		assert.Empty(t, runner.calls)
	})

	t.Run("NamespaceRestrictions", func(t *testing.T) {
		runner := &MockCommandRunner{output: Output{ExitCode: exitCode(0)}}
		executor := NewBubblewrapExecutor(logger, testConfig(),
			WithCommandRunner(runner), WithFileSystem(&MockFileSystem{}), WithLookPath(lookPathFound))

		_, err := executor.Execute(context.Background(), testRequest())
		require.NoError(t, err)

		cmd := runner.lastCall(t)
		assert.Equal(t, "/usr/bin/bwrap", cmd.Path)
		joined := strings.Join(cmd.Args, " ")
		assert.Contains(t, joined, "--ro-bind /usr /usr")
		assert.Contains(t, joined, "--tmpfs /tmp")
		assert.Contains(t, joined, "--unshare-all")
		assert.Contains(t, joined, "--new-session")
		assert.Contains(t, joined, "--die-with-parent")
		assert.Contains(t, joined, "--cap-drop ALL")
		assert.Contains(t, joined, "--ro-bind /opt/ctrace/bin /opt/ctrace/bin")
		assert.Contains(t, joined, "--bind /var/lib/tracebox/job-1 /var/lib/tracebox/job-1")
		assert.Contains(t, joined, "--chdir /var/lib/tracebox/job-1")

		sep := indexOf(cmd.Args, "--")
		require.GreaterOrEqual(t, sep, 0)
		assert.Equal(t, "/bin/sh", cmd.Args[sep+1])
		assert.Equal(t, []string{"/opt/ctrace/bin/ctrace", "--input=main.c", "--static"}, cmd.Args[sep+4:])
	})
}

func TestFirejailExecutor(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("Unavailable", func(t *testing.T) {
		executor := NewFirejailExecutor(logger, testConfig(),
			WithCommandRunner(&MockCommandRunner{}), WithFileSystem(&MockFileSystem{}), WithLookPath(lookPathMissing))

		_, err := executor.Execute(context.Background(), testRequest())
		require.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("Flags", func(t *testing.T) {
		runner := &MockCommandRunner{output: Output{ExitCode: exitCode(0)}}
		executor := NewFirejailExecutor(logger, testConfig(),
			WithCommandRunner(runner), WithFileSystem(&MockFileSystem{}), WithLookPath(lookPathFound))

		_, err := executor.Execute(context.Background(), testRequest())
		require.NoError(t, err)

		cmd := runner.lastCall(t)
		assert.Equal(t, "/usr/bin/firejail", cmd.Path)
		assert.Subset(t, cmd.Args, []string{
			"--noprofile",
			"--private=/var/lib/tracebox/job-1",
			"--private-tmp",
			"--private-dev",
			"--caps.drop=all",
			"--nonewprivs",
			"--noroot",
			"--seccomp",
			"--net=none",
			"--rlimit-as=524288000",
			"--rlimit-cpu=5",
			"--rlimit-fsize=10485760",
			"--rlimit-nofile=32",
			"--rlimit-nproc=32",
		})
		n := len(cmd.Args)
		assert.Equal(t, []string{"/opt/ctrace/bin/ctrace", "--input=main.c", "--static"}, cmd.Args[n-3:])
	})

	t.Run("ExecutableUnderHome", func(t *testing.T) {
		runner := &MockCommandRunner{output: Output{ExitCode: exitCode(0)}}
		executor := NewFirejailExecutor(logger, testConfig(),
			WithCommandRunner(runner), WithFileSystem(&MockFileSystem{}), WithLookPath(lookPathFound))

		req := testRequest()
		req.ExecutablePath = "/home/ci/ctrace/bin/ctrace"
		_, err := executor.Execute(context.Background(), req)
		require.NoError(t, err)

		args := runner.lastCall(t).Args
		private := indexOf(args, "--private=/var/lib/tracebox/job-1")
		whitelist := indexOf(args, "--whitelist=/home/ci/ctrace/bin")
		require.NotEqual(t, -1, private)
		require.NotEqual(t, -1, whitelist, "executable directory must be visible inside the jail")
		assert.Greater(t, whitelist, private)
		assert.Contains(t, args, "--read-only=/home/ci/ctrace/bin")
	})

	t.Run("ExecutableInWorkDir", func(t *testing.T) {
		args := firejailArgs(Limits{}, "/var/lib/tracebox/job-1", "/var/lib/tracebox/job-1")
		assert.Contains(t, args, "--private=/var/lib/tracebox/job-1")
		assert.NotContains(t, args, "--read-only=/var/lib/tracebox/job-1")
	})
}

func TestQEMUUserExecutor(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("MissingEmulator", func(t *testing.T) {
		lookPath := func(tool string) (string, error) {
			if tool == "bwrap" {
				return "/usr/bin/bwrap", nil
			}
			return lookPathMissing(tool)
		}
		executor := NewQEMUUserExecutor(logger, testConfig(),
			WithCommandRunner(&MockCommandRunner{}), WithFileSystem(&MockFileSystem{}), WithLookPath(lookPath))

		_, err := executor.Execute(context.Background(), testRequest())
		require.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("CopyFailureIsSetup", func(t *testing.T) {
		runner := &MockCommandRunner{}
		fs := &MockFileSystem{mkdirTempResult: "/tmp/tracebox-qemu-user-1", copyFileErr: errors.New("disk full")}
		executor := NewQEMUUserExecutor(logger, testConfig(),
			WithCommandRunner(runner), WithFileSystem(fs), WithLookPath(lookPathFound))

		_, err := executor.Execute(context.Background(), testRequest())
		require.ErrorIs(t, err, ErrSetup)
		assert.Empty(t, runner.calls)
		assert.Contains(t, fs.removed, "/tmp/tracebox-qemu-user-1")
	})

	t.Run("RunsCopyUnderEmulator", func(t *testing.T) {
		runner := &MockCommandRunner{output: Output{ExitCode: exitCode(0)}}
		fs := &MockFileSystem{mkdirTempResult: "/tmp/tracebox-qemu-user-1"}
		executor := NewQEMUUserExecutor(logger, testConfig(),
			WithCommandRunner(runner), WithFileSystem(fs), WithLookPath(lookPathFound))

		result, err := executor.Execute(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, BackendQEMUUser, result.Backend)

		assert.Equal(t, "/opt/ctrace/bin/ctrace", fs.copied["/tmp/tracebox-qemu-user-1/ctrace"])
		assert.Contains(t, fs.removed, "/tmp/tracebox-qemu-user-1")

		cmd := runner.lastCall(t)
		assert.Equal(t, "/usr/bin/bwrap", cmd.Path)
		joined := strings.Join(cmd.Args, " ")
		assert.Contains(t, joined, "--ro-bind /usr/x86_64-linux-gnu /usr/x86_64-linux-gnu")
		assert.Contains(t, joined, "/usr/bin/qemu-x86_64 -L /usr/x86_64-linux-gnu /tmp/tracebox-qemu-user-1/ctrace --input=main.c --static")
	})
}

func indexOf(args []string, want string) int {
	for i, a := range args {
		if a == want {
			return i
		}
	}
	return -1
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
)

const fakeCtrace = `#!/bin/sh
case "$1" in
  --help) echo "Available tools: cppcheck, flawfinder"; exit 0 ;;
esac
echo "analyzed $*"
`

// setupEnv points the configuration at a fake analyzer and a private work dir.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)

	exe := filepath.Join(dir, "bin", "ctrace")
	require.NoError(t, os.MkdirAll(filepath.Dir(exe), 0o750))
	require.NoError(t, os.WriteFile(exe, []byte(fakeCtrace), 0o750)) //nolint:gosec // test executable

	t.Setenv("TRACEBOX_ANALYSIS_EXECUTABLE", exe)
	t.Setenv("TRACEBOX_SANDBOX_BACKEND", "fallback")
	t.Setenv("TRACEBOX_SANDBOX_LIMITS_MAX_PROCESSES", "4096")
	t.Setenv("TRACEBOX_JOBS_WORK_DIR", filepath.Join(dir, "jobs"))
	t.Setenv("TRACEBOX_LOGGING_LEVEL", "error")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCoreModuleGraph(t *testing.T) {
	setupEnv(t)

	for _, transport := range []string{"stdio", "http", "rest"} {
		t.Run(transport, func(t *testing.T) {
			t.Setenv("TRACEBOX_SERVER_TRANSPORT", transport)
			assert.NoError(t, fx.ValidateApp(coreModule(""), fx.Invoke(startTransport)))
		})
	}
}

func TestToolsCommand(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "tools")
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":["cppcheck","flawfinder"]}`, out)
}

func TestAnalyzeCommand(t *testing.T) {
	dir := setupEnv(t)
	src := filepath.Join(dir, "src", "main.c")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o750))
	require.NoError(t, os.WriteFile(src, []byte("int main(void) { return 0; }\n"), 0o600))

	t.Run("Success", func(t *testing.T) {
		out, err := run(t, "analyze", "--static", "--tools", "cppcheck", src)
		require.NoError(t, err)

		var result map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		assert.NotEmpty(t, result["jobId"])
		assert.Equal(t, true, result["success"])
		assert.Contains(t, result["stdout"], "--input=main.c")
		assert.Contains(t, result["stdout"], "--invoke=cppcheck")
	})

	t.Run("RemovesWorkDir", func(t *testing.T) {
		out, err := run(t, "analyze", src)
		require.NoError(t, err)

		var result map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		jobID, ok := result["jobId"].(string)
		require.True(t, ok)
		assert.NoDirExists(t, filepath.Join(dir, "jobs", jobID))
	})

	t.Run("KeepLeavesWorkDir", func(t *testing.T) {
		out, err := run(t, "analyze", "--keep", src)
		require.NoError(t, err)

		var result map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &result))
		jobID, ok := result["jobId"].(string)
		require.True(t, ok)
		assert.FileExists(t, filepath.Join(dir, "jobs", jobID, "main.c"))
	})

	t.Run("FailedRunRemovesWorkDir", func(t *testing.T) {
		t.Setenv("TRACEBOX_ANALYSIS_EXECUTABLE", filepath.Join(dir, "missing", "ctrace"))
		t.Setenv("TRACEBOX_ANALYSIS_FALLBACK_EXECUTABLE", filepath.Join(dir, "missing", "resources"))
		before := jobDirs(t, dir)

		_, err := run(t, "analyze", src)
		require.Error(t, err)
		assert.Equal(t, before, jobDirs(t, dir))
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		script := filepath.Join(dir, "src", "run.py")
		require.NoError(t, os.WriteFile(script, []byte("print(1)\n"), 0o600))

		_, err := run(t, "analyze", script)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid file extension for run.py")
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := run(t, "analyze", filepath.Join(dir, "nope.c"))
		require.Error(t, err)
	})
}

func jobDirs(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, "jobs"))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func TestReadSources(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a", "main.c")
	b := filepath.Join(dir, "b", "main.c")
	for _, p := range []string{a, b} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	}

	files, err := readSources([]string{a})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"main.c": "x"}, files)

	_, err = readSources([]string{a, b})
	assert.ErrorContains(t, err, "duplicate file name main.c")
}

package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/tracebox/jobs"
	"github.com/isdmx/tracebox/sandbox"
)

var (
	// ErrExecutableNotFound is returned when neither the analyzer nor its
	// stand-in is installed.
	ErrExecutableNotFound = errors.New("analysis executable not found")
	// ErrToolsUnavailable is returned when the analyzer does not list its tools.
	ErrToolsUnavailable = errors.New("failed to parse available tools from analyzer output")
)

// testModeMessage marks results produced by the stand-in executable.
const testModeMessage = "Using test executable - ctrace not found"

// ValidationError lists every problem found in a submission.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

// JobError reports an analysis that failed after its Job was created.
type JobError struct {
	JobID   string
	Message string
	Err     error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %s: %v", e.JobID, e.Message, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// Runner executes one sandboxed request. *sandbox.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, error)
}

// Service is what the transports expose.
type Service interface {
	Analyze(ctx context.Context, files map[string]string, options jobs.Options) (*Result, error)
	Job(ctx context.Context, id string) (*jobs.Job, error)
	Tools(ctx context.Context) ([]string, error)
	Examples() []ExampleSummary
	Example(id string) (*Example, error)
}

// Config controls which analyzer runs and under which sandbox policy.
type Config struct {
	Executable         string
	FallbackExecutable string
	ReportFile         string
	Timeout            time.Duration
	HelpTimeout        time.Duration
	Backend            sandbox.Backend
}

// Result is the outcome of one analysis together with its Job ID.
type Result struct {
	JobID string `json:"jobId"`
	jobs.Result
}

// Coordinator turns a file submission into one sandboxed analyzer run.
type Coordinator struct {
	logger   *zap.Logger
	config   Config
	jobs     *jobs.Manager
	runner   Runner
	examples *Catalog
}

var _ Service = (*Coordinator)(nil)

// NewCoordinator creates a Coordinator. Relative executable paths are
// resolved against the current directory.
func NewCoordinator(logger *zap.Logger, config Config, manager *jobs.Manager, runner Runner, examples *Catalog) (*Coordinator, error) {
	for _, p := range []*string{&config.Executable, &config.FallbackExecutable} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolve executable %s: %w", *p, err)
		}
		*p = abs
	}
	if examples == nil {
		examples = DefaultCatalog()
	}

	return &Coordinator{
		logger:   logger,
		config:   config,
		jobs:     manager,
		runner:   runner,
		examples: examples,
	}, nil
}

// Analyze validates and stores the files, runs the analyzer over them and
// records the outcome on a new Job. Validation failures return a
// *ValidationError before any Job exists.
func (c *Coordinator) Analyze(ctx context.Context, files map[string]string, options jobs.Options) (*Result, error) {
	if violations := c.jobs.Validate(files); len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	job, err := c.jobs.Create(ctx, files, options)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	logger := c.logger.With(zap.String("job_id", job.ID))

	// Bookkeeping must land even when the caller has gone away.
	bg := context.WithoutCancel(ctx)

	if err := c.jobs.WriteFiles(job, files); err != nil {
		return nil, c.fail(bg, logger, job.ID, "Failed to store files", err)
	}
	if _, err := c.jobs.UpdateStatus(bg, job.ID, jobs.StatusRunning, nil, ""); err != nil {
		return nil, c.fail(bg, logger, job.ID, "Failed to start analysis", err)
	}

	exe, testMode, err := c.selectExecutable()
	if err != nil {
		return nil, c.fail(bg, logger, job.ID, "Analysis executable not found", err)
	}

	var args []string
	if !testMode {
		args = c.buildArgs(job, options)
	}
	logger.Info("running analysis",
		zap.String("executable", exe),
		zap.Strings("args", args),
		zap.Bool("test_mode", testMode))

	execResult, err := c.runner.Run(ctx, sandbox.ExecuteRequest{
		ExecutablePath: exe,
		Args:           args,
		WorkDir:        job.WorkDir,
		Timeout:        c.config.Timeout,
		Backend:        c.config.Backend,
	})
	if err != nil {
		msg := "Analysis failed"
		if errors.Is(err, sandbox.ErrTimeout) {
			msg = fmt.Sprintf("Analysis timed out after %s", c.config.Timeout)
		}
		return nil, c.fail(bg, logger, job.ID, msg, err)
	}

	result := jobs.Result{
		ExitCode: execResult.ExitCode,
		Stdout:   StripANSI(execResult.Stdout),
		Stderr:   StripANSI(execResult.Stderr),
		Success:  execResult.Success,
		Backend:  execResult.Backend,
		Report:   c.readReport(logger, job.WorkDir),
	}
	if testMode {
		result.TestMode = true
		result.Message = testModeMessage
	}

	if _, err := c.jobs.UpdateStatus(bg, job.ID, jobs.StatusCompleted, &result, ""); err != nil {
		return nil, c.fail(bg, logger, job.ID, "Failed to record result", err)
	}
	logger.Info("analysis completed",
		zap.String("backend", string(result.Backend)),
		zap.Bool("success", result.Success))

	return &Result{JobID: job.ID, Result: result}, nil
}

// fail records a failed Job and returns the error for the caller.
func (c *Coordinator) fail(ctx context.Context, logger *zap.Logger, id, msg string, cause error) error {
	logger.Error("analysis failed", zap.String("reason", msg), zap.Error(cause))
	if _, err := c.jobs.UpdateStatus(ctx, id, jobs.StatusFailed, nil, fmt.Sprintf("%s: %v", msg, cause)); err != nil {
		// No terminal status means no scheduled cleanup, so drop the files now.
		logger.Error("failed to record job failure", zap.Error(err))
		if err := c.jobs.Cleanup(ctx, id); err != nil {
			logger.Error("failed to remove job directory", zap.Error(err))
		}
	}
	return &JobError{JobID: id, Message: msg, Err: cause}
}

// selectExecutable prefers the analyzer and falls back to the stand-in.
func (c *Coordinator) selectExecutable() (string, bool, error) {
	if fileExists(c.config.Executable) {
		return c.config.Executable, false, nil
	}
	if fileExists(c.config.FallbackExecutable) {
		c.logger.Warn(testModeMessage, zap.String("executable", c.config.FallbackExecutable))
		return c.config.FallbackExecutable, true, nil
	}
	return "", false, fmt.Errorf("%w: neither %s nor %s exists", ErrExecutableNotFound, c.config.Executable, c.config.FallbackExecutable)
}

func (c *Coordinator) buildArgs(job *jobs.Job, options jobs.Options) []string {
	names := append([]string(nil), job.Files...)
	sort.Strings(names)

	args := []string{"--input=" + strings.Join(names, ",")}
	if options.Static {
		args = append(args, "--static")
	}
	if options.Dynamic {
		args = append(args, "--dyn")
	}
	if len(options.Tools) > 0 {
		args = append(args, "--invoke="+strings.Join(options.Tools, ","))
	}
	return append(args, "--report-file="+filepath.Join(job.WorkDir, c.config.ReportFile))
}

func (c *Coordinator) readReport(logger *zap.Logger, workDir string) string {
	if c.config.ReportFile == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(workDir, c.config.ReportFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("error reading report file", zap.Error(err))
		}
		return ""
	}
	return StripANSI(string(data))
}

// Job returns the current state of a Job.
func (c *Coordinator) Job(ctx context.Context, id string) (*jobs.Job, error) {
	return c.jobs.Get(ctx, id)
}

// Tools asks the analyzer which tools it can invoke.
func (c *Coordinator) Tools(ctx context.Context) ([]string, error) {
	if !fileExists(c.config.Executable) {
		return nil, fmt.Errorf("%w: %s", ErrExecutableNotFound, c.config.Executable)
	}

	result, err := c.runner.Run(ctx, sandbox.ExecuteRequest{
		ExecutablePath: c.config.Executable,
		Args:           []string{"--help"},
		Timeout:        c.config.HelpTimeout,
		Backend:        c.config.Backend,
	})
	if err != nil {
		return nil, fmt.Errorf("run %s --help: %w", c.config.Executable, err)
	}

	tools, ok := ParseAvailableTools(result.Stdout)
	if !ok {
		c.logger.Error("unexpected analyzer help output", zap.String("stderr", StripANSI(result.Stderr)))
		return nil, ErrToolsUnavailable
	}
	return tools, nil
}

// Examples lists the bundled example snippets.
func (c *Coordinator) Examples() []ExampleSummary {
	return c.examples.List()
}

// Example returns one bundled example with its files.
func (c *Coordinator) Example(id string) (*Example, error) {
	return c.examples.Get(id)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

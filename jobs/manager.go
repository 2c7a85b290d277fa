package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/tracebox/sandbox"
)

// Config bounds what a Job may contain and how long its traces live.
type Config struct {
	WorkDir           string
	AllowedExtensions []string
	MaxFileSizeBytes  int
	MaxFiles          int
	CleanupDelay      time.Duration
	RetentionPeriod   time.Duration
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces the time source used for Job timestamps
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithIDGenerator replaces the Job ID generator
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) {
		m.newID = newID
	}
}

// WithFileSystem sets the FileSystem used for work directories
func WithFileSystem(fs sandbox.FileSystem) Option {
	return func(m *Manager) {
		m.fs = fs
	}
}

// Manager owns Job identity, validation, work directories and cleanup.
type Manager struct {
	logger    *zap.Logger
	config    Config
	store     Store
	scheduler Scheduler
	fs        sandbox.FileSystem
	now       func() time.Time
	newID     func() string

	mu             sync.Mutex
	cleanupArmed   map[string]struct{}
	retentionArmed map[string]struct{}
}

// NewManager creates a Manager and ensures the work directory root exists.
// A relative root is resolved against the current directory.
func NewManager(logger *zap.Logger, config Config, store Store, scheduler Scheduler, opts ...Option) (*Manager, error) {
	root, err := filepath.Abs(config.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("resolve job work directory root: %w", err)
	}
	config.WorkDir = root

	m := &Manager{
		logger:         logger,
		config:         config,
		store:          store,
		scheduler:      scheduler,
		fs:             &sandbox.RealFileSystem{},
		now:            time.Now,
		newID:          uuid.NewString,
		cleanupArmed:   make(map[string]struct{}),
		retentionArmed: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.fs.MkdirAll(config.WorkDir, sandbox.DirPermission); err != nil {
		return nil, fmt.Errorf("create job work directory root: %w", err)
	}
	return m, nil
}

// Validate returns every violation in files, ordered by file name. An empty
// result means the files are acceptable.
func (m *Manager) Validate(files map[string]string) []string {
	if len(files) == 0 {
		return []string{"No files provided"}
	}

	var violations []string
	if m.config.MaxFiles > 0 && len(files) > m.config.MaxFiles {
		violations = append(violations, fmt.Sprintf("Too many files: %d provided, at most %d allowed", len(files), m.config.MaxFiles))
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		content := files[name]
		if !safeFileName(name) {
			violations = append(violations, fmt.Sprintf("Invalid file name %q", name))
			continue
		}
		if !m.allowedExtension(name) {
			violations = append(violations, "Invalid file extension for "+name)
		}
		if !utf8.ValidString(content) || strings.ContainsRune(content, 0) {
			violations = append(violations, "Invalid content type for "+name)
		}
		if len(content) > m.config.MaxFileSizeBytes {
			violations = append(violations, fmt.Sprintf("File %s exceeds size limit", name))
		}
	}
	return violations
}

func (m *Manager) allowedExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range m.config.AllowedExtensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// safeFileName accepts only plain base names that cannot escape a directory.
func safeFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return false
	}
	return filepath.Base(name) == name
}

// Create allocates a Job with a fresh ID and an empty work directory.
func (m *Manager) Create(ctx context.Context, files map[string]string, options Options) (*Job, error) {
	id := m.newID()
	workDir := filepath.Join(m.config.WorkDir, id)
	if err := m.fs.MkdirAll(workDir, sandbox.DirPermission); err != nil {
		return nil, fmt.Errorf("create work directory for job %s: %w", id, err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	job := &Job{
		ID:        id,
		Status:    StatusCreated,
		CreatedAt: m.now(),
		Files:     names,
		Options:   options,
		WorkDir:   workDir,
	}
	if err := m.store.Create(ctx, job); err != nil {
		if rmErr := m.fs.RemoveAll(workDir); rmErr != nil {
			m.logger.Error("failed to remove orphaned work directory", zap.String("path", workDir), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("store job %s: %w", id, err)
	}

	m.logger.Info("Job created", zap.String("job_id", id), zap.String("status", string(job.Status)))
	return job.Clone(), nil
}

// WriteFiles persists the submitted files in the Job's work directory under
// their exact names.
func (m *Manager) WriteFiles(job *Job, files map[string]string) error {
	for name, content := range files {
		if !safeFileName(name) {
			return fmt.Errorf("refusing to write file %q", name)
		}
		if err := m.fs.WriteFile(filepath.Join(job.WorkDir, name), []byte(content), sandbox.FilePermission); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// UpdateStatus moves a Job along its lifecycle. Entering a terminal status
// records the completion time and arms the cleanup timer.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status Status, result *Result, errMsg string) (*Job, error) {
	job, err := m.store.Update(ctx, id, func(job *Job) error {
		if !job.Status.canTransition(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, status)
		}
		if status == StatusCompleted && result == nil {
			return fmt.Errorf("%w: completed job requires a result", ErrInvalidTransition)
		}

		job.Status = status
		if status.Terminal() {
			completedAt := m.now()
			job.CompletedAt = &completedAt
		}
		if result != nil {
			job.Result = result
		}
		if errMsg != "" {
			job.Error = errMsg
		}
		if status == StatusFailed && job.Error == "" {
			job.Error = "analysis failed"
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Job status updated", zap.String("job_id", id), zap.String("status", string(status)))
	if status.Terminal() {
		m.scheduleCleanup(id)
	}
	return job, nil
}

// Get returns a snapshot of the Job.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) scheduleCleanup(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, armed := m.cleanupArmed[id]; armed {
		return
	}
	m.cleanupArmed[id] = struct{}{}
	m.scheduler.Schedule(m.config.CleanupDelay, func() {
		if err := m.Cleanup(context.Background(), id); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Error("Error cleaning up job", zap.String("job_id", id), zap.Error(err))
		}
	})
}

// Cleanup deletes the Job's work directory and schedules the record for
// deletion once the retention period elapses. Calling it again is harmless.
func (m *Manager) Cleanup(ctx context.Context, id string) error {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := m.fs.RemoveAll(job.WorkDir); err != nil {
		return fmt.Errorf("remove work directory of job %s: %w", id, err)
	}

	m.mu.Lock()
	_, armed := m.retentionArmed[id]
	m.retentionArmed[id] = struct{}{}
	m.mu.Unlock()

	if !armed {
		m.scheduler.Schedule(m.config.RetentionPeriod, func() {
			m.expire(id)
		})
	}

	m.logger.Info("Job cleaned up", zap.String("job_id", id))
	return nil
}

func (m *Manager) expire(id string) {
	if err := m.store.Delete(context.Background(), id); err != nil {
		m.logger.Error("Error deleting job record", zap.String("job_id", id), zap.Error(err))
		return
	}

	m.mu.Lock()
	delete(m.cleanupArmed, id)
	delete(m.retentionArmed, id)
	m.mu.Unlock()

	m.logger.Debug("Job record expired", zap.String("job_id", id))
}

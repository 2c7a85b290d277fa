package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/isdmx/tracebox/analysis"
	"github.com/isdmx/tracebox/jobs"
	"github.com/isdmx/tracebox/sandbox"
)

// EnvPrefix prefixes every environment override, e.g. TRACEBOX_SANDBOX_BACKEND.
const EnvPrefix = "TRACEBOX"

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	API      APIConfig      `mapstructure:"api"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode    string   `mapstructure:"mode"`
	Level   string   `mapstructure:"level"`
	Outputs []string `mapstructure:"outputs"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend   string         `mapstructure:"backend"`
	TimeoutMS int            `mapstructure:"timeout_ms"`
	Limits    LimitsConfig   `mapstructure:"limits"`
	QEMU      QEMUConfig     `mapstructure:"qemu"`
	QEMUUser  QEMUUserConfig `mapstructure:"qemu_user"`
}

// LimitsConfig holds the per-process resource ceilings
type LimitsConfig struct {
	CPUTimeSec    int `mapstructure:"cpu_time_sec"`
	MaxOpenFiles  int `mapstructure:"max_open_files"`
	MaxProcesses  int `mapstructure:"max_processes"`
	MemoryMB      int `mapstructure:"memory_mb"`
	MaxFileSizeMB int `mapstructure:"max_file_size_mb"`
}

// QEMUConfig holds full-system emulation settings
type QEMUConfig struct {
	Binary   string `mapstructure:"binary"`
	Kernel   string `mapstructure:"kernel"`
	Initrd   string `mapstructure:"initrd"`
	MemoryMB int    `mapstructure:"memory_mb"`
	ImageDir string `mapstructure:"image_dir"`
}

// QEMUUserConfig holds user-mode emulation settings
type QEMUUserConfig struct {
	Binary  string `mapstructure:"binary"`
	LibRoot string `mapstructure:"lib_root"`
}

// AnalysisConfig holds analyzer settings
type AnalysisConfig struct {
	Executable         string `mapstructure:"executable"`
	FallbackExecutable string `mapstructure:"fallback_executable"`
	ReportFile         string `mapstructure:"report_file"`
	HelpTimeoutMS      int    `mapstructure:"help_timeout_ms"`
}

// JobsConfig holds job lifecycle settings
type JobsConfig struct {
	WorkDir           string        `mapstructure:"work_dir"`
	AllowedExtensions []string      `mapstructure:"allowed_extensions"`
	MaxFileSizeBytes  int           `mapstructure:"max_file_size_bytes"`
	MaxFiles          int           `mapstructure:"max_files"`
	CleanupDelay      time.Duration `mapstructure:"cleanup_delay"`
	RetentionPeriod   time.Duration `mapstructure:"retention_period"`
	Store             string        `mapstructure:"store"`
	SQLitePath        string        `mapstructure:"sqlite_path"`
}

// APIConfig holds REST transport settings
type APIConfig struct {
	AnalyzeRatePerHour int           `mapstructure:"analyze_rate_per_hour"`
	RequestLimit       int           `mapstructure:"request_limit"`
	RequestWindow      time.Duration `mapstructure:"request_window"`
	TrustProxyHeaders  bool          `mapstructure:"trust_proxy_headers"`
}

// New loads and validates the application configuration from config.yaml in
// the working directory or ./config, the environment and an optional .env file
func New() (*Config, error) {
	return Load("")
}

// Load is New with an explicit config file. An empty path searches the
// default locations.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.outputs", []string{"stderr"})

	v.SetDefault("sandbox.backend", string(sandbox.BackendQEMU))
	v.SetDefault("sandbox.timeout_ms", 30000)
	v.SetDefault("sandbox.limits.cpu_time_sec", 5)
	v.SetDefault("sandbox.limits.max_open_files", 32)
	v.SetDefault("sandbox.limits.max_processes", 32)
	v.SetDefault("sandbox.limits.memory_mb", 500)
	v.SetDefault("sandbox.limits.max_file_size_mb", 10)

	// QEMU defaults
	v.SetDefault("sandbox.qemu.binary", "qemu-system-x86_64")
	v.SetDefault("sandbox.qemu.kernel", "/boot/vmlinuz-linux-lts")
	v.SetDefault("sandbox.qemu.initrd", "")
	v.SetDefault("sandbox.qemu.memory_mb", 64)
	v.SetDefault("sandbox.qemu.image_dir", "")
	v.SetDefault("sandbox.qemu_user.binary", "qemu-x86_64")
	v.SetDefault("sandbox.qemu_user.lib_root", "/usr/x86_64-linux-gnu")

	v.SetDefault("analysis.executable", "bin/ctrace")
	v.SetDefault("analysis.fallback_executable", "bin/resources")
	v.SetDefault("analysis.report_file", "report.txt")
	v.SetDefault("analysis.help_timeout_ms", 5000)

	v.SetDefault("jobs.work_dir", "temp")
	v.SetDefault("jobs.allowed_extensions", []string{".c", ".cpp", ".h", ".hpp"})
	v.SetDefault("jobs.max_file_size_bytes", 1024*1024)
	v.SetDefault("jobs.max_files", 10)
	v.SetDefault("jobs.cleanup_delay", time.Minute)
	v.SetDefault("jobs.retention_period", time.Hour)
	v.SetDefault("jobs.store", "memory")
	v.SetDefault("jobs.sqlite_path", ":memory:")

	v.SetDefault("api.analyze_rate_per_hour", 10)
	v.SetDefault("api.request_limit", 100)
	v.SetDefault("api.request_window", 15*time.Minute)
	v.SetDefault("api.trust_proxy_headers", false)
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // One flat list of checks reads better than helpers
func (c *Config) validate() error {
	switch c.Server.Transport {
	case "stdio", "http", "rest":
	default:
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio', 'http' or 'rest'", c.Server.Transport)
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if _, err := sandbox.ParseBackend(c.Sandbox.Backend); err != nil {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}
	if c.Sandbox.TimeoutMS <= 0 {
		return fmt.Errorf("sandbox.timeout_ms must be positive, got: %d", c.Sandbox.TimeoutMS)
	}
	limits := map[string]int{
		"sandbox.limits.cpu_time_sec":     c.Sandbox.Limits.CPUTimeSec,
		"sandbox.limits.max_open_files":   c.Sandbox.Limits.MaxOpenFiles,
		"sandbox.limits.max_processes":    c.Sandbox.Limits.MaxProcesses,
		"sandbox.limits.memory_mb":        c.Sandbox.Limits.MemoryMB,
		"sandbox.limits.max_file_size_mb": c.Sandbox.Limits.MaxFileSizeMB,
		"sandbox.qemu.memory_mb":          c.Sandbox.QEMU.MemoryMB,
	}
	for key, value := range limits {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got: %d", key, value)
		}
	}

	if c.Analysis.Executable == "" {
		return errors.New("analysis.executable must be set")
	}
	if c.Analysis.ReportFile != filepath.Base(c.Analysis.ReportFile) {
		return fmt.Errorf("analysis.report_file must be a plain file name, got: %s", c.Analysis.ReportFile)
	}
	if c.Analysis.HelpTimeoutMS <= 0 {
		return fmt.Errorf("analysis.help_timeout_ms must be positive, got: %d", c.Analysis.HelpTimeoutMS)
	}

	if c.Jobs.WorkDir == "" {
		return errors.New("jobs.work_dir must be set")
	}
	if len(c.Jobs.AllowedExtensions) == 0 {
		return errors.New("jobs.allowed_extensions must not be empty")
	}
	for _, ext := range c.Jobs.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("jobs.allowed_extensions entry %q must start with a dot", ext)
		}
	}
	if c.Jobs.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("jobs.max_file_size_bytes must be positive, got: %d", c.Jobs.MaxFileSizeBytes)
	}
	if c.Jobs.MaxFiles <= 0 {
		return fmt.Errorf("jobs.max_files must be positive, got: %d", c.Jobs.MaxFiles)
	}
	if c.Jobs.CleanupDelay <= 0 || c.Jobs.RetentionPeriod <= 0 {
		return fmt.Errorf("jobs.cleanup_delay and jobs.retention_period must be positive, got: %s and %s",
			c.Jobs.CleanupDelay, c.Jobs.RetentionPeriod)
	}
	switch c.Jobs.Store {
	case "memory":
	case "sqlite":
		if c.Jobs.SQLitePath == "" {
			return errors.New("jobs.sqlite_path must be set when jobs.store is 'sqlite'")
		}
	default:
		return fmt.Errorf("invalid jobs.store: %s, must be 'memory' or 'sqlite'", c.Jobs.Store)
	}

	if c.API.AnalyzeRatePerHour <= 0 {
		return fmt.Errorf("api.analyze_rate_per_hour must be positive, got: %d", c.API.AnalyzeRatePerHour)
	}
	if c.API.RequestLimit <= 0 || c.API.RequestWindow <= 0 {
		return fmt.Errorf("api.request_limit and api.request_window must be positive, got: %d and %s",
			c.API.RequestLimit, c.API.RequestWindow)
	}

	return nil
}

// GetTimeout returns the analysis timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutMS) * time.Millisecond
}

// SandboxExecutorConfig converts the sandbox section for the executors
func (c *Config) SandboxExecutorConfig() *sandbox.Config {
	return &sandbox.Config{
		Limits: sandbox.Limits{
			CPUTimeSec:    c.Sandbox.Limits.CPUTimeSec,
			MaxOpenFiles:  c.Sandbox.Limits.MaxOpenFiles,
			MaxProcesses:  c.Sandbox.Limits.MaxProcesses,
			MemoryMB:      c.Sandbox.Limits.MemoryMB,
			MaxFileSizeMB: c.Sandbox.Limits.MaxFileSizeMB,
		},
		QEMU: sandbox.QEMUConfig{
			Binary:   c.Sandbox.QEMU.Binary,
			Kernel:   c.Sandbox.QEMU.Kernel,
			Initrd:   c.Sandbox.QEMU.Initrd,
			MemoryMB: c.Sandbox.QEMU.MemoryMB,
			ImageDir: c.Sandbox.QEMU.ImageDir,
		},
		QEMUUser: sandbox.QEMUUserConfig{
			Binary:  c.Sandbox.QEMUUser.Binary,
			LibRoot: c.Sandbox.QEMUUser.LibRoot,
		},
	}
}

// JobManagerConfig converts the jobs section for the job manager
func (c *Config) JobManagerConfig() jobs.Config {
	return jobs.Config{
		WorkDir:           c.Jobs.WorkDir,
		AllowedExtensions: append([]string(nil), c.Jobs.AllowedExtensions...),
		MaxFileSizeBytes:  c.Jobs.MaxFileSizeBytes,
		MaxFiles:          c.Jobs.MaxFiles,
		CleanupDelay:      c.Jobs.CleanupDelay,
		RetentionPeriod:   c.Jobs.RetentionPeriod,
	}
}

// CoordinatorConfig converts the analysis section for the coordinator
func (c *Config) CoordinatorConfig() analysis.Config {
	return analysis.Config{
		Executable:         c.Analysis.Executable,
		FallbackExecutable: c.Analysis.FallbackExecutable,
		ReportFile:         c.Analysis.ReportFile,
		Timeout:            c.GetTimeout(),
		HelpTimeout:        time.Duration(c.Analysis.HelpTimeoutMS) * time.Millisecond,
		Backend:            sandbox.Backend(c.Sandbox.Backend),
	}
}

package main

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/tracebox/analysis"
	"github.com/isdmx/tracebox/api"
	"github.com/isdmx/tracebox/config"
	"github.com/isdmx/tracebox/jobs"
	"github.com/isdmx/tracebox/jobs/sqlite"
	"github.com/isdmx/tracebox/logger"
	"github.com/isdmx/tracebox/mcpserver"
	"github.com/isdmx/tracebox/sandbox"
)

// coreModule wires everything up to the analysis service. Transports are
// added on top by the serve command.
func coreModule(configPath string) fx.Option {
	return fx.Options(
		fx.Provide(
			// Config
			func() (*config.Config, error) {
				return config.Load(configPath)
			},

			// Logger with configuration
			newLogger,

			// Job bookkeeping
			newStore,
			newScheduler,
			newJobManager,

			// Sandbox fallback chain
			newRunner,

			// Analysis coordinator
			newService,
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			// Sync on a terminal stderr reports EINVAL; nothing to act on.
			_ = log.Sync()
			return nil
		},
	})
	return log, nil
}

func newStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (jobs.Store, error) {
	var store jobs.Store
	switch cfg.Jobs.Store {
	case "sqlite":
		s, err := sqlite.Open(cfg.Jobs.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open job store: %w", err)
		}
		store = s
	default:
		store = jobs.NewMemoryStore()
	}
	log.Info("job store ready", zap.String("store", cfg.Jobs.Store))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newScheduler(lc fx.Lifecycle) jobs.Scheduler {
	scheduler := jobs.NewTimerScheduler()
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			scheduler.Stop()
			return nil
		},
	})
	return scheduler
}

func newJobManager(cfg *config.Config, log *zap.Logger, store jobs.Store, scheduler jobs.Scheduler) (*jobs.Manager, error) {
	return jobs.NewManager(log, cfg.JobManagerConfig(), store, scheduler)
}

func newRunner(cfg *config.Config, log *zap.Logger) analysis.Runner {
	return sandbox.NewDefaultOrchestrator(log, cfg.SandboxExecutorConfig())
}

func newService(cfg *config.Config, log *zap.Logger, manager *jobs.Manager, runner analysis.Runner) (analysis.Service, error) {
	return analysis.NewCoordinator(log, cfg.CoordinatorConfig(), manager, runner, nil)
}

// startTransport serves the configured transport for the lifetime of the app.
// When a blocking transport returns on its own the whole app shuts down.
func startTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, service analysis.Service) error {
	var (
		serve func() error
		stop  func(context.Context) error
	)

	switch cfg.Server.Transport {
	case "stdio", "http":
		server, err := mcpserver.New(cfg, log, service)
		if err != nil {
			return err
		}
		serve = server.ServeStdio
		stop = func(context.Context) error { return nil }
		if cfg.Server.Transport == "http" {
			serve = server.ServeHTTP
			stop = server.Shutdown
		}
	case "rest":
		server := api.New(cfg, log, service)
		serve = server.Start
		stop = server.Shutdown
	default:
		return fmt.Errorf("unsupported transport: %s", cfg.Server.Transport)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := serve(); err != nil {
					log.Error("transport stopped", zap.String("transport", cfg.Server.Transport), zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: stop,
	})
	return nil
}

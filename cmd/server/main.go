package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/isdmx/tracebox/analysis"
	"github.com/isdmx/tracebox/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "tracebox",
		Short:         "Sandboxed C/C++ analysis over MCP or REST",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (default: ./config.yaml or ./config/config.yaml)")

	root.AddCommand(
		newServeCommand(&configPath),
		newAnalyzeCommand(&configPath),
		newToolsCommand(&configPath),
	)
	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the analyzer on the configured transport (stdio, http or rest)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app := fx.New(
				coreModule(*configPath),
				fx.Invoke(startTransport),
			)
			if err := app.Err(); err != nil {
				return err
			}

			if err := app.Start(cmd.Context()); err != nil {
				return err
			}

			var code int
			select {
			case sig := <-app.Wait():
				code = sig.ExitCode
			case <-cmd.Context().Done():
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
			defer cancel()
			if err := app.Stop(stopCtx); err != nil {
				return err
			}
			if code != 0 {
				return fmt.Errorf("transport exited with code %d", code)
			}
			return nil
		},
	}
}

func newAnalyzeCommand(configPath *string) *cobra.Command {
	var (
		options jobs.Options
		keep    bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <file>...",
		Short: "Analyze local source files once and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := readSources(args)
			if err != nil {
				return err
			}

			return withCore(cmd.Context(), *configPath, func(service analysis.Service, manager *jobs.Manager) error {
				result, err := service.Analyze(cmd.Context(), files, options)

				// The process exits before any scheduled cleanup fires.
				jobID := ""
				var jerr *analysis.JobError
				switch {
				case err == nil:
					jobID = result.JobID
				case errors.As(err, &jerr):
					jobID = jerr.JobID
				}
				if jobID != "" && !keep {
					if cleanErr := manager.Cleanup(context.WithoutCancel(cmd.Context()), jobID); cleanErr != nil {
						err = errors.Join(err, fmt.Errorf("remove work dir of job %s: %w", jobID, cleanErr))
					}
				}

				if err != nil {
					var verr *analysis.ValidationError
					if errors.As(err, &verr) {
						return fmt.Errorf("validation failed: %v", verr.Violations)
					}
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}

	cmd.Flags().BoolVar(&options.Static, "static", false, "Run static analysis")
	cmd.Flags().BoolVar(&options.Dynamic, "dynamic", false, "Run dynamic analysis")
	cmd.Flags().StringSliceVar(&options.Tools, "tools", nil, "Analyzer tools to invoke (comma separated)")
	cmd.Flags().BoolVar(&keep, "keep", false, "Keep the job work directory for inspection")
	return cmd
}

func newToolsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tools the analyzer can invoke",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), *configPath, func(service analysis.Service) error {
				tools, err := service.Tools(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"tools": tools})
			})
		},
	}
}

// withService starts the core graph, hands the service to fn and stops the
// graph again so scheduled cleanups and the store are released.
func withService(ctx context.Context, configPath string, fn func(analysis.Service) error) error {
	return withCore(ctx, configPath, func(service analysis.Service, _ *jobs.Manager) error {
		return fn(service)
	})
}

// withCore is withService that also exposes the job manager.
func withCore(ctx context.Context, configPath string, fn func(analysis.Service, *jobs.Manager) error) error {
	var (
		service analysis.Service
		manager *jobs.Manager
	)
	app := fx.New(
		coreModule(configPath),
		fx.Populate(&service, &manager),
	)
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	runErr := fn(service, manager)

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	return errors.Join(runErr, app.Stop(stopCtx))
}

// readSources keys each file by its base name, as a submission would.
func readSources(paths []string) (map[string]string, error) {
	files := make(map[string]string, len(paths))
	for _, path := range paths {
		name := filepath.Base(path)
		if _, dup := files[name]; dup {
			return nil, fmt.Errorf("duplicate file name %s", name)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		files[name] = string(data)
	}
	return files, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

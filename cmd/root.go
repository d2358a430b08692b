// Package cmd defines and implements the CLI commands for the robustfetch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/robustfetch/internal/app"
	"github.com/JakeFAU/robustfetch/internal/config"
	"github.com/JakeFAU/robustfetch/internal/convert"
	"github.com/JakeFAU/robustfetch/internal/logging"
	"github.com/JakeFAU/robustfetch/internal/mirror"
	"github.com/JakeFAU/robustfetch/internal/pipeline"
)

// App is the subset of the application that commands use.
type App interface {
	Start(ctx context.Context)
	Pipeline() *pipeline.Pipeline
	Converter() *convert.Selector
	Mirrors() *mirror.Table
	Handler() http.Handler
	Close(ctx context.Context)
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.Build(ctx, cfg, logger)
}

type envKey struct{}

// env is what PersistentPreRunE hands to subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		dev     bool
	)
	cmd := &cobra.Command{
		Use:   "robustfetch",
		Short: "Fetch documents that resist fetching.",
		Long: `robustfetch downloads a URL through a cascade of tactics: a browser-like
HTTP session, curl and wget, then alternate mirror domains, then the Internet
Archive. HTML results can be rendered to PDF.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if dev {
				cfg.Logging.Development = true
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
				Service:     cfg.Tracing.ServiceName,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey{}, env{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey{}).(env); ok {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./robustfetch.yaml)")
	cmd.PersistentFlags().BoolVar(&dev, "dev", false, "human-readable development logging")

	cmd.AddCommand(newFetchCmd(), newConvertCmd(), newMirrorsCmd(), newServeCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (env, error) {
	e, ok := ctx.Value(envKey{}).(env)
	if !ok {
		return env{}, errors.New("configuration not loaded")
	}
	return e, nil
}

// buildApp constructs the application for a command and returns a closer.
func buildApp(ctx context.Context) (App, env, error) {
	e, err := resolveEnv(ctx)
	if err != nil {
		return nil, env{}, err
	}
	a, err := newApp(ctx, e.cfg, e.logger)
	if err != nil {
		return nil, env{}, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return a, e, nil
}

// Execute is the main entry point.
func Execute() {
	ctx := context.Background()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}

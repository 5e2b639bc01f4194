// Package cmd defines and implements the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/app"
	"github.com/JakeFAU/roster-harvester/internal/config"
	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/logging"
)

// appKeyType is the key for storing the Service in the context.
type appKeyType string

const appKey appKeyType = "app"

// Controller is the slice of the job machine the one-shot commands drive.
type Controller interface {
	Launch(ctx context.Context, jobID string) (harvest.Job, error)
	Pause(ctx context.Context, jobID string) (harvest.Job, error)
	Resume(ctx context.Context, jobID string) (harvest.Job, error)
	GetProgress(ctx context.Context, jobID string) (harvest.Progress, error)
}

// Service defines the application surface commands use. Tests swap in a fake.
type Service interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Jobs() Controller
}

type builtApp struct {
	*app.App
}

func (b builtApp) Jobs() Controller {
	return b.App.Jobs()
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Service, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return builtApp{App: a}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Resolves business names to company pages and harvests their rosters.",
		Long: `harvester runs discovery and extraction jobs: it resolves each business name
to a company profile, pages through the people listed there under a rate-limited
account lease, and classifies every person against the job's target roles.`,
		SilenceUsage: true,

		// Runs after flags are parsed but before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			svc, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, svc))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if svc, ok := cmd.Context().Value(appKey).(Service); ok && svc != nil {
				_ = svc.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment: HARVEST_*)")

	cmd.AddCommand(
		newServeCmd(),
		newLaunchCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newStatusCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (Service, error) {
	svc, ok := ctx.Value(appKey).(Service)
	if !ok || svc == nil {
		return nil, fmt.Errorf("application not initialized")
	}
	return svc, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Package cmd defines the imagery-worker CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/place-imagery-worker/internal/app"
	"github.com/JakeFAU/place-imagery-worker/internal/capture"
	"github.com/JakeFAU/place-imagery-worker/internal/config"
	"github.com/JakeFAU/place-imagery-worker/internal/logging"
)

var cfgFile string

type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the application container, so tests
// can inject a fake.
type App interface {
	Logger() *zap.Logger
	Ledger() capture.Ledger
	Work(ctx context.Context) error
	Close()
}

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imagery-worker",
		Short: "Leases place tasks and captures their street-view and gallery imagery.",
		Long: `imagery-worker claims tasks from a shared ledger, drives a headless browser
through each place's map widget, captures the street-view and gallery surfaces,
and stores normalized JPEG artifacts in object storage. Run as many workers as
you like against the same ledger; leases keep them from colliding.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON); IMAGERY_* env vars override it")

	for _, sub := range []*cobra.Command{newWorkCmd(), newEnqueueCmd(), newRequeueFailedCmd()} {
		sub.RunE = closingApp(sub.RunE)
		cmd.AddCommand(sub)
	}
	return cmd
}

// closingApp closes the application after run returns. Cobra skips
// PersistentPostRun when RunE fails, so the close has to live here.
func closingApp(run func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer func() {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
				_ = appInstance.Logger().Sync()
			}
		}()
		return run(cmd, args)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// Execute runs the CLI until it finishes or the process is signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run the lease loop until interrupted",
		Long: `Starts one browser session and processes one task at a time. Tasks
left unfinished by a crashed worker are picked up once their lease exceeds
worker.staleness_timeout. The ops server (health and Prometheus metrics) runs
alongside on server.port.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Work(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run worker: %w", err)
			}
			appInstance.Logger().Info("worker shut down")
			return nil
		},
	}
}

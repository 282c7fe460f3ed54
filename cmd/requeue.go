package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRequeueFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue-failed",
		Short: "Move every failed task back to pending",
		Long: `Workers never retry failed tasks on their own. Run this after fixing
whatever made them fail (selectors, storage credentials, a blocked network)
to give them another pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.Ledger().RequeueFailed(cmd.Context())
			if err != nil {
				return fmt.Errorf("requeue failed tasks: %w", err)
			}
			appInstance.Logger().Info("requeued failed tasks", zap.Int64("count", n))
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d task(s)\n", n)
			return nil
		},
	}
}

package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newEnqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <url>...",
		Short: "Add pending tasks for the given place URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range args {
				u, err := url.Parse(raw)
				if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
					return fmt.Errorf("invalid source url %q", raw)
				}
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := appInstance.Ledger().Enqueue(cmd.Context(), args)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			for i, id := range ids {
				appInstance.Logger().Info("enqueued task", zap.String("task_id", id), zap.String("url", args[i]))
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

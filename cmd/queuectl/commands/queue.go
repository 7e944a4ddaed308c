package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type queueOutput struct {
	Size       int64   `json:"size"`
	AgeSeconds float64 `json:"age_seconds"`
}

func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the batch queue",
	}

	queueCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show how many batches wait and for how long",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, false, func(ctx context.Context, s *session) error {
				size, err := s.queue.QueueSize(ctx)
				if err != nil {
					return fmt.Errorf("error getting queue size: %w", err)
				}
				age, err := s.queue.QueueAge(ctx)
				if err != nil {
					return fmt.Errorf("error getting queue age: %w", err)
				}
				return printJSON(cmd, queueOutput{Size: size, AgeSeconds: age.Seconds()})
			})
		},
	})

	return queueCmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the queue schema to PostgreSQL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, true, func(context.Context, *session) error {
				fmt.Fprintln(cmd.OutOrStdout(), "queue schema is up to date")
				return nil
			})
		},
	}
}

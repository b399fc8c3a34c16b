package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/cimillas/gatherly/internal/config"
)

// sweepCmd runs one sweep and exits, for deployments that schedule
// sweeps externally (cron, a job runner) and serve with --no-sweeps.
func sweepCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a single scheduled sweep",
	}

	run := func(name string, fn func(ctx context.Context, rt *runtime, cmd *cobra.Command) error) *cobra.Command {
		return &cobra.Command{
			Use:   name,
			Short: "Run the " + name + " sweep once",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				logger := log.Default()
				cfg, err := config.Load(*configPath, logger)
				if err != nil {
					return err
				}
				ctx := cmd.Context()
				if ctx == nil {
					ctx = context.Background()
				}
				rt, err := build(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer rt.Close()
				return fn(ctx, rt, cmd)
			},
		}
	}

	cmd.AddCommand(run("expiry", func(ctx context.Context, rt *runtime, cmd *cobra.Command) error {
		n, err := rt.participations.ExpireReservations(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d reservations\n", n)
		return nil
	}))
	cmd.AddCommand(run("release", func(ctx context.Context, rt *runtime, cmd *cobra.Command) error {
		report, err := rt.escrow.RunRelease(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "scheduled=%d retried=%d failed=%d skipped=%d\n", report.Scheduled, report.Retried, report.Failed, report.Skipped)
		return err
	}))
	cmd.AddCommand(run("refunds", func(ctx context.Context, rt *runtime, cmd *cobra.Command) error {
		n, err := rt.refunds.ResumeRefunds(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "resumed %d refunds\n", n)
		return err
	}))
	cmd.AddCommand(run("outbox", func(ctx context.Context, rt *runtime, cmd *cobra.Command) error {
		n, err := rt.relay.RunOnce(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "published %d messages\n", n)
		return err
	}))
	return cmd
}

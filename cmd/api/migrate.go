package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/cimillas/gatherly/internal/config"
	"github.com/cimillas/gatherly/migrations"
)

func migrateCmd(configPath *string) *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply the embedded SQL migrations in order under an advisory lock.

Examples:
  gatherly-api migrate
  gatherly-api migrate --status`,
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
			pool, err := connect(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()

			out := cmd.OutOrStdout()
			if status {
				entries, err := migrations.Pending(ctx, pool)
				if err != nil {
					return err
				}
				for _, st := range entries {
					if st.AppliedAt == nil {
						fmt.Fprintf(out, "pending  %s\n", st.Name)
						continue
					}
					fmt.Fprintf(out, "applied  %s  %s\n", st.Name, st.AppliedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			}

			applied, err := migrations.Apply(ctx, pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(out, "schema up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(out, "applied %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "list migrations and whether they are applied")
	return cmd
}

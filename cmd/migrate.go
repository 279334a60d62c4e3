package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crowdgate/crowdgate/internal/queue"
	"github.com/crowdgate/crowdgate/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long:  "Creates the store tables (tenants, comments, analysis, shield actions, offenders, replies, usage) and, on postgres, the jobs table for the failover queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Store.Migrate(cmd.Context()); err != nil {
			return err
		}
		zap.L().Info("migrate: store schema applied", zap.String("driver", cfg.Store.Driver))

		if pg, ok := e.Store.(*store.PostgresStore); ok {
			if err := queue.NewPostgres(pg.Pool()).Migrate(cmd.Context()); err != nil {
				return err
			}
			zap.L().Info("migrate: jobs table applied")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

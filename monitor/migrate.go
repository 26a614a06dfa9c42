package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itskum47/scnms/monitor/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the Postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()

		if cfg.Database.URL == "" {
			return errors.New("database.url is required to migrate")
		}
		pg, err := store.NewPostgresStore(cmd.Context(), cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := pg.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

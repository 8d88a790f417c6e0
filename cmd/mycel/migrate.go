package main

import (
	"github.com/spf13/cobra"

	"mycel/internal/logging"
	"mycel/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return &configError{err: err}
		}
		defer func() { _ = log.Sync() }()

		st, err := store.New(cmd.Context(), cfg.Store.DSN, log.Named("store"))
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}
		log.Info("schema migrations applied")
		return nil
	},
}

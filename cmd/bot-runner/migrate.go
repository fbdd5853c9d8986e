package main

import (
	"fmt"

	"github.com/kubev2v/bot-runner/internal/store"
	"github.com/kubev2v/bot-runner/pkg/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the progress store migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, done, err := setup()
		if err != nil {
			return fmt.Errorf("reading configuration: %w", err)
		}
		defer done()

		if cfg.Store.Backend != store.BackendSQL && cfg.Store.Backend != "" {
			zap.S().Infof("store backend %q needs no migration", cfg.Store.Backend)
			return nil
		}

		zap.S().Info("Initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			return fmt.Errorf("initializing data store: %w", err)
		}
		s := store.NewStore(db)
		defer s.Close()

		if err := migrations.MigrateStore(cmd.Context(), db, cfg); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		zap.S().Info("Db migrated")
		return nil
	},
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memohai/qianfanbot/internal/config"
	"github.com/memohai/qianfanbot/internal/db"
	"github.com/memohai/qianfanbot/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|version]",
	Short:     "Manage the Postgres history schema",
	Long:      `Apply, roll back or inspect the embedded Postgres migrations. SQLite stores migrate themselves on open.`,
	Args:      cobra.ExactValidArgs(1),
	ValidArgs: []string{"up", "down", "version"},
	RunE:      runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Store.Driver != config.StorePostgres {
		return fmt.Errorf("migrate requires store.driver = %q, got %q", config.StorePostgres, cfg.Store.Driver)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	m, err := db.NewMigrator(logger.L, cfg.Postgres)
	if err != nil {
		return err
	}
	defer m.Close()

	out := cmd.OutOrStdout()
	switch args[0] {
	case "up":
		return m.Up()
	case "down":
		if err := m.Down(); err != nil {
			return fmt.Errorf("roll back migrations: %w", err)
		}
		fmt.Fprintln(out, "migrations rolled back")
		return nil
	default:
		version, dirty, ok, err := m.Version()
		if err != nil {
			return fmt.Errorf("read migration version: %w", err)
		}
		if !ok {
			fmt.Fprintln(out, "no migrations applied")
			return nil
		}
		fmt.Fprintf(out, "version %d (dirty: %v)\n", version, dirty)
		return nil
	}
}

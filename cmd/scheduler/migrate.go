package main

import (
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"signalcore/pkg/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back the SQL migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrations(config.ExecuteMigrations)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrations(config.RollbackMigration)
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}

func withMigrations(fn func(db *gorm.DB, dir string) error) error {
	s, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(s.LogLevel)

	db, err := config.InitDB(s)
	if err != nil {
		return err
	}
	return fn(db, s.MigrationsDir)
}

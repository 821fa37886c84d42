package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"trackunblock/work/database"
	"trackunblock/work/logger"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}
	cmd.AddCommand(newDBBackupCmd(), newDBVacuumCmd())
	return cmd
}

// openDB opens only the database; maintenance does not need the source runtime.
func openDB() (*database.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger.SetLogLevel(cfg.LogLevel)
	return database.Open(cfg.DatabasePath)
}

func newDBBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <path>",
		Short: "Write a consistent copy of the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Backup(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", args[0])
			return nil
		},
	}
}

func newDBVacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum",
		Short: "Reclaim unused database space",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Vacuum(); err != nil {
				return err
			}
			stats, err := db.GetStats()
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Vacuum complete, database is %v bytes\n", stats["database_size_bytes"])
			return nil
		},
	}
}

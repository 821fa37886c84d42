// Package cli implements unblockctl, the operator command line. It works directly
// against the service database, so it is meant for use while the server is stopped
// or for read-mostly inspection alongside it.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"trackunblock/work/app"
	"trackunblock/work/config"
)

var (
	configPath string
	dbPath     string
	outputJSON bool
	verbose    bool
)

// Execute runs the root cobra command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "unblockctl",
		Short:         "Manage and exercise track unblock sources",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default $UNBLOCK_CONFIG or "+config.DefaultConfigPath+")")
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "Override the database path from the config")
	cmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output machine-readable JSON")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at DEBUG level to stderr")

	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newTestCmd())
	cmd.AddCommand(newSourcesCmd())
	cmd.AddCommand(newDBCmd())

	return cmd
}

// loadConfig reads --config when given, otherwise the service's usual location.
// The returned value is a private copy with CLI overrides applied.
func loadConfig() (*config.Config, error) {
	var cfg config.Config
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	} else {
		cfg = *config.LoadConfig()
	}

	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	cfg.LogLevel = "WARN"
	if verbose {
		cfg.LogLevel = "DEBUG"
	}
	return &cfg, nil
}

// openApp builds the runtime for one command; callers must Close it.
func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

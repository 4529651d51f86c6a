package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "kioskd",
		Short: "kioskd - kiosk dashboard plugin runtime",
		Long: `kioskd runs a wall-mounted dashboard's plugin fleet: it discovers
plugin directories, walks each one through its lifecycle, and serves their
endpoints over a small HTTP API.

Plugins are Starlark scripts. Each plugin directory carries a main.star
exposing api_* endpoint functions and optional setup/init/cleanup hooks,
plus an optional config.json and plugin.yaml.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newPluginsCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

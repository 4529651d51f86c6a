package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kioskd/kioskd/pkg/config"
	"github.com/kioskd/kioskd/pkg/plugins"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and plugin layout",
		Long: `Load and validate the configuration file, then check that every
enabled plugin exists on disk with an entry file. Exits non-zero on the
first problem found.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if _, err := os.Stat(cfg.PluginsDir); err != nil {
				return fmt.Errorf("plugins directory %s: %w", cfg.PluginsDir, err)
			}

			for name := range cfg.EnabledPlugins() {
				dir := filepath.Join(cfg.PluginsDir, name)
				if _, err := os.Stat(dir); err != nil {
					return fmt.Errorf("enabled plugin %q has no directory under %s", name, cfg.PluginsDir)
				}
				if _, err := os.Stat(filepath.Join(dir, plugins.EntryFileName)); err != nil {
					return fmt.Errorf("enabled plugin %q is missing %s", name, plugins.EntryFileName)
				}
			}

			if _, err := cfg.LoadCredentials(); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	}
}

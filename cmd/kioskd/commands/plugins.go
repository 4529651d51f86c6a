package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kioskd/kioskd/pkg/config"
	"github.com/kioskd/kioskd/pkg/plugins"
)

func newPluginsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Plugin inspection",
	}

	cmd.AddCommand(newPluginsListCommand())
	return cmd
}

func newPluginsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plugins found in the plugins directory",
		Long: `List every plugin directory under the configured plugins directory,
whether it is enabled, and what its manifest declares. Scripts are not
executed; this inspects the directory layout only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			entries, err := os.ReadDir(cfg.PluginsDir)
			if err != nil {
				return fmt.Errorf("failed to read plugins directory: %w", err)
			}
			enabled := cfg.EnabledPlugins()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENABLED\tVERSION\tENTRY\tDESCRIPTION")
			for _, entry := range entries {
				if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
					continue
				}
				name := entry.Name()
				dir := filepath.Join(cfg.PluginsDir, name)

				hasEntry := "missing"
				if _, err := os.Stat(filepath.Join(dir, plugins.EntryFileName)); err == nil {
					hasEntry = "ok"
				}

				manifest := plugins.DefaultManifest(name)
				if m, err := plugins.LoadManifest(filepath.Join(dir, plugins.ManifestFileName)); err == nil {
					manifest = m
				}

				_, isEnabled := enabled[name]
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n", name, isEnabled, manifest.Version, hasEntry, manifest.Description)
			}
			return w.Flush()
		},
	}
}

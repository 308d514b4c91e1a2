package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/plugind/pkg/config"
)

// flagEnv maps persistent flags onto the environment variables read by
// config.LoadConfig. A flag set on the command line wins over the variable.
var flagEnv = map[string]string{
	"plugin-dir":   "PLUGIND_PLUGIN_DIR",
	"db-driver":    "PLUGIND_DB_DRIVER",
	"db-dsn":       "PLUGIND_DB_DSN",
	"core-version": "PLUGIND_CORE_VERSION",
	"log-level":    "PLUGIND_LOG_LEVEL",
	"log-format":   "PLUGIND_LOG_FORMAT",
}

func newRootCommand(version, commit string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plugind",
		Short: "plugind - multi-tenant plugin runtime",
		Long: `plugind discovers plugin packages, keeps the plugin registry in sync and
serves every approved tenant installation, sandboxed in a worker process or
in-process when the sandbox is unavailable.

Configuration is read from PLUGIND_* environment variables. The flags below
override them.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("plugin-dir", "", "Directory scanned for plugin packages")
	flags.String("db-driver", "", "Database driver (postgres or sqlite3)")
	flags.String("db-dsn", "", "Database connection string")
	flags.String("core-version", "", "Host core version plugins are checked against")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-format", "", "Log format (text or json)")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newPluginsCommand())

	return rootCmd
}

// loadConfig applies the changed persistent flags and loads the configuration
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	for name, env := range flagEnv {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := os.Setenv(env, flag.Value.String()); err != nil {
			return nil, fmt.Errorf("failed to apply --%s: %w", name, err)
		}
	}
	return config.LoadConfig()
}

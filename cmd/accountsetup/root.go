package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/snowmerak/accountsetup.go/lib/accounts"
	"github.com/snowmerak/accountsetup.go/lib/config"
	"github.com/snowmerak/accountsetup.go/lib/logging"
)

const (
	FlagConfig    = "config"
	FlagPluginDir = "plugin-dir"
	FlagLogLevel  = "log-level"

	appName = "accountsetup"
)

// env is what every subcommand works with once flags are parsed.
type env struct {
	configPath string
	pluginDirs []string
	logLevel   string

	cfg    config.Config
	store  *accounts.FileStore
	logger zerolog.Logger
}

func (e *env) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return err
	}
	if len(e.pluginDirs) > 0 {
		cfg.PluginDirs = e.pluginDirs
	}

	level := e.logLevel
	if level == "" {
		level = cfg.Log.Level
	}
	e.logger = logging.Init(appName, logging.ProfileRuntime, level)
	e.cfg = cfg
	e.store = accounts.NewFileStore(cfg.ProvidersDir, cfg.AccountsFile)

	e.logger.Debug().
		Strs("plugin_dirs", cfg.PluginDirs).
		Str("providers_dir", cfg.ProvidersDir).
		Str("accounts_file", cfg.AccountsFile).
		Msg("configuration loaded")
	return nil
}

// New returns the root command.
func New() *cobra.Command {
	e := &env{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Create and edit accounts through provider setup plugins",
		Long: `Create and edit accounts through provider setup plugins.

Each provider is served by a plugin executable named "<provider>plugin", or by
the plugin its descriptor declares. Providers without a plugin of their own
fall back to "genericplugin". Plugins are searched in the configured plugin
directories, in order.`,
		SilenceUsage:      true,
		PersistentPreRunE: e.setup,
	}

	cmd.PersistentFlags().StringVar(&e.configPath, FlagConfig, "", "path to a TOML configuration file")
	cmd.PersistentFlags().StringSliceVar(&e.pluginDirs, FlagPluginDir, nil, "plugin directory to search (repeatable, overrides the configuration)")
	cmd.PersistentFlags().StringVar(&e.logLevel, FlagLogLevel, "", "log level (trace, debug, info, warn, error)")

	cmd.AddCommand(
		newCreateCommand(e),
		newEditCommand(e),
		newProvidersCommand(e),
		newResolveCommand(e),
	)
	return cmd
}

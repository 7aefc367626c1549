// Package config loads the account setup configuration from TOML.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/snowmerak/accountsetup.go/lib/locator"
)

const (
	// EnvProviders points at the provider descriptor directory.
	EnvProviders = "AG_PROVIDERS"
	// EnvAccounts points at the directory holding the accounts file.
	EnvAccounts = "ACCOUNTS"
	// EnvPluginDirs is a path list of helper directories.
	EnvPluginDirs = "ACCOUNTSETUP_PLUGIN_DIRS"

	DefaultProvidersDir   = "/usr/share/accounts/providers"
	AccountsFileName      = "accounts.yaml"
	DefaultConnectTimeout = 5 * time.Second
	DefaultDrainTimeout   = time.Second
)

type Config struct {
	PluginDirs     []string      `toml:"plugin_dirs"`
	ProvidersDir   string        `toml:"providers_dir"`
	AccountsFile   string        `toml:"accounts_file"`
	ConnectTimeout time.Duration `toml:"connect_timeout"`
	DrainTimeout   time.Duration `toml:"drain_timeout"`
	Log            LogConfig     `toml:"log"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		PluginDirs:     []string{locator.DefaultPluginDir},
		ProvidersDir:   DefaultProvidersDir,
		AccountsFile:   defaultAccountsFile(),
		ConnectTimeout: DefaultConnectTimeout,
		DrainTimeout:   DefaultDrainTimeout,
	}
}

func defaultAccountsFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "accountsetup", AccountsFileName)
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path or a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
			}
		}
	}

	ApplyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from the environment.
func ApplyEnv(cfg *Config) {
	if dir := strings.TrimSpace(os.Getenv(EnvProviders)); dir != "" {
		cfg.ProvidersDir = dir
	}
	if dir := strings.TrimSpace(os.Getenv(EnvAccounts)); dir != "" {
		cfg.AccountsFile = filepath.Join(dir, AccountsFileName)
	}
	if list := strings.TrimSpace(os.Getenv(EnvPluginDirs)); list != "" {
		var dirs []string
		for _, dir := range filepath.SplitList(list) {
			if dir = strings.TrimSpace(dir); dir != "" {
				dirs = append(dirs, dir)
			}
		}
		if len(dirs) > 0 {
			cfg.PluginDirs = dirs
		}
	}
}

func Validate(cfg Config) error {
	if len(cfg.PluginDirs) == 0 {
		return fmt.Errorf("config missing plugin_dirs")
	}
	for i, dir := range cfg.PluginDirs {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("plugin_dirs[%d] is empty", i)
		}
	}
	if strings.TrimSpace(cfg.ProvidersDir) == "" {
		return fmt.Errorf("config missing providers_dir")
	}
	if strings.TrimSpace(cfg.AccountsFile) == "" {
		return fmt.Errorf("config missing accounts_file")
	}
	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	if cfg.DrainTimeout <= 0 {
		return fmt.Errorf("drain_timeout must be positive")
	}
	return nil
}

// Package generic is the setup logic of the fallback plugin used for
// providers that do not ship a plugin of their own. It stores a plain account
// for the provider without asking anything.
package generic

import (
	"context"
	"fmt"

	"github.com/snowmerak/accountsetup.go/lib/accounts"
	"github.com/snowmerak/accountsetup.go/lib/config"
	"github.com/snowmerak/accountsetup.go/lib/helper"
	"github.com/snowmerak/accountsetup.go/lib/logging"
	"github.com/snowmerak/accountsetup.go/lib/protocol"
)

const (
	AppName = "genericplugin"

	// Plugin specific arguments, passed as additional parameters by the
	// orchestrator.
	ArgDisplayName = "--display-name"
	ArgCancel      = "--cancel"
	ArgConfig      = "--config"
)

// Run performs the operation named by args and reports it. opts are applied
// after the options derived from the configuration.
func Run(ctx context.Context, args []string, opts ...helper.Option) error {
	cfg, err := config.Load(argValue(args, ArgConfig))
	if err != nil {
		return err
	}
	logger := logging.Init(AppName, logging.ProfileRuntime, cfg.Log.Level)

	store := accounts.NewFileStore(cfg.ProvidersDir, cfg.AccountsFile)
	base := []helper.Option{
		helper.WithLogger(logger),
		helper.WithConnectTimeout(cfg.ConnectTimeout),
	}
	rt := helper.New(args, store, append(base, opts...)...)

	if hasArg(args, ArgCancel) {
		return rt.ReportCancelled(ctx)
	}

	switch rt.SetupType() {
	case protocol.CreateNew:
		account := rt.Account()
		account.DisplayName = displayName(store, account.ProviderName(), argValue(args, ArgDisplayName))
		if err := store.SaveAccount(account); err != nil {
			logger.Error().Err(err).Msg("failed to store account")
			return rt.ReportCancelled(ctx)
		}
		logger.Info().Stringer("account", account.ID).Str("provider", account.ProviderName()).Msg("account created")
	case protocol.EditExisting:
		account := rt.Account()
		if account == nil {
			return rt.ReportCancelled(ctx)
		}
		if name := argValue(args, ArgDisplayName); name != "" {
			account.DisplayName = name
			if err := store.SaveAccount(account); err != nil {
				logger.Error().Err(err).Msg("failed to store account")
			}
		}
		rt.ReportExisting(account.ID)
	default:
		return fmt.Errorf("nothing to do: expected %s or %s", protocol.FlagCreate, protocol.FlagEdit)
	}

	return rt.Terminate(ctx)
}

func displayName(store accounts.Store, providerName, requested string) string {
	if requested != "" {
		return requested
	}
	if p, err := store.Provider(providerName); err == nil && p.DisplayName != "" {
		return p.DisplayName
	}
	return providerName
}

func argValue(args []string, name string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}

func hasArg(args []string, name string) bool {
	for _, arg := range args {
		if arg == name {
			return true
		}
	}
	return false
}

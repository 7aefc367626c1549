// Command genericplugin is the setup plugin used for providers that do not
// ship a plugin of their own.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/snowmerak/accountsetup.go/lib/generic"
)

func main() {
	if err := New().Execute(); err != nil {
		os.Exit(1)
	}
}

// New returns the plugin command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   generic.AppName + " (--create PROVIDER | --edit ACCOUNT-ID) [--socketName NAME] [--config FILE]",
		Short: "Generic account setup plugin",
		// The launching process owns the command line format.
		DisableFlagParsing: true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return generic.Run(cmd.Context(), args)
		},
	}
}

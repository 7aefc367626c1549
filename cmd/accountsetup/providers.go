package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/snowmerak/accountsetup.go/lib/accounts"
	"github.com/snowmerak/accountsetup.go/lib/locator"
)

func newProvidersCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "providers",
		Aliases: []string{"ls"},
		Short:   "List providers and the plugin each one resolves to",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			providers, err := e.store.Providers()
			if err != nil {
				return err
			}
			renderProviders(cmd.OutOrStdout(), locator.New(e.cfg.PluginDirs...), providers)
			return nil
		},
	}
}

func renderProviders(w io.Writer, loc *locator.Locator, providers []*accounts.Provider) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Provider", "Name", "Declared plugin", "Plugin path"})
	for _, p := range providers {
		path := "-"
		if reg, err := loc.Resolve(p); err == nil {
			path = reg.Path
		}
		declared := p.DeclaredPluginName()
		if declared == "" {
			declared = "-"
		}
		t.AppendRow(table.Row{p.Name(), p.DisplayName, declared, path})
	}
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	t.Render()
}

func newResolveCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve PROVIDER",
		Short: "Show which plugin would run for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := e.store.Provider(args[0])
			if err != nil {
				return err
			}
			return printResolution(cmd.OutOrStdout(), locator.New(e.cfg.PluginDirs...), provider)
		},
	}
}

func printResolution(w io.Writer, loc *locator.Locator, p *accounts.Provider) error {
	fmt.Fprintf(w, "candidates: %s\n", strings.Join(locator.Candidates(p), ", "))
	fmt.Fprintf(w, "search path: %s\n", strings.Join(loc.Dirs(), ", "))

	reg, err := loc.Resolve(p)
	if errors.Is(err, locator.ErrNotFound) {
		fmt.Fprintln(w, "plugin: not found")
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "plugin: %s (%s)\n", reg.Name, reg.Path)
	return nil
}

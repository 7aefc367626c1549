package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snowmerak/accountsetup.go/lib/accounts"
	"github.com/snowmerak/accountsetup.go/lib/generic"
	"github.com/snowmerak/accountsetup.go/lib/orchestrator"
	"github.com/snowmerak/accountsetup.go/lib/protocol"
)

const (
	FlagServiceType = "service-type"
	FlagWindowID    = "window-id"
)

var errInterrupted = errors.New("interrupted, plugin killed")

type runOptions struct {
	serviceType string
	windowID    uint64
}

func (r *runOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.serviceType, FlagServiceType, "", "only offer services of this type")
	cmd.Flags().Uint64Var(&r.windowID, FlagWindowID, 0, "parent window handle passed to the plugin")
}

func newCreateCommand(e *env) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "create PROVIDER [-- PLUGIN-ARGS...]",
		Short: "Create an account with the provider's setup plugin",
		Example: `accountsetup create google --service-type e-mail
accountsetup create NutProvider -- --verbose`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.run(cmd, opts, orchestrator.Request{
				Type:         protocol.CreateNew,
				ProviderName: args[0],
				ServiceType:  opts.serviceType,
			}, extraArgs(cmd, args))
		},
	}
	opts.bind(cmd)
	return cmd
}

func newEditCommand(e *env) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "edit ACCOUNT-ID [-- PLUGIN-ARGS...]",
		Short: "Edit an existing account with its provider's setup plugin",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			return e.run(cmd, opts, orchestrator.Request{
				Type:        protocol.EditExisting,
				AccountID:   accounts.AccountID(id),
				ServiceType: opts.serviceType,
			}, extraArgs(cmd, args))
		},
	}
	opts.bind(cmd)
	return cmd
}

// extraArgs returns the arguments given after "--".
func extraArgs(cmd *cobra.Command, args []string) []string {
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		return args[dash:]
	}
	return nil
}

func (e *env) run(cmd *cobra.Command, opts *runOptions, req orchestrator.Request, extra []string) error {
	params, err := e.pluginParameters(extra)
	if err != nil {
		return err
	}

	o := orchestrator.New(e.store,
		orchestrator.WithPluginDirectories(e.cfg.PluginDirs...),
		orchestrator.WithAdditionalParameters(params...),
		orchestrator.WithParentWindow(opts.windowID),
		orchestrator.WithDrainTimeout(e.cfg.DrainTimeout),
		orchestrator.WithLogger(e.logger),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := o.Start(ctx, req)
	if err != nil {
		return err
	}

	completion, err := session.Wait(ctx)
	if err != nil {
		if o.KillRunningPlugin() {
			waitReaped(o, e.cfg.DrainTimeout+time.Second)
		}
		return errInterrupted
	}

	if err := printCompletion(cmd.OutOrStdout(), completion); err != nil {
		return err
	}
	return completion.Err()
}

// pluginParameters hands our configuration file to the plugin so both sides
// work on the same providers and accounts.
func (e *env) pluginParameters(extra []string) ([]string, error) {
	if e.configPath == "" {
		return extra, nil
	}
	path, err := filepath.Abs(e.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	return append([]string{generic.ArgConfig, path}, extra...), nil
}

func waitReaped(o *orchestrator.Orchestrator, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for o.IsPluginRunning() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printCompletion(w io.Writer, c orchestrator.Completion) error {
	switch {
	case c.Error != orchestrator.NoError:
		fmt.Fprintf(w, "%s: %s\n", c.ProviderName, c.Error)
	case c.Result.IsCancelled():
		fmt.Fprintln(w, "cancelled")
	case c.AccountCreated():
		verb := "created"
		if c.SetupType == protocol.EditExisting {
			verb = "edited"
		}
		fmt.Fprintf(w, "%s account %s\n", verb, c.CreatedAccountID())
	default:
		fmt.Fprintln(w, "no account stored")
	}

	if len(c.ExitPayload) == 0 {
		return nil
	}
	data, err := protocol.DecodeExitData(c.ExitPayload)
	if err != nil {
		fmt.Fprintf(w, "exit data: %d opaque bytes\n", len(c.ExitPayload))
		return nil
	}
	fmt.Fprintf(w, "exit data: %v\n", data)
	return nil
}

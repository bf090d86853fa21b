// File: cmd/script.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/control"
	"github.com/xkilldash9x/autotap/internal/observability"
)

// newClientFor builds a control client for the daemon named by the loaded configuration.
func newClientFor(cmd *cobra.Command) (*control.Client, error) {
	cfg, err := configFrom(cmd)
	if err != nil {
		return nil, err
	}
	return control.NewClient(cfg.Control.Listen, cfg.Control.Timeout, observability.GetLogger()), nil
}

// scriptCmd builds a command that sends one request to a tab and reports the reply.
func scriptCmd(use, short, done string, call func(*control.Client, context.Context, int) (schemas.Response, error)) *cobra.Command {
	var tab int
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFor(cmd)
			if err != nil {
				return err
			}
			resp, err := call(client, cmd.Context(), tab)
			if err != nil {
				return err
			}
			if !resp.Success {
				return schemas.NewTypedError(resp.ErrorType, fmt.Errorf("%s failed: %s (%s)", use, resp.Error, resp.ErrorType))
			}
			fmt.Fprintln(cmd.OutOrStdout(), done)
			return nil
		},
	}
	cmd.Flags().IntVar(&tab, "tab", 0, "target tab id (default: first monitored tab)")
	return cmd
}

func newStartCmd() *cobra.Command {
	return scriptCmd("start", "Starts a run in a monitored tab", "Run started.", (*control.Client).Start)
}

func newStopCmd() *cobra.Command {
	return scriptCmd("stop", "Stops the run in a monitored tab", "Run stopped.", (*control.Client).Stop)
}

func newStatusCmd() *cobra.Command {
	var tab int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Reports whether a monitored tab is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFor(cmd)
			if err != nil {
				return err
			}
			status, err := client.Status(cmd.Context(), tab)
			if err != nil {
				return err
			}
			state := "idle"
			if status.IsRunning {
				state = "running"
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
	cmd.Flags().IntVar(&tab, "tab", 0, "target tab id (default: first monitored tab)")
	return cmd
}

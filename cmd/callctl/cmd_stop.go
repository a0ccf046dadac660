package main

import (
	"github.com/spf13/cobra"
)

// newStopCmd creates the "callctl stop" subcommand.
func newStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <agent-id>",
		Short: "Stop an agent's worker process",
		Long:  "Sends SIGTERM to the worker's process group and waits for it to exit,\nescalating to SIGKILL after the stop timeout.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, p, err := clientAndPrinter(cmd, opts)
			if err != nil {
				return err
			}
			resp, err := c.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return p.message(resp, describeResult(resp.Result))
		},
	}
}

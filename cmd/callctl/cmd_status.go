package main

import (
	"github.com/spf13/cobra"
)

// newStatusCmd creates the "callctl status" subcommand.
func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <agent-id>",
		Short: "Show whether an agent's worker is running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, p, err := clientAndPrinter(cmd, opts)
			if err != nil {
				return err
			}
			res, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return p.message(res, describeResult(res))
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"callctl/pkg/dispatch"
)

// newDispatchCmd creates the "callctl dispatch" subcommand.
func newDispatchCmd(opts *rootOptions) *cobra.Command {
	var target dispatch.Target

	cmd := &cobra.Command{
		Use:   "dispatch <agent-id>",
		Short: "Dispatch an agent onto an outbound call",
		Long:  "Creates a fresh room, dispatches the agent's worker into it with the\ncall metadata, and records the deployment on the agent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, p, err := clientAndPrinter(cmd, opts)
			if err != nil {
				return err
			}
			out, err := c.Dispatch(cmd.Context(), args[0], target)
			if err != nil {
				return err
			}
			return p.message(out, fmt.Sprintf("dispatched %s into room %s (dispatch %s)", out.Agent.Name, out.Room, out.DispatchID))
		},
	}
	cmd.Flags().StringVar(&target.PhoneNumber, "phone", "", "number to call")
	cmd.Flags().StringVar(&target.TransferTo, "transfer-to", "", "number to transfer the call to on request")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

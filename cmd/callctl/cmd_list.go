package main

import (
	"time"

	"github.com/spf13/cobra"
)

// newListCmd creates the "callctl list" subcommand.
func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List running worker processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, p, err := clientAndPrinter(cmd, opts)
			if err != nil {
				return err
			}
			running, err := c.ListRunning(cmd.Context())
			if err != nil {
				return err
			}
			return p.print(running, []string{"Agent", "PID", "State", "Uptime"}, func() [][]string {
				rows := make([][]string, 0, len(running))
				for _, r := range running {
					rows = append(rows, []string{
						r.AgentID,
						formatPID(r.PID),
						string(r.State),
						time.Since(r.StartedAt).Truncate(time.Second).String(),
					})
				}
				return rows
			})
		},
	}
}

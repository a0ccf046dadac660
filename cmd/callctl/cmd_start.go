package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"callctl/pkg/supervisor"
)

// newStartCmd creates the "callctl start" subcommand.
func newStartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start <agent-id>",
		Short: "Start an agent's worker process",
		Long:  "Starts the worker for the agent. Starting an agent whose worker is\nalready up reports already_running with the existing pid.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, p, err := clientAndPrinter(cmd, opts)
			if err != nil {
				return err
			}
			resp, err := c.Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return p.message(resp, describeResult(resp.Result))
		},
	}
}

// describeResult renders a supervisor result as one line.
func describeResult(r supervisor.Result) string {
	switch r.Outcome {
	case supervisor.Started:
		return fmt.Sprintf("agent %s started (pid %d)", r.AgentID, r.PID)
	case supervisor.AlreadyRunning:
		return fmt.Sprintf("agent %s already running (pid %d)", r.AgentID, r.PID)
	case supervisor.Running:
		return fmt.Sprintf("agent %s running (pid %d)", r.AgentID, r.PID)
	case supervisor.Stopped, supervisor.ForceStopped:
		line := fmt.Sprintf("agent %s %s (pid %d", r.AgentID, r.Outcome, r.PID)
		if r.ReturnCode != nil {
			line += fmt.Sprintf(", exit %d", *r.ReturnCode)
		}
		return line + ")"
	default:
		line := fmt.Sprintf("agent %s not running", r.AgentID)
		if r.ReturnCode != nil {
			line += fmt.Sprintf(" (last exit %d)", *r.ReturnCode)
		}
		return line
	}
}

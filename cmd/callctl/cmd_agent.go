package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"callctl/pkg/api"
	"callctl/pkg/protocol"
)

// newAgentCmd creates the "callctl agent" subcommand group.
func newAgentCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents in the registry",
	}
	cmd.AddCommand(
		newAgentCreateCmd(opts),
		newAgentGetCmd(opts),
		newAgentListCmd(opts),
		newAgentDeleteCmd(opts),
	)
	return cmd
}

func newAgentCreateCmd(opts *rootOptions) *cobra.Command {
	var req api.CreateRequest
	var agentType string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent and start its worker",
		Long:  "Creates an agent record and starts its worker. If the worker fails to\nstart the agent is kept with status error.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, p, err := clientAndPrinter(cmd, opts)
			if err != nil {
				return err
			}
			req.Type = protocol.AgentType(agentType)
			return runAgentCreate(cmd.Context(), c, p, req)
		},
	}
	cmd.Flags().StringVarP(&agentType, "type", "t", string(protocol.AgentTypeRestaurantReceptionist), "agent type (restaurant-receptionist, car-vendor)")
	cmd.Flags().StringVarP(&req.Name, "name", "n", "", "agent name")
	cmd.Flags().StringVarP(&req.Personality, "personality", "p", "", "agent personality")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("personality")
	return cmd
}

func runAgentCreate(ctx context.Context, c *api.Client, p *printer, req api.CreateRequest) error {
	resp, err := c.CreateAgent(ctx, req)
	if err != nil {
		return err
	}
	if err := p.print(resp, agentHeaders, func() [][]string { return [][]string{agentRow(resp.Agent)} }); err != nil {
		return err
	}
	if !p.json && resp.Process != nil && resp.Process.Error != "" {
		fmt.Fprintf(p.w, "worker failed to start: %s\n", resp.Process.Error)
	}
	return nil
}

func newAgentGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <agent-id>",
		Short: "Show one agent with its deployment and process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, p, err := clientAndPrinter(cmd, opts)
			if err != nil {
				return err
			}
			resp, err := c.GetAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return p.print(resp, []string{"Field", "Value"}, func() [][]string { return agentDetail(resp) })
		},
	}
}

func newAgentListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, p, err := clientAndPrinter(cmd, opts)
			if err != nil {
				return err
			}
			agents, err := c.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			return p.print(agents, agentHeaders, func() [][]string {
				rows := make([][]string, 0, len(agents))
				for _, a := range agents {
					rows = append(rows, agentRow(a))
				}
				return rows
			})
		},
	}
}

func newAgentDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <agent-id>",
		Short: "Stop an agent's worker and delete the agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, p, err := clientAndPrinter(cmd, opts)
			if err != nil {
				return err
			}
			resp, err := c.DeleteAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return p.message(resp, fmt.Sprintf("agent %s deleted (worker %s)", args[0], resp.Result.Outcome))
		},
	}
}

//nolint:gochecknoglobals // fixed table layout
var agentHeaders = []string{"ID", "Name", "Type", "Status", "Deployment", "Room"}

func agentRow(a protocol.Agent) []string {
	return []string{
		a.ID,
		a.Name,
		string(a.Type),
		string(a.Status),
		string(a.Deployment.Status),
		orDash(a.Deployment.RoomName),
	}
}

func agentDetail(resp api.AgentResponse) [][]string {
	a := resp.Agent
	rows := [][]string{
		{"id", a.ID},
		{"name", a.Name},
		{"type", string(a.Type)},
		{"personality", a.Personality},
		{"status", string(a.Status)},
		{"deployment", string(a.Deployment.Status)},
		{"dispatch_id", orDash(a.Deployment.DispatchID)},
		{"room", orDash(a.Deployment.RoomName)},
		{"deployed_at", formatTime(a.Deployment.DeployedAt)},
	}
	if resp.Process != nil {
		rows = append(rows,
			[]string{"process", string(resp.Process.Outcome)},
			[]string{"pid", formatPID(resp.Process.PID)},
		)
	}
	return rows
}

// clientAndPrinter builds the daemon client and output printer for cmd.
func clientAndPrinter(cmd *cobra.Command, opts *rootOptions) (*api.Client, *printer, error) {
	p, err := newPrinter(cmd, opts)
	if err != nil {
		return nil, nil, err
	}
	c, err := opts.client()
	if err != nil {
		return nil, nil, err
	}
	return c, p, nil
}

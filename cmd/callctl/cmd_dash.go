package main

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

// newDashCmd creates the "callctl dash" subcommand.
func newDashCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Interactive dashboard of agents, workers and live events",
		Long:  "Shows every agent with its worker process and deployment, and streams\nlifecycle events from the daemon. Keys: s start, x stop, r refresh, q quit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !isTerminal(cmd.OutOrStdout()) {
				return fmt.Errorf("dash needs an interactive terminal")
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			return runDash(cmd.Context(), c)
		},
	}
}

func runDash(ctx context.Context, c dashClient) error {
	p := tea.NewProgram(newDashModel(ctx, c), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run dashboard: %w", err)
	}
	return nil
}

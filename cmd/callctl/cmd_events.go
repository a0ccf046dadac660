package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"callctl/pkg/api"
	"callctl/pkg/eventlog"
	"callctl/pkg/protocol"
)

// eventsConfig holds configuration for the events command.
type eventsConfig struct {
	agentID string
	typ     string
	tail    int
	follow  bool
}

// newEventsCmd creates the "callctl events" subcommand.
func newEventsCmd(opts *rootOptions) *cobra.Command {
	var ec eventsConfig

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show lifecycle events",
		Long:  "Reads recent events from the event log. With --follow, streams new events\nfrom the running daemon.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			p, err := newPrinter(cmd, opts)
			if err != nil {
				return err
			}
			reader, err := eventlog.NewReader(cfg.DBPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			if err := printEvents(cmd.Context(), reader, p, ec); err != nil {
				return err
			}
			if !ec.follow {
				return nil
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			return followEvents(cmd.Context(), c, p.w, p.json, ec)
		},
	}
	cmd.Flags().StringVar(&ec.agentID, "agent", "", "only events of this agent")
	cmd.Flags().StringVar(&ec.typ, "type", "", "only events of this type")
	cmd.Flags().IntVar(&ec.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&ec.follow, "follow", "f", false, "stream new events from the daemon")
	return cmd
}

// eventQuerier is the part of eventlog.Reader the command uses.
type eventQuerier interface {
	Query(ctx context.Context, opts eventlog.QueryOpts) ([]protocol.Event, error)
}

// printEvents prints the last ec.tail events in chronological order.
func printEvents(ctx context.Context, q eventQuerier, p *printer, ec eventsConfig) error {
	events, err := q.Query(ctx, eventlog.QueryOpts{
		AgentID: ec.agentID,
		Type:    protocol.EventType(ec.typ),
		Limit:   ec.tail,
	})
	if err != nil {
		return err
	}
	slices.Reverse(events)
	return p.print(events, []string{"ID", "Time", "Type", "Agent", "Room", "Payload"}, func() [][]string {
		rows := make([][]string, 0, len(events))
		for _, e := range events {
			rows = append(rows, []string{
				fmt.Sprint(e.ID),
				formatTime(&e.CreatedAt),
				string(e.Type),
				orDash(e.AgentID),
				orDash(e.Room),
				truncate(e.Payload, 60),
			})
		}
		return rows
	})
}

// followEvents streams events until ctx is done or the daemon goes away.
// Each event is one line, JSON when asJSON is set.
func followEvents(ctx context.Context, c *api.Client, w io.Writer, asJSON bool, ec eventsConfig) error {
	stream, err := c.StreamEvents(ctx, api.EventFilter{AgentID: ec.agentID, Type: protocol.EventType(ec.typ)})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for e := range stream {
		if asJSON {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
			continue
		}
		fmt.Fprintln(w, formatEventLine(e))
	}
	return nil
}

func formatEventLine(e protocol.Event) string {
	parts := []string{formatTime(&e.CreatedAt), string(e.Type)}
	if e.AgentID != "" {
		parts = append(parts, "agent="+e.AgentID)
	}
	if e.Room != "" {
		parts = append(parts, "room="+e.Room)
	}
	if e.Payload != "" {
		parts = append(parts, e.Payload)
	}
	return strings.Join(parts, " ")
}

// truncate shortens s to n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}

package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the colors used by table output and the dashboard.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default callctl theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// stateColor picks the color for a process outcome, handle state or agent
// status.
func (t Theme) stateColor(state string) lipgloss.Color {
	switch state {
	case "started", "running", "already_running", "active", "deployed", "dispatched", "agent_started":
		return t.Success
	case "stopping", "starting", "stopped", "not_running", "not_deployed", "agent_stopped":
		return t.Muted
	case "force_stopped", "crashed", "error", "dispatch_failed", "agent_spawn_failed", "agent_force_stopped", "agent_exited":
		return t.Error
	default:
		return t.Warning
	}
}

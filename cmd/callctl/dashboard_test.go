package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"callctl/pkg/api"
	"callctl/pkg/protocol"
	"callctl/pkg/supervisor"
)

type fakeDashClient struct {
	agents  []protocol.Agent
	running []supervisor.ProcessInfo
	listErr error
	started []string
	stopped []string
	stream  chan protocol.Event
}

func (f *fakeDashClient) ListAgents(context.Context) ([]protocol.Agent, error) {
	return f.agents, f.listErr
}

func (f *fakeDashClient) ListRunning(context.Context) ([]supervisor.ProcessInfo, error) {
	return f.running, nil
}

func (f *fakeDashClient) Start(_ context.Context, id string) (api.LifecycleResponse, error) {
	f.started = append(f.started, id)
	return api.LifecycleResponse{Result: supervisor.Result{Outcome: supervisor.Started, AgentID: id, PID: 9}}, nil
}

func (f *fakeDashClient) Stop(_ context.Context, id string) (api.LifecycleResponse, error) {
	f.stopped = append(f.stopped, id)
	return api.LifecycleResponse{Result: supervisor.Result{Outcome: supervisor.Stopped, AgentID: id, PID: 9}}, nil
}

func (f *fakeDashClient) StreamEvents(context.Context, api.EventFilter) (<-chan protocol.Event, error) {
	return f.stream, nil
}

func newTestDash(c *fakeDashClient) dashModel {
	return newDashModel(context.Background(), c)
}

// apply runs msg through Update and returns the new model.
func apply(t *testing.T, m dashModel, msg tea.Msg) (dashModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	dm, ok := next.(dashModel)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return dm, cmd
}

func TestDash_SnapshotFillsTable(t *testing.T) {
	c := &fakeDashClient{
		agents: []protocol.Agent{
			{ID: "11111111-aaaa", Name: "Ava", Type: protocol.AgentTypeRestaurantReceptionist, Status: protocol.AgentActive},
			{ID: "22222222-bbbb", Name: "Max", Type: protocol.AgentTypeCarVendor, Status: protocol.AgentStopped},
		},
		running: []supervisor.ProcessInfo{{AgentID: "11111111-aaaa", PID: 77, State: supervisor.StateRunning}},
	}
	m := newTestDash(c)
	m, _ = apply(t, m, m.fetchSnapshot()())

	view := m.View()
	for _, want := range []string{"Ava", "Max", "11111111", "77", "2 agents, 1 running"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	rows := m.rows()
	if rows[1][4] != string(supervisor.NotRunning) || rows[1][5] != "-" {
		t.Errorf("stopped agent row = %v", rows[1])
	}
}

func TestDash_OfflineDaemon(t *testing.T) {
	c := &fakeDashClient{listErr: errors.New("connection refused")}
	m := newTestDash(c)
	m, _ = apply(t, m, m.fetchSnapshot()())
	if !strings.Contains(m.View(), "daemon offline: connection refused") {
		t.Errorf("view:\n%s", m.View())
	}
}

func TestDash_StartAndStopSelected(t *testing.T) {
	c := &fakeDashClient{agents: []protocol.Agent{{ID: "11111111-aaaa", Name: "Ava"}}}
	m := newTestDash(c)
	m, _ = apply(t, m, m.fetchSnapshot()())

	m, cmd := apply(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	if cmd == nil {
		t.Fatal("start key produced no command")
	}
	m, _ = apply(t, m, cmd())
	if len(c.started) != 1 || c.started[0] != "11111111-aaaa" {
		t.Errorf("started = %v", c.started)
	}
	if !strings.Contains(m.View(), "agent 11111111-aaaa started (pid 9)") {
		t.Errorf("status line missing:\n%s", m.View())
	}

	_, cmd = apply(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	cmd()
	if len(c.stopped) != 1 {
		t.Errorf("stopped = %v", c.stopped)
	}
}

func TestDash_EventStream(t *testing.T) {
	c := &fakeDashClient{stream: make(chan protocol.Event, 1)}
	m := newTestDash(c)
	m, cmd := apply(t, m, m.connectStream()())
	if m.stream == nil || cmd == nil {
		t.Fatal("stream not attached")
	}

	c.stream <- protocol.Event{Type: protocol.EventDispatched, AgentID: "11111111-aaaa", Room: "room-9"}
	m, _ = apply(t, m, cmd())
	if !strings.Contains(m.View(), "room-9") {
		t.Errorf("event not rendered:\n%s", m.View())
	}

	close(c.stream)
	m, _ = apply(t, m, waitForEvent(m.stream)())
	if m.stream != nil {
		t.Error("stream not cleared after close")
	}
}

func TestDash_Quit(t *testing.T) {
	m := newTestDash(&fakeDashClient{})
	_, cmd := apply(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q produced no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
}

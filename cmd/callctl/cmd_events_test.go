package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"callctl/pkg/eventlog"
	"callctl/pkg/protocol"
)

type fakeQuerier struct {
	got    eventlog.QueryOpts
	events []protocol.Event
}

func (f *fakeQuerier) Query(_ context.Context, opts eventlog.QueryOpts) ([]protocol.Event, error) {
	f.got = opts
	return f.events, nil
}

func TestPrintEvents_ChronologicalTable(t *testing.T) {
	now := time.Now()
	q := &fakeQuerier{events: []protocol.Event{
		{ID: 2, Type: protocol.EventDispatched, AgentID: "a1", Room: "room-1", CreatedAt: now},
		{ID: 1, Type: protocol.EventAgentStarted, AgentID: "a1", Payload: `{"pid":7}`, CreatedAt: now.Add(-time.Second)},
	}}
	var out bytes.Buffer
	p := &printer{w: &out, theme: DefaultTheme()}

	err := printEvents(context.Background(), q, p, eventsConfig{agentID: "a1", typ: "dispatched", tail: 5})
	if err != nil {
		t.Fatalf("printEvents: %v", err)
	}
	if q.got.AgentID != "a1" || q.got.Type != protocol.EventDispatched || q.got.Limit != 5 {
		t.Errorf("query opts = %+v", q.got)
	}
	s := out.String()
	if strings.Index(s, "agent_started") > strings.Index(s, "dispatched") {
		t.Errorf("events not in chronological order:\n%s", s)
	}
	if !strings.Contains(s, "room-1") {
		t.Errorf("table missing room:\n%s", s)
	}
}

func TestPrintEvents_JSON(t *testing.T) {
	q := &fakeQuerier{events: []protocol.Event{}}
	var out bytes.Buffer
	p := &printer{w: &out, json: true}
	if err := printEvents(context.Background(), q, p, eventsConfig{tail: 20}); err != nil {
		t.Fatalf("printEvents: %v", err)
	}
	if strings.TrimSpace(out.String()) != "[]" {
		t.Errorf("json = %q, want []", out.String())
	}
}

func TestFormatEventLine(t *testing.T) {
	e := protocol.Event{Type: protocol.EventCallState, AgentID: "a1", Room: "room-1", Payload: `{"to":"active"}`}
	got := formatEventLine(e)
	for _, want := range []string{"call_state", "agent=a1", "room=room-1", `{"to":"active"}`} {
		if !strings.Contains(got, want) {
			t.Errorf("line %q missing %q", got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"longer than ten", 10, "longer th…"},
		{"héllo wörld", 5, "héll…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

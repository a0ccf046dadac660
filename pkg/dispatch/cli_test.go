package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"testing"

	"callctl/pkg/protocol"
)

// mockCommandRunner records calls and returns pre-configured output or errors.
type mockCommandRunner struct {
	calls  []mockCall
	output []byte
	err    error
}

type mockCall struct {
	Name string
	Args []string
}

func (m *mockCommandRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	m.calls = append(m.calls, mockCall{Name: name, Args: args})
	return m.output, m.err
}

func TestCLIControlPlane_BuildsCommand(t *testing.T) {
	runner := &mockCommandRunner{output: []byte(`Dispatch created: id:"AD_abc" agent_name:"outbound-caller" room:"room-1"`)}
	cp := NewCLIControlPlane(runner, "")

	res, err := cp.CreateDispatch(context.Background(), Request{
		AgentName: "outbound-caller",
		Room:      "room-1",
		Metadata:  `{"phone_number":"+15551234567"}`,
	})
	if err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}
	if res.DispatchID != "AD_abc" || res.Room != "room-1" {
		t.Errorf("result = %+v", res)
	}

	if len(runner.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(runner.calls))
	}
	call := runner.calls[0]
	want := []string{"dispatch", "create", "--room", "room-1", "--agent-name", "outbound-caller",
		"--metadata", `{"phone_number":"+15551234567"}`}
	if call.Name != "lk" || !slices.Equal(call.Args, want) {
		t.Errorf("call = %s %v, want lk %v", call.Name, call.Args, want)
	}
}

func TestCLIControlPlane_NewRoomWhenUnset(t *testing.T) {
	cp := NewCLIControlPlane(&mockCommandRunner{}, "lk")
	args := cp.Args(Request{AgentName: "n", Metadata: "{}"})
	if !slices.Contains(args, "--new-room") || slices.Contains(args, "--room") {
		t.Errorf("args = %v, want --new-room", args)
	}
}

func TestCLIControlPlane_ExitErrorCarriesStderr(t *testing.T) {
	runner := &mockCommandRunner{err: &ExitError{
		Cmd:    "lk dispatch create",
		Stderr: "twirp error unauthenticated: invalid API key\n",
		Err:    errors.New("exit status 1"),
	}}
	cp := NewCLIControlPlane(runner, "lk")

	_, err := cp.CreateDispatch(context.Background(), Request{AgentName: "n", Room: "r"})
	var tErr *protocol.TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if tErr.Detail != "twirp error unauthenticated: invalid API key" {
		t.Errorf("detail = %q", tErr.Detail)
	}
}

func TestCLIControlPlane_MissingBinary(t *testing.T) {
	runner := &mockCommandRunner{err: fmt.Errorf("lk: %w", exec.ErrNotFound)}
	cp := NewCLIControlPlane(runner, "lk")

	_, err := cp.CreateDispatch(context.Background(), Request{AgentName: "n", Room: "r"})
	var cfgErr *protocol.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Kind != protocol.ScriptNotFound {
		t.Fatalf("expected ScriptNotFound, got %v", err)
	}
}

func TestExitError_Diagnostic(t *testing.T) {
	tests := []struct {
		err  ExitError
		want string
	}{
		{ExitError{Stderr: " boom ", Stdout: "out"}, "boom"},
		{ExitError{Stdout: "only stdout\n"}, "only stdout"},
		{ExitError{}, "unknown error"},
	}
	for _, tt := range tests {
		if got := tt.err.Diagnostic(); got != tt.want {
			t.Errorf("Diagnostic() = %q, want %q", got, tt.want)
		}
	}
}

func TestExecCommandRunner(t *testing.T) {
	r := &ExecCommandRunner{}

	out, err := r.Run(context.Background(), "sh", "-c", "echo hello")
	if err != nil || string(out) != "hello\n" {
		t.Fatalf("Run = %q, %v", out, err)
	}

	_, err = r.Run(context.Background(), "sh", "-c", "echo bad >&2; exit 3")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Diagnostic() != "bad" {
		t.Fatalf("expected ExitError with stderr, got %v", err)
	}
}

func TestParseCLIOutput(t *testing.T) {
	tests := []struct {
		name     string
		out      string
		wantID   string
		wantRoom string
	}{
		{
			name:     "protobuf text",
			out:      `Dispatch created: id:"AD_xY7" agent_name:"resturant_receptionist" room:"room-42" metadata:"{}"`,
			wantID:   "AD_xY7",
			wantRoom: "room-42",
		},
		{
			name:     "loose",
			out:      "Dispatch created: id AD_loose, room room-loose",
			wantID:   "AD_loose",
			wantRoom: "room-loose",
		},
		{
			name:     "mixed",
			out:      "Dispatch created: id: AD_mix\nroom:\"room-q\"",
			wantID:   "AD_mix",
			wantRoom: "room-q",
		},
		{
			name: "nothing",
			out:  "error: something odd happened",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCLIOutput(tt.out)
			if got.DispatchID != tt.wantID || got.Room != tt.wantRoom {
				t.Errorf("ParseCLIOutput = {%q %q}, want {%q %q}", got.DispatchID, got.Room, tt.wantID, tt.wantRoom)
			}
			if got.Raw != tt.out {
				t.Error("Raw not preserved")
			}
		})
	}
}

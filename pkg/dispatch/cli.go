package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"callctl/pkg/protocol"
)

// CommandRunner abstracts command execution for testability.
// Production implementation uses os/exec; tests provide a mock.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExitError is returned by ExecCommandRunner when the command exits
// non-zero. It keeps both output streams for diagnostics.
type ExitError struct {
	Cmd    string
	Stdout string
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Cmd, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Diagnostic returns stderr, else stdout, else a placeholder.
func (e *ExitError) Diagnostic() string {
	if s := strings.TrimSpace(e.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		return s
	}
	return "unknown error"
}

// ExecCommandRunner implements CommandRunner using os/exec.
type ExecCommandRunner struct{}

// Run executes a command and returns its stdout.
func (r *ExecCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), &ExitError{
			Cmd:    name + " " + strings.Join(args, " "),
			Stdout: stdout.String(),
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

// CLIControlPlane dispatches by shelling out to the LiveKit CLI. Credentials
// come from the CLI's own project configuration or LIVEKIT_* environment.
type CLIControlPlane struct {
	runner CommandRunner
	binary string
}

// NewCLIControlPlane returns a CLIControlPlane running binary (default "lk")
// through runner.
func NewCLIControlPlane(runner CommandRunner, binary string) *CLIControlPlane {
	if binary == "" {
		binary = "lk"
	}
	return &CLIControlPlane{runner: runner, binary: binary}
}

// Args returns the CLI arguments for req.
func (p *CLIControlPlane) Args(req Request) []string {
	args := []string{"dispatch", "create"}
	if req.Room != "" {
		args = append(args, "--room", req.Room)
	} else {
		args = append(args, "--new-room")
	}
	return append(args, "--agent-name", req.AgentName, "--metadata", req.Metadata)
}

// CreateDispatch implements ControlPlane.
func (p *CLIControlPlane) CreateDispatch(ctx context.Context, req Request) (*Result, error) {
	out, err := p.runner.Run(ctx, p.binary, p.Args(req)...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s dispatch create: %w", p.binary, ctx.Err())
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, &protocol.ConfigurationError{
				Kind:   protocol.ScriptNotFound,
				Detail: fmt.Sprintf("LiveKit CLI %q not found on PATH", p.binary),
			}
		}
		detail := ""
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			detail = exitErr.Diagnostic()
		}
		return nil, &protocol.TransportError{Op: "lk dispatch create", Detail: detail, Cause: err}
	}
	res := ParseCLIOutput(string(out))
	return &res, nil
}

// cliPatterns are tried in order; the quoted protobuf-text forms come first.
//
//nolint:gochecknoglobals // compile-once regex table, safe as package-level var
var cliPatterns = struct {
	id, room, looseID, looseRoom *regexp.Regexp
}{
	id:        regexp.MustCompile(`id:"([^"]+)"`),
	room:      regexp.MustCompile(`room:"([^"]+)"`),
	looseID:   regexp.MustCompile(`Dispatch created:.*?id[:\s]+([^\s,]+)`),
	looseRoom: regexp.MustCompile(`room[:\s]+([^\s,]+)`),
}

// ParseCLIOutput extracts the dispatch id and room from `lk dispatch create`
// output. Missing fields are left empty; Raw always holds the output.
func ParseCLIOutput(out string) Result {
	res := Result{Raw: out}
	if m := cliPatterns.id.FindStringSubmatch(out); m != nil {
		res.DispatchID = m[1]
	}
	if m := cliPatterns.room.FindStringSubmatch(out); m != nil {
		res.Room = m[1]
	}
	if res.DispatchID == "" {
		if m := cliPatterns.looseID.FindStringSubmatch(out); m != nil {
			res.DispatchID = strings.Trim(m[1], `"`)
		}
	}
	if res.Room == "" {
		if m := cliPatterns.looseRoom.FindStringSubmatch(out); m != nil {
			res.Room = strings.Trim(m[1], `"`)
		}
	}
	return res
}

package supervisor

import (
	"encoding/json"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Outcome is the answer to a supervisor operation.
type Outcome string

// Supervisor outcomes. AlreadyRunning and NotRunning are results, not errors.
const (
	Started        Outcome = "started"
	AlreadyRunning Outcome = "already_running"
	Running        Outcome = "running"
	NotRunning     Outcome = "not_running"
	Stopped        Outcome = "stopped"
	ForceStopped   Outcome = "force_stopped"
)

// State is the lifecycle state of a process handle.
type State string

// Handle states.
const (
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateForceStopped State = "force_stopped"
	StateCrashed      State = "crashed"
)

// Result reports the outcome of Start, Stop or Status.
type Result struct {
	Outcome    Outcome    `json:"status"`
	AgentID    string     `json:"agent_id"`
	PID        int        `json:"pid,omitempty"`
	ReturnCode *int       `json:"return_code,omitempty"`
	State      State      `json:"state,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// Live reports whether the result describes a process that is still up.
func (r Result) Live() bool {
	return r.Outcome == Started || r.Outcome == AlreadyRunning || r.Outcome == Running
}

func (r Result) payload() string {
	b, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(b)
}

// ProcessInfo is one row of ListRunning.
type ProcessInfo struct {
	AgentID   string    `json:"agent_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	State     State     `json:"state"`
}

// handle tracks one spawned worker. state is guarded by Supervisor.mu;
// code is written once by the reaper before done is closed.
type handle struct {
	agentID   string
	pid       int
	startedAt time.Time
	proc      *os.Process
	state     State

	done chan struct{}
	code int

	stopOnce   sync.Once
	stopResult Result
}

// reap waits for the process and records its exit code.
func (h *handle) reap(cmd *exec.Cmd) {
	_ = cmd.Wait()
	h.code = exitCode(cmd.ProcessState)
	close(h.done)
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// returnCode is nil while the process is alive.
func (h *handle) returnCode() *int {
	if !h.exited() {
		return nil
	}
	code := h.code
	return &code
}

// exitCode returns the process exit status, or the negated signal number
// when the process was killed by a signal.
func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return ps.ExitCode()
}

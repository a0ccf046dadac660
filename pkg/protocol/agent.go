package protocol

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// AgentType is the closed set of worker programs an agent can run.
type AgentType string

// Known agent types.
const (
	AgentTypeRestaurantReceptionist AgentType = "restaurant-receptionist"
	AgentTypeCarVendor              AgentType = "car-vendor"
)

// AgentTypes lists every recognized AgentType in display order.
func AgentTypes() []AgentType {
	return []AgentType{AgentTypeRestaurantReceptionist, AgentTypeCarVendor}
}

// ParseAgentType validates s against the closed set of agent types.
func ParseAgentType(s string) (AgentType, error) {
	t := AgentType(strings.TrimSpace(s))
	for _, known := range AgentTypes() {
		if t == known {
			return t, nil
		}
	}
	return "", &ConfigurationError{
		Kind:   UnknownAgentType,
		Detail: fmt.Sprintf("unknown agent type %q (known: %s, %s)", s, AgentTypeRestaurantReceptionist, AgentTypeCarVendor),
	}
}

// AgentStatus is the administrative status stored on an agent record.
type AgentStatus string

// Agent status constants.
const (
	AgentActive  AgentStatus = "active"
	AgentStopped AgentStatus = "stopped"
	AgentError   AgentStatus = "error"
)

// DeploymentStatus tracks whether an agent has been dispatched to a call.
type DeploymentStatus string

// Deployment status constants.
const (
	NotDeployed      DeploymentStatus = "not_deployed"
	Deployed         DeploymentStatus = "deployed"
	DeploymentFailed DeploymentStatus = "error"
)

// Valid reports whether s is one of the known deployment statuses.
func (s DeploymentStatus) Valid() bool {
	switch s {
	case NotDeployed, Deployed, DeploymentFailed:
		return true
	}
	return false
}

// Agent is the persisted catalog entry for one logical agent.
type Agent struct {
	ID          string      `json:"id"`
	Type        AgentType   `json:"agent_type"`
	Name        string      `json:"name"`
	Personality string      `json:"personality"`
	Status      AgentStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`

	Deployment DeploymentRecord `json:"deployment"`
}

// DeploymentRecord is the registry-side projection of a dispatch. DispatchID
// and RoomName are always written together.
type DeploymentRecord struct {
	DispatchID string           `json:"dispatch_id,omitempty"`
	RoomName   string           `json:"room_name,omitempty"`
	Status     DeploymentStatus `json:"deployment_status"`
	DeployedAt *time.Time       `json:"deployed_at,omitempty"`
	Metadata   map[string]any   `json:"deployment_metadata,omitempty"`
}

// JobMetadata is the payload carried by a dispatch and decoded by the worker
// that picks up the job.
type JobMetadata struct {
	PhoneNumber      string `json:"phone_number"`
	TransferTo       string `json:"transfer_to"`
	AgentID          string `json:"agent_id,omitempty"`
	AgentName        string `json:"agent_name,omitempty"`
	AgentPersonality string `json:"agent_personality,omitempty"`
}

// Encode returns the JSON form of m.
func (m JobMetadata) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode job metadata: %w", err)
	}
	return string(b), nil
}

// DecodeJobMetadata parses job metadata. An empty string or a payload
// without a phone number is an error; callers fall back to inbound mode.
func DecodeJobMetadata(raw string) (JobMetadata, error) {
	var m JobMetadata
	if strings.TrimSpace(raw) == "" {
		return m, fmt.Errorf("decode job metadata: empty")
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return m, fmt.Errorf("decode job metadata: %w", err)
	}
	if m.PhoneNumber == "" {
		return m, fmt.Errorf("decode job metadata: missing phone_number")
	}
	return m, nil
}

// Worker environment variables set by the supervisor on every spawn.
const (
	EnvAgentID          = "AGENT_ID"
	EnvAgentName        = "AGENT_NAME"
	EnvAgentPersonality = "AGENT_PERSONALITY"
	EnvAgentType        = "AGENT_TYPE"
	EnvWorkerSocket     = "CALLCTL_WORKER_SOCKET"
)

// Directory constants used throughout callctl.
const (
	// HomeDir is the user-level state directory (e.g., ~/.callctl).
	HomeDir = ".callctl"

	// WorkersDir holds per-agent worker logs and sockets under HomeDir.
	WorkersDir = "workers"
)

// WorkerDir returns the per-agent directory holding the worker's output log
// and control socket.
func WorkerDir(home, agentID string) string {
	return filepath.Join(home, WorkersDir, agentID)
}

// WorkerSocketPath returns the Unix socket a worker host listens on.
func WorkerSocketPath(home, agentID string) string {
	return filepath.Join(WorkerDir(home, agentID), "worker.sock")
}

// WorkerProgram describes how to launch the worker for one agent type.
// Command is looked up on PATH when it has no path separator. Script, when
// set, must exist on disk and is passed as the first argument. The run mode
// is appended after Args.
type WorkerProgram struct {
	Command string   `yaml:"command" toml:"command" json:"command"`
	Script  string   `yaml:"script,omitempty" toml:"script,omitempty" json:"script,omitempty"`
	Args    []string `yaml:"args,omitempty" toml:"args,omitempty" json:"args,omitempty"`
	Dir     string   `yaml:"dir,omitempty" toml:"dir,omitempty" json:"dir,omitempty"`
}

// Argv returns the argument list for the program in the given run mode.
func (p WorkerProgram) Argv(mode string) []string {
	argv := make([]string, 0, len(p.Args)+2)
	if p.Script != "" {
		argv = append(argv, p.Script)
	}
	argv = append(argv, p.Args...)
	if mode != "" {
		argv = append(argv, mode)
	}
	return argv
}

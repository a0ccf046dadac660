// Package config loads callctl configuration from defaults, an optional
// YAML or TOML file, and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"callctl/pkg/protocol"
)

// Dispatch transports.
const (
	TransportAPI   = "api"
	TransportCLI   = "cli"
	TransportLocal = "local"
)

// Defaults.
const (
	DefaultAddr              = "127.0.0.1:8750"
	DefaultDispatchTimeout   = 30 * time.Second
	DefaultDispatchAgentName = "resturant_receptionist"
	DefaultLKBinary          = "lk"
	DefaultAvailabilityDelay = 3 * time.Second
	DefaultCartesiaModel     = "sonic-3"
)

// Duration is a time.Duration that decodes from strings like "5s" in both
// YAML and TOML.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full callctl configuration.
type Config struct {
	Addr      string `yaml:"addr" toml:"addr"`
	Home      string `yaml:"home" toml:"home"`
	DBPath    string `yaml:"db_path" toml:"db_path"`
	LogFormat string `yaml:"log_format" toml:"log_format"`

	Supervisor   SupervisorConfig   `yaml:"supervisor" toml:"supervisor"`
	Dispatch     DispatchConfig     `yaml:"dispatch" toml:"dispatch"`
	LiveKit      LiveKitConfig      `yaml:"livekit" toml:"livekit"`
	Cartesia     CartesiaConfig     `yaml:"cartesia" toml:"cartesia"`
	Availability AvailabilityConfig `yaml:"availability" toml:"availability"`

	// Workers maps an agent type to the program that runs it. Types left
	// out run the callctl binary's own worker subcommand.
	Workers map[string]protocol.WorkerProgram `yaml:"workers" toml:"workers"`

	// Path is the file the config was loaded from, if any.
	Path string `yaml:"-" toml:"-"`
}

// SupervisorConfig tunes process supervision.
type SupervisorConfig struct {
	StopTimeout Duration `yaml:"stop_timeout" toml:"stop_timeout"`
	KillGrace   Duration `yaml:"kill_grace" toml:"kill_grace"`
	RunMode     string   `yaml:"run_mode" toml:"run_mode"`
}

// DispatchConfig selects and tunes the dispatch control plane.
type DispatchConfig struct {
	Transport string   `yaml:"transport" toml:"transport"`
	AgentName string   `yaml:"agent_name" toml:"agent_name"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
	LKBinary  string   `yaml:"lk_binary" toml:"lk_binary"`
}

// LiveKitConfig holds control-plane credentials.
type LiveKitConfig struct {
	URL        string `yaml:"url" toml:"url"`
	APIKey     string `yaml:"api_key" toml:"api_key"`
	APISecret  string `yaml:"api_secret" toml:"api_secret"`
	SIPTrunkID string `yaml:"sip_trunk_id" toml:"sip_trunk_id"`
}

// CartesiaConfig configures the Cartesia text-to-speech speaker.
type CartesiaConfig struct {
	APIKey  string `yaml:"api_key" toml:"api_key"`
	VoiceID string `yaml:"voice_id" toml:"voice_id"`
	Model   string `yaml:"model" toml:"model"`
	URL     string `yaml:"url" toml:"url"`
}

// AvailabilityConfig configures the simulated availability lookup.
type AvailabilityConfig struct {
	Delay Duration `yaml:"delay" toml:"delay"`
	Slots []string `yaml:"slots" toml:"slots"`
}

// Default returns the configuration used when no file or env is present.
// Home is left empty; Load resolves it.
func Default() *Config {
	return &Config{
		Addr:      DefaultAddr,
		LogFormat: "text",
		Supervisor: SupervisorConfig{
			StopTimeout: Duration(5 * time.Second),
			KillGrace:   Duration(2 * time.Second),
			RunMode:     "dev",
		},
		Dispatch: DispatchConfig{
			Transport: TransportLocal,
			AgentName: DefaultDispatchAgentName,
			Timeout:   Duration(DefaultDispatchTimeout),
			LKBinary:  DefaultLKBinary,
		},
		Cartesia: CartesiaConfig{Model: DefaultCartesiaModel},
		Availability: AvailabilityConfig{
			Delay: Duration(DefaultAvailabilityDelay),
			Slots: []string{"1pm", "2pm", "3pm"},
		},
		Workers: map[string]protocol.WorkerProgram{},
	}
}

// Load builds a Config from defaults, the file at path (skipped when path
// is empty), and the environment. A missing file at an explicit path is an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
		cfg.Path = path
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath returns the config file in the callctl home when one exists,
// preferring YAML over TOML, or "" when neither exists.
func DefaultPath() string {
	home, err := resolveHome("")
	if err != nil {
		return ""
	}
	for _, name := range []string{"config.yaml", "config.yml", "config.toml"} {
		p := filepath.Join(home, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension (want .yaml, .yml or .toml)", path)
	}
	return nil
}

// applyEnv overlays environment variables. getenv is injected for tests.
func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *Duration) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		return nil
	}

	setString("CALLCTL_ADDR", &c.Addr)
	setString("CALLCTL_HOME", &c.Home)
	setString("CALLCTL_DB_PATH", &c.DBPath)
	setString("CALLCTL_LOG_FORMAT", &c.LogFormat)
	setString("CALLCTL_DISPATCH_TRANSPORT", &c.Dispatch.Transport)
	setString("CALLCTL_DISPATCH_AGENT_NAME", &c.Dispatch.AgentName)
	setString("LIVEKIT_URL", &c.LiveKit.URL)
	setString("LIVEKIT_API_KEY", &c.LiveKit.APIKey)
	setString("LIVEKIT_API_SECRET", &c.LiveKit.APISecret)
	setString("SIP_TRUNK_ID", &c.LiveKit.SIPTrunkID)
	setString("SIP_OUTBOUND_TRUNK_ID", &c.LiveKit.SIPTrunkID)
	setString("CARTESIA_API_KEY", &c.Cartesia.APIKey)
	setString("CARTESIA_VOICE_ID", &c.Cartesia.VoiceID)

	if err := setDuration("CALLCTL_STOP_TIMEOUT", &c.Supervisor.StopTimeout); err != nil {
		return err
	}
	return setDuration("CALLCTL_DISPATCH_TIMEOUT", &c.Dispatch.Timeout)
}

func (c *Config) resolvePaths() error {
	home, err := resolveHome(c.Home)
	if err != nil {
		return err
	}
	c.Home = home
	if c.DBPath == "" {
		c.DBPath = filepath.Join(home, "callctl.db")
	}
	return nil
}

// resolveHome returns explicit, then CALLCTL_HOME, then ~/.callctl.
func resolveHome(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if v := os.Getenv("CALLCTL_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.HomeDir), nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch c.Dispatch.Transport {
	case TransportAPI, TransportCLI, TransportLocal:
	default:
		return &protocol.ValidationError{
			Field:   "dispatch.transport",
			Message: fmt.Sprintf("%q is not one of api, cli, local", c.Dispatch.Transport),
		}
	}
	if c.Supervisor.StopTimeout.Std() <= 0 {
		return &protocol.ValidationError{Field: "supervisor.stop_timeout", Message: "must be positive"}
	}
	if c.Dispatch.Timeout.Std() <= 0 {
		return &protocol.ValidationError{Field: "dispatch.timeout", Message: "must be positive"}
	}
	for name := range c.Workers {
		if _, err := protocol.ParseAgentType(name); err != nil {
			return fmt.Errorf("workers: %w", err)
		}
	}
	return nil
}

// EnsureHome creates the home directory.
func (c *Config) EnsureHome() error {
	if err := os.MkdirAll(c.Home, 0o700); err != nil {
		return fmt.Errorf("create home %s: %w", c.Home, err)
	}
	return nil
}

// Programs returns the worker program for every known agent type. Types
// without an explicit entry run `<self> worker`.
func (c *Config) Programs() map[protocol.AgentType]protocol.WorkerProgram {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	out := make(map[protocol.AgentType]protocol.WorkerProgram, len(protocol.AgentTypes()))
	for _, t := range protocol.AgentTypes() {
		if prog, ok := c.Workers[string(t)]; ok && prog.Command != "" {
			out[t] = prog
			continue
		}
		out[t] = protocol.WorkerProgram{Command: self, Args: []string{"worker"}}
	}
	return out
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"callctl/pkg/callsession"
	"callctl/pkg/config"
	"callctl/pkg/eventlog"
	"callctl/pkg/livekit"
	"callctl/pkg/protocol"
	"callctl/pkg/registry"
	"callctl/pkg/voice"
	"callctl/pkg/worker"
)

// Worker run modes.
const (
	modeDev     = "dev"
	modeStart   = "start"
	modeConsole = "console"
)

const workerShutdownTimeout = 15 * time.Second

// workerEnv is what the supervisor tells a worker about its agent.
type workerEnv struct {
	agentID     string
	agentType   protocol.AgentType
	name        string
	personality string
	socket      string
}

func workerEnvFrom(getenv func(string) string) workerEnv {
	return workerEnv{
		agentID:     getenv(protocol.EnvAgentID),
		agentType:   protocol.AgentType(getenv(protocol.EnvAgentType)),
		name:        getenv(protocol.EnvAgentName),
		personality: getenv(protocol.EnvAgentPersonality),
		socket:      getenv(protocol.EnvWorkerSocket),
	}
}

// newWorkerCmd creates the "callctl worker" subcommand. The supervisor
// launches it with the agent in the environment and the run mode as the
// last argument.
func newWorkerCmd(opts *rootOptions) *cobra.Command {
	var (
		socket string
		pace   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "worker [dev|start|console]",
		Short: "Run an agent worker",
		Long: `Runs the worker for one agent. In dev and start mode it hosts call sessions
for jobs handed to its Unix socket. In console mode it runs a single inbound
session on the terminal: commands are read as JSON lines from stdin, e.g.
  {"type":"look_up_availability","date":"friday"}
  {"type":"end_call"}`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{modeDev, modeStart, modeConsole},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := modeDev
			if len(args) == 1 {
				mode = args[0]
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			env := workerEnvFrom(os.Getenv)
			if socket != "" {
				env.socket = socket
			}
			logger := newLogger(cfg.LogFormat, cmd.ErrOrStderr())
			return runWorker(cmd.Context(), mode, env, cfg, workerIO{
				in:   cmd.InOrStdin(),
				out:  cmd.OutOrStdout(),
				pace: pace,
			}, logger)
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "worker socket path (default from environment)")
	cmd.Flags().DurationVar(&pace, "pace", voice.DefaultWordDuration, "console speech pace per word")
	return cmd
}

type workerIO struct {
	in   io.Reader
	out  io.Writer
	pace time.Duration
}

func runWorker(ctx context.Context, mode string, env workerEnv, cfg *config.Config, wio workerIO, logger *slog.Logger) error {
	if env.agentID == "" {
		env.agentID = "local"
	}
	if env.agentType == "" {
		env.agentType = protocol.AgentTypeRestaurantReceptionist
	}
	if _, err := protocol.ParseAgentType(string(env.agentType)); err != nil {
		return err
	}
	logger = logger.With("agent_id", env.agentID)

	recorder, closeRecorder := workerRecorder(cfg, logger)
	defer closeRecorder()

	wcfg := worker.Config{
		AgentID: env.agentID,
		Persona: worker.Persona{Type: env.agentType, Name: env.name, Personality: env.personality},
		Availability: callsession.FixedAvailability{
			Slots: cfg.Availability.Slots,
			Delay: cfg.Availability.Delay.Std(),
		},
		Logger:   logger,
		Recorder: recorder,
	}

	switch mode {
	case modeConsole:
		wcfg.Telephony = worker.NewConsoleTelephony(wio.out)
		wcfg.NewSpeech = func(string) callsession.Speech { return voice.NewConsoleSpeaker(wio.out, wio.pace) }
		return worker.RunConsole(ctx, wcfg, wio.in, wio.out)
	case modeDev, modeStart:
	default:
		return &protocol.ValidationError{Field: "mode", Message: fmt.Sprintf("%q is not one of dev, start, console", mode)}
	}

	telephony, err := workerTelephony(cfg, wio.out, logger)
	if err != nil {
		return err
	}
	wcfg.Telephony = telephony
	wcfg.NewSpeech = workerSpeech(cfg, wio, logger)

	socket := env.socket
	if socket == "" {
		socket = protocol.WorkerSocketPath(cfg.Home, env.agentID)
	}
	ln, err := worker.Listen(socket)
	if err != nil {
		return err
	}
	host := worker.NewHost(wcfg)
	logger.Info("worker listening", "socket", socket, "mode", mode, "type", env.agentType)

	serveErr := host.Serve(ctx, ln)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), workerShutdownTimeout)
	defer cancel()
	if err := host.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker shutdown", "err", err)
	}
	_ = os.Remove(socket)
	return serveErr
}

// workerTelephony uses LiveKit when credentials are configured and falls
// back to narrating telephony to out.
func workerTelephony(cfg *config.Config, out io.Writer, logger *slog.Logger) (callsession.Telephony, error) {
	creds := livekitCredentials(cfg)
	if creds.URL == "" && creds.APIKey == "" && creds.APISecret == "" {
		logger.Warn("LiveKit credentials not set, using console telephony")
		return worker.NewConsoleTelephony(out), nil
	}
	lkAPI, err := livekit.NewAPI(creds)
	if err != nil {
		return nil, err
	}
	return livekit.NewTelephony(lkAPI, cfg.LiveKit.SIPTrunkID, logger), nil
}

// workerSpeech synthesizes with Cartesia when an API key is configured and
// prints utterances otherwise.
func workerSpeech(cfg *config.Config, wio workerIO, logger *slog.Logger) func(room string) callsession.Speech {
	if strings.TrimSpace(cfg.Cartesia.APIKey) == "" {
		return func(string) callsession.Speech { return voice.NewConsoleSpeaker(wio.out, wio.pace) }
	}
	return func(room string) callsession.Speech {
		return voice.NewCartesiaSpeaker(voice.CartesiaOptions{
			APIKey:  cfg.Cartesia.APIKey,
			VoiceID: cfg.Cartesia.VoiceID,
			Model:   cfg.Cartesia.Model,
			URL:     cfg.Cartesia.URL,
			Logger:  logger.With("room", room),
		})
	}
}

// workerRecorder logs call events and appends them to the shared event log
// when its database can be opened.
func workerRecorder(cfg *config.Config, logger *slog.Logger) (protocol.Recorder, func()) {
	logged := protocol.RecorderFunc(func(e protocol.Event) {
		logger.Info("event", "type", e.Type, "room", e.Room, "payload", e.Payload)
	})
	db, err := registry.OpenDB(cfg.DBPath)
	if err != nil {
		logger.Warn("event log unavailable", "path", cfg.DBPath, "err", err)
		return logged, func() {}
	}
	w := eventlog.NewWriter(db, logger)
	return protocol.MultiRecorder{logged, w}, func() {
		w.Close()
		_ = db.Close()
	}
}

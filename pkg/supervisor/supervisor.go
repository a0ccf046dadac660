// Package supervisor owns the mapping from logical agent id to the OS
// process running that agent's worker. It starts, polls, stops and reclaims
// worker processes and guarantees at most one live process per agent.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"callctl/pkg/protocol"
)

// Default timings.
const (
	DefaultStopTimeout = 5 * time.Second
	DefaultKillGrace   = 2 * time.Second
	DefaultRunMode     = "dev"
)

// Catalog resolves the worker program for an agent type. Resolve returns a
// *protocol.ConfigurationError of kind UnknownAgentType for types it does
// not know.
type Catalog interface {
	Resolve(t protocol.AgentType) (protocol.WorkerProgram, error)
}

// AgentConfig is what the worker needs to know about the agent it runs.
type AgentConfig struct {
	Type        protocol.AgentType
	Name        string
	Personality string
}

// Config tunes a Supervisor. Zero values take the package defaults.
type Config struct {
	// Home is the state directory. Worker output goes to
	// Home/workers/<agent_id>/output.log. Empty sends output to the
	// supervisor's own stdout/stderr.
	Home        string
	StopTimeout time.Duration
	KillGrace   time.Duration
	RunMode     string

	Logger   *slog.Logger
	Recorder protocol.Recorder
}

// Supervisor implements start/stop/status over worker subprocesses.
//
// Thread-safe: the handle map is guarded by mu. Graceful stop waits happen
// outside mu on the handle's stop latch.
type Supervisor struct {
	cfg      Config
	catalog  Catalog
	logger   *slog.Logger
	recorder protocol.Recorder

	mu    sync.Mutex
	procs map[string]*handle
	wg    sync.WaitGroup

	// cmdFactory builds the exec.Cmd for a resolved program. Tests
	// override it to spawn sleep or sh.
	cmdFactory func(prog protocol.WorkerProgram, mode string) *exec.Cmd
	now        func() time.Time
}

// New returns a Supervisor that resolves worker programs through catalog.
func New(cfg Config, catalog Catalog) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.RunMode == "" {
		cfg.RunMode = DefaultRunMode
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = protocol.NopRecorder{}
	}
	return &Supervisor{
		cfg:        cfg,
		catalog:    catalog,
		logger:     logger,
		recorder:   recorder,
		procs:      make(map[string]*handle),
		cmdFactory: defaultCmdFactory,
		now:        time.Now,
	}
}

func defaultCmdFactory(prog protocol.WorkerProgram, mode string) *exec.Cmd {
	//nolint:gosec // spawning the configured worker program is the point
	cmd := exec.CommandContext(context.Background(), prog.Command, prog.Argv(mode)...)
	cmd.Dir = prog.Dir
	return cmd
}

// SetCmdFactory replaces the command factory. Used by tests to spawn a
// controllable process instead of the configured worker program.
func (s *Supervisor) SetCmdFactory(factory func(prog protocol.WorkerProgram, mode string) *exec.Cmd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmdFactory = factory
}

// Start spawns the worker for agentID unless a live one already exists.
func (s *Supervisor) Start(agentID string, ac AgentConfig) (Result, error) {
	if strings.TrimSpace(agentID) == "" {
		return Result{}, &protocol.ValidationError{Field: "agent_id", Message: "required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.procs[agentID]; ok {
		if !h.exited() {
			return Result{Outcome: AlreadyRunning, AgentID: agentID, PID: h.pid}, nil
		}
		// Exited before anyone polled it: report and reclaim, then start fresh.
		s.reclaimLocked(h)
	}

	prog, err := s.catalog.Resolve(ac.Type)
	if err != nil {
		return Result{}, err
	}
	if err := checkProgram(prog); err != nil {
		return Result{}, err
	}

	cmd := s.cmdFactory(prog, s.cfg.RunMode)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		protocol.EnvAgentID+"="+agentID,
		protocol.EnvAgentName+"="+ac.Name,
		protocol.EnvAgentPersonality+"="+ac.Personality,
		protocol.EnvAgentType+"="+string(ac.Type),
	)
	if s.cfg.Home != "" {
		cmd.Env = append(cmd.Env, protocol.EnvWorkerSocket+"="+protocol.WorkerSocketPath(s.cfg.Home, agentID))
	}

	logFile, err := s.openOutput(agentID, cmd)
	if err != nil {
		return Result{}, &protocol.SpawnError{AgentID: agentID, Cause: err}
	}
	err = cmd.Start()
	// The child inherited the log fd; the parent's copy is no longer needed.
	if logFile != nil {
		_ = logFile.Close()
	}
	if err != nil {
		s.recorder.Record(s.event(protocol.EventAgentSpawnFailed, agentID, err.Error()))
		return Result{}, &protocol.SpawnError{AgentID: agentID, Cause: err}
	}

	h := &handle{
		agentID:   agentID,
		pid:       cmd.Process.Pid,
		startedAt: s.now().UTC(),
		proc:      cmd.Process,
		state:     StateRunning,
		done:      make(chan struct{}),
	}
	s.procs[agentID] = h

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.reap(cmd)
	}()

	s.logger.Info("worker started", "agent_id", agentID, "pid", h.pid, "type", ac.Type)
	s.recorder.Record(s.event(protocol.EventAgentStarted, agentID, fmt.Sprintf(`{"pid":%d}`, h.pid)))
	return Result{Outcome: Started, AgentID: agentID, PID: h.pid, StartedAt: &h.startedAt}, nil
}

// openOutput points the command's stdout/stderr at the per-agent output log.
func (s *Supervisor) openOutput(agentID string, cmd *exec.Cmd) (*os.File, error) {
	if s.cfg.Home == "" {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return nil, nil
	}
	logDir := protocol.WorkerDir(s.cfg.Home, agentID)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return nil, fmt.Errorf("create worker dir %s: %w", logDir, err)
	}
	logPath := filepath.Join(logDir, "output.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path derived from home and agent id
	if err != nil {
		return nil, fmt.Errorf("open worker log %s: %w", logPath, err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	return logFile, nil
}

// checkProgram verifies that the worker program can be launched.
func checkProgram(prog protocol.WorkerProgram) error {
	if prog.Command == "" {
		return &protocol.ConfigurationError{Kind: protocol.ScriptNotFound, Detail: "worker command is empty"}
	}
	if prog.Script != "" {
		if _, err := os.Stat(prog.Script); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return &protocol.ConfigurationError{Kind: protocol.ScriptNotFound, Detail: prog.Script}
			}
			return &protocol.ConfigurationError{Kind: protocol.ScriptNotFound, Detail: err.Error()}
		}
	}
	if _, err := exec.LookPath(prog.Command); err != nil {
		return &protocol.ConfigurationError{Kind: protocol.ScriptNotFound, Detail: err.Error()}
	}
	return nil
}

// Stop terminates the worker for agentID. SIGTERM goes to the worker's
// process group; after StopTimeout the group is killed. The handle is
// removed before Stop returns. A concurrent Stop for the same handle waits
// for the first and returns its result.
func (s *Supervisor) Stop(agentID string) Result {
	s.mu.Lock()
	h, ok := s.procs[agentID]
	if ok && h.state == StateRunning {
		h.state = StateStopping
	}
	s.mu.Unlock()
	if !ok {
		return Result{Outcome: NotRunning, AgentID: agentID}
	}

	h.stopOnce.Do(func() {
		h.stopResult = s.terminate(h)

		s.mu.Lock()
		if cur, ok := s.procs[agentID]; ok && cur == h {
			delete(s.procs, agentID)
		}
		s.mu.Unlock()
	})
	return h.stopResult
}

// terminate runs the SIGTERM / timeout / SIGKILL sequence for one handle.
// Called without s.mu held.
func (s *Supervisor) terminate(h *handle) Result {
	res := Result{AgentID: h.agentID, PID: h.pid}

	select {
	case <-h.done:
		res.Outcome = Stopped
		res.ReturnCode = h.returnCode()
		res.State = StateStopped
		s.recordStop(h, protocol.EventAgentStopped, res)
		return res
	default:
	}

	pgid := h.pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		// Group already gone; signal the leader directly in case it is not.
		_ = h.proc.Signal(syscall.SIGTERM)
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
		res.Outcome = Stopped
		res.State = StateStopped
	case <-timer.C:
		s.logger.Warn("worker ignored SIGTERM, killing", "agent_id", h.agentID, "pid", h.pid, "after", s.cfg.StopTimeout)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		_ = h.proc.Kill()
		grace := time.NewTimer(s.cfg.KillGrace)
		select {
		case <-h.done:
		case <-grace.C:
			s.logger.Error("worker not reaped after SIGKILL", "agent_id", h.agentID, "pid", h.pid)
		}
		grace.Stop()
		res.Outcome = ForceStopped
		res.State = StateForceStopped
	}
	res.ReturnCode = h.returnCode()

	if res.Outcome == ForceStopped {
		s.recordStop(h, protocol.EventAgentForceStopped, res)
	} else {
		s.recordStop(h, protocol.EventAgentStopped, res)
	}
	return res
}

func (s *Supervisor) recordStop(h *handle, typ protocol.EventType, res Result) {
	s.mu.Lock()
	h.state = res.State
	s.mu.Unlock()
	s.logger.Info("worker stopped", "agent_id", h.agentID, "pid", h.pid, "state", res.State)
	s.recorder.Record(s.event(typ, h.agentID, res.payload()))
}

// Status reports the worker for agentID without blocking. An exited worker
// is reclaimed and reported once as stopped with its return code.
func (s *Supervisor) Status(agentID string) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.procs[agentID]
	if !ok {
		return Result{Outcome: NotRunning, AgentID: agentID}
	}
	if !h.exited() {
		return Result{Outcome: Running, AgentID: agentID, PID: h.pid, State: h.state, StartedAt: &h.startedAt}
	}
	return s.reclaimLocked(h)
}

// reclaimLocked removes an exited handle and reports it. Caller holds s.mu.
func (s *Supervisor) reclaimLocked(h *handle) Result {
	res := Result{
		Outcome:    Stopped,
		AgentID:    h.agentID,
		PID:        h.pid,
		ReturnCode: h.returnCode(),
		State:      StateStopped,
	}
	if code := res.ReturnCode; code != nil && *code != 0 {
		res.State = StateCrashed
	}
	// A handle mid-Stop is reported by Stop itself.
	if h.state == StateRunning {
		h.state = res.State
		s.logger.Info("worker exited", "agent_id", h.agentID, "pid", h.pid, "state", res.State)
		s.recorder.Record(s.event(protocol.EventAgentExited, h.agentID, res.payload()))
	}
	if cur, ok := s.procs[h.agentID]; ok && cur == h {
		delete(s.procs, h.agentID)
	}
	return res
}

// ListRunning polls every handle, reclaims the exited ones and returns the
// live workers sorted by agent id.
func (s *Supervisor) ListRunning() []ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]ProcessInfo, 0, len(s.procs))
	for _, h := range s.procs {
		if h.exited() {
			s.reclaimLocked(h)
			continue
		}
		infos = append(infos, ProcessInfo{
			AgentID:   h.agentID,
			PID:       h.pid,
			StartedAt: h.startedAt,
			State:     h.state,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AgentID < infos[j].AgentID })
	return infos
}

// Shutdown stops every tracked worker concurrently and waits for the stops
// to finish or ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.Stop(id)
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown supervisor: %w", ctx.Err())
	}
}

// Wait blocks until every reaper goroutine has finished or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for worker reapers: %w", ctx.Err())
	}
}

func (s *Supervisor) event(typ protocol.EventType, agentID, payload string) protocol.Event {
	return protocol.Event{
		Type:      typ,
		Source:    "supervisor",
		AgentID:   agentID,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	}
}

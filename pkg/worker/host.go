// Package worker hosts the call sessions of one agent. Jobs arrive as
// newline-delimited JSON on a Unix socket; each job gets its own call
// session controller.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"callctl/pkg/callsession"
	"callctl/pkg/protocol"
)

// ErrShuttingDown rejects jobs submitted after Shutdown.
var ErrShuttingDown = errors.New("worker host is shutting down")

// Config configures a Host.
type Config struct {
	AgentID string
	Persona Persona

	Telephony callsession.Telephony
	// NewSpeech returns the speech pipeline of a new session. Speech that
	// implements io.Closer is closed when its session ends.
	NewSpeech    func(room string) callsession.Speech
	Availability callsession.AvailabilitySource

	Logger   *slog.Logger
	Recorder protocol.Recorder
}

// Host runs one controller per job.
type Host struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	ctrl       *callsession.Controller
	dispatchID string
}

// NewHost returns a Host with no sessions.
func NewHost(cfg Config) *Host {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = protocol.NopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		cfg:      cfg,
		logger:   logger.With("agent_id", cfg.AgentID),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// StartJob starts a session in room. Metadata without a usable phone number
// starts an inbound session that waits for whoever joins. It returns the
// dispatch id assigned to the job.
func (h *Host) StartJob(room, metadata string) (string, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return "", &protocol.ValidationError{Field: "room", Message: "required"}
	}

	persona := h.cfg.Persona
	opts := callsession.Options{
		Room:         room,
		Telephony:    h.cfg.Telephony,
		Availability: h.cfg.Availability,
		Logger:       h.logger,
		Recorder:     h.cfg.Recorder,
		AgentID:      h.cfg.AgentID,
	}
	meta, err := protocol.DecodeJobMetadata(metadata)
	if err != nil {
		h.logger.Warn("job metadata unusable, falling back to inbound mode", "room", room, "err", err)
	} else {
		opts.Dial = callsession.DialInfo{PhoneNumber: meta.PhoneNumber, TransferTo: meta.TransferTo}
		opts.Identity = meta.PhoneNumber
		if meta.AgentName != "" {
			persona.Name = meta.AgentName
		}
		if meta.AgentPersonality != "" {
			persona.Personality = meta.AgentPersonality
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", ErrShuttingDown
	}
	if _, ok := h.sessions[room]; ok {
		return "", &protocol.ValidationError{Field: "room", Message: fmt.Sprintf("session %s already running", room)}
	}

	speech := h.cfg.NewSpeech(room)
	opts.Speech = speech
	opts.OnShutdown = func() { h.logger.Warn("session shut down before the call connected", "room", room) }
	s := &session{ctrl: callsession.New(opts), dispatchID: "AD_" + uuid.NewString()}
	h.sessions[room] = s
	h.wg.Add(1)
	go h.run(s, speech, persona)

	h.logger.Info("job accepted", "room", room, "dispatch_id", s.dispatchID, "outbound", opts.Dial.PhoneNumber != "")
	return s.dispatchID, nil
}

func (h *Host) run(s *session, speech callsession.Speech, persona Persona) {
	defer h.wg.Done()
	room := s.ctrl.Room()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, room)
		h.mu.Unlock()
		if c, ok := speech.(io.Closer); ok {
			_ = c.Close()
		}
	}()

	if err := s.ctrl.Connect(h.ctx); err != nil {
		return
	}
	if _, err := speech.Say(h.ctx, persona.Greeting()); err != nil {
		h.logger.Warn("greeting failed", "room", room, "err", err)
	}

	select {
	case <-s.ctrl.Done():
	case <-h.ctx.Done():
		if err := s.ctrl.Hangup(context.Background()); err != nil {
			h.logger.Error("hangup on shutdown failed", "room", room, "err", err)
		}
		<-s.ctrl.Done()
	}
	h.logger.Info("session ended", "room", room)
}

// Command decodes raw and hands it to the session in room.
func (h *Host) Command(ctx context.Context, room string, raw []byte) (callsession.Result, error) {
	cmd, err := callsession.DecodeCommand(raw)
	if err != nil {
		return callsession.Result{}, &protocol.ValidationError{Field: "command", Message: err.Error()}
	}
	h.mu.Lock()
	s, ok := h.sessions[room]
	h.mu.Unlock()
	if !ok {
		return callsession.Result{}, &protocol.NotFoundError{Kind: "session", ID: room}
	}
	return s.ctrl.Handle(ctx, cmd)
}

// Sessions returns a snapshot of every live session, sorted by room.
func (h *Host) Sessions() []callsession.Snapshot {
	h.mu.Lock()
	out := make([]callsession.Snapshot, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.ctrl.Snapshot())
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Shutdown refuses new jobs, hangs up every session and waits for them to
// end or ctx to expire.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker shutdown: %w", ctx.Err())
	}
}

// Listen binds the worker socket at socketPath, replacing a stale socket
// file left by a crashed worker.
func Listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	if err := cleanStaleSocket(socketPath); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", socketPath) //nolint:noctx // UDS bind is instant
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled.
func (h *Host) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			h.logger.Warn("accept failed", "err", err)
			continue
		}
		go h.handleConn(ctx, conn)
	}
}

// handleConn answers each request line with exactly one response line.
func (h *Host) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := newScanner(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var msg Message
		var reply Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			reply = errorMessage(&protocol.ValidationError{Field: "message", Message: "malformed JSON"})
		} else {
			reply = h.handleMessage(ctx, msg)
		}
		if err := writeMessage(conn, reply); err != nil {
			h.logger.Warn("reply failed", "err", err)
			return
		}
	}
}

func (h *Host) handleMessage(ctx context.Context, msg Message) Message {
	switch msg.Type {
	case MsgJob:
		id, err := h.StartJob(msg.Room, msg.Metadata)
		if err != nil {
			return errorMessage(err)
		}
		return Message{Type: MsgAck, DispatchID: id, Room: msg.Room}
	case MsgCommand:
		res, err := h.Command(ctx, msg.Room, msg.Command)
		if err != nil {
			reply := errorMessage(err)
			reply.Room = msg.Room
			if res.Message != "" {
				reply.Result = &res
			}
			return reply
		}
		return Message{Type: MsgResult, Room: msg.Room, Result: &res}
	case MsgStatus:
		return Message{Type: MsgStatus, Sessions: h.Sessions()}
	default:
		return errorMessage(&protocol.ValidationError{Field: "type", Message: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

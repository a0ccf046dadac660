// Package api serves the daemon's HTTP interface: agent CRUD, process
// control, dispatch, the event log and a websocket stream of live events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"callctl/pkg/dispatch"
	"callctl/pkg/eventlog"
	"callctl/pkg/protocol"
	"callctl/pkg/registry"
	"callctl/pkg/supervisor"
)

const (
	maxBodyBytes      = 1 << 20
	defaultEventLimit = 100
	maxEventLimit     = 1000
	streamPing        = 30 * time.Second
	streamWriteWait   = 10 * time.Second
)

// Registry is the agent store the server reads and writes.
type Registry interface {
	Create(ctx context.Context, p registry.CreateParams) (protocol.Agent, error)
	Get(ctx context.Context, id string) (protocol.Agent, error)
	List(ctx context.Context) ([]protocol.Agent, error)
	Delete(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id string, status protocol.AgentStatus) error
	RecordDeployment(ctx context.Context, id string, rec protocol.DeploymentRecord) error
}

// Supervisor controls worker processes.
type Supervisor interface {
	Start(agentID string, ac supervisor.AgentConfig) (supervisor.Result, error)
	Stop(agentID string) supervisor.Result
	Status(agentID string) supervisor.Result
	ListRunning() []supervisor.ProcessInfo
}

// Dispatcher binds an agent to a call.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID string, t dispatch.Target) (dispatch.Outcome, error)
}

// EventSource queries the persisted event log.
type EventSource interface {
	Query(ctx context.Context, opts eventlog.QueryOpts) ([]protocol.Event, error)
}

// Metrics observes requests and serves the scrape endpoint.
type Metrics interface {
	HTTPObserver
	Handler() http.Handler
}

// Deps are the collaborators of a Server. Events, Hub and Metrics are
// optional.
type Deps struct {
	Registry   Registry
	Supervisor Supervisor
	Dispatcher Dispatcher
	Events     EventSource
	Hub        *Hub
	Metrics    Metrics
	Logger     *slog.Logger
}

// Server is the HTTP front of the daemon.
type Server struct {
	deps     Deps
	logger   *slog.Logger
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// NewServer builds a Server and registers its routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.routes()
	return s
}

// Handler returns the routed handler wrapped in request id, access log and
// panic recovery middleware.
func (s *Server) Handler() http.Handler {
	var obs HTTPObserver
	if s.deps.Metrics != nil {
		obs = s.deps.Metrics
	}
	return requestID(accessLog(s.logger, obs, recoverer(s.logger, s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /v1/agents", s.handleCreate)
	s.mux.HandleFunc("GET /v1/agents", s.handleList)
	s.mux.HandleFunc("GET /v1/agents/{id}", s.handleGet)
	s.mux.HandleFunc("DELETE /v1/agents/{id}", s.handleDelete)
	s.mux.HandleFunc("POST /v1/agents/{id}/start", s.handleStart)
	s.mux.HandleFunc("POST /v1/agents/{id}/stop", s.handleStop)
	s.mux.HandleFunc("GET /v1/agents/{id}/status", s.handleStatus)
	s.mux.HandleFunc("POST /v1/agents/{id}/dispatch", s.handleDispatch)
	s.mux.HandleFunc("POST /v1/agents/{id}/deployment", s.handleDeployment)
	s.mux.HandleFunc("GET /v1/running", s.handleRunning)

	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
	s.mux.HandleFunc("GET /v1/events/stream", s.handleStream)

	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
}

// CreateRequest is the body of POST /v1/agents.
type CreateRequest struct {
	Type        protocol.AgentType `json:"agent_type"`
	Name        string             `json:"name"`
	Personality string             `json:"personality"`
}

// ProcessInfo is the process view attached to agent responses. Error is
// set when the worker could not be started.
type ProcessInfo struct {
	supervisor.Result
	Error string `json:"error,omitempty"`
}

// AgentResponse is an agent with its current process view.
type AgentResponse struct {
	protocol.Agent
	Process *ProcessInfo `json:"process_info,omitempty"`
}

// LifecycleResponse answers start, stop and delete.
type LifecycleResponse struct {
	Message string            `json:"message"`
	Result  supervisor.Result `json:"result"`
}

// DeploymentRequest is the body of POST /v1/agents/{id}/deployment.
type DeploymentRequest struct {
	DispatchID string                    `json:"dispatch_id"`
	RoomName   string                    `json:"room_name"`
	Status     protocol.DeploymentStatus `json:"deployment_status"`
	Metadata   map[string]any            `json:"deployment_metadata,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := s.deps.Registry.Create(r.Context(), registry.CreateParams{
		Type:        req.Type,
		Name:        req.Name,
		Personality: req.Personality,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.deps.Supervisor.Start(agent.ID, agentConfig(agent))
	info := &ProcessInfo{Result: res}
	if err != nil {
		s.logger.Warn("start on create failed", "agent_id", agent.ID, "err", err)
		info.Result = supervisor.Result{AgentID: agent.ID}
		info.Error = err.Error()
		if serr := s.deps.Registry.SetStatus(r.Context(), agent.ID, protocol.AgentError); serr != nil {
			writeError(w, r, serr)
			return
		}
		agent.Status = protocol.AgentError
	}
	writeJSON(w, http.StatusCreated, AgentResponse{Agent: agent, Process: info})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Registry.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.lookup(w, r)
	if !ok {
		return
	}
	info := &ProcessInfo{Result: s.deps.Supervisor.Status(agent.ID)}
	writeJSON(w, http.StatusOK, AgentResponse{Agent: agent, Process: info})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.lookup(w, r)
	if !ok {
		return
	}
	res := s.deps.Supervisor.Stop(agent.ID)
	if err := s.deps.Registry.Delete(r.Context(), agent.ID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LifecycleResponse{Message: "agent deleted", Result: res})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.lookup(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Supervisor.Start(agent.ID, agentConfig(agent))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Registry.SetStatus(r.Context(), agent.ID, protocol.AgentActive); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LifecycleResponse{Message: "agent " + string(res.Outcome), Result: res})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.lookup(w, r)
	if !ok {
		return
	}
	res := s.deps.Supervisor.Stop(agent.ID)
	if err := s.deps.Registry.SetStatus(r.Context(), agent.ID, protocol.AgentStopped); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LifecycleResponse{Message: "agent " + string(res.Outcome), Result: res})
}

// handleStatus answers from the supervisor alone so that processes of
// agents deleted out from under the daemon stay visible.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Supervisor.Status(id))
}

func (s *Server) handleRunning(w http.ResponseWriter, _ *http.Request) {
	running := s.deps.Supervisor.ListRunning()
	if running == nil {
		running = []supervisor.ProcessInfo{}
	}
	writeJSON(w, http.StatusOK, running)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var target dispatch.Target
	if err := decodeBody(r, &target); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := s.deps.Dispatcher.Dispatch(r.Context(), id, target)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := agentID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req DeploymentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.DispatchID) == "" || strings.TrimSpace(req.RoomName) == "" {
		writeError(w, r, &protocol.ValidationError{Field: "deployment", Message: "dispatch_id and room_name are required together"})
		return
	}
	if req.Status == "" {
		req.Status = protocol.Deployed
	}
	if !req.Status.Valid() {
		writeError(w, r, &protocol.ValidationError{
			Field:   "deployment_status",
			Message: fmt.Sprintf("unknown deployment status %q (known: %s, %s, %s)", req.Status, protocol.NotDeployed, protocol.Deployed, protocol.DeploymentFailed),
		})
		return
	}
	now := time.Now().UTC()
	rec := protocol.DeploymentRecord{
		DispatchID: req.DispatchID,
		RoomName:   req.RoomName,
		Status:     req.Status,
		DeployedAt: &now,
		Metadata:   req.Metadata,
	}
	if err := s.deps.Registry.RecordDeployment(r.Context(), id, rec); err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultEventLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, &protocol.ValidationError{Field: "limit", Message: "must be a positive integer"})
			return
		}
		limit = min(n, maxEventLimit)
	}
	if s.deps.Events == nil {
		writeJSON(w, http.StatusOK, []protocol.Event{})
		return
	}
	events, err := s.deps.Events.Query(r.Context(), eventlog.QueryOpts{
		AgentID: q.Get("agent"),
		Room:    q.Get("room"),
		Type:    protocol.EventType(q.Get("type")),
		Limit:   limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []protocol.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleStream upgrades to a websocket and forwards live events, filtered
// by the optional agent query parameter, until the client goes away or the
// hub closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, r, &protocol.NotFoundError{Kind: "route", ID: r.URL.Path})
		return
	}
	agentFilter := r.URL.Query().Get("agent")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events, cancel := s.deps.Hub.Subscribe()
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPing)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case e, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			if agentFilter != "" && e.AgentID != agentFilter {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

// lookup validates the path id and loads the agent, writing the error
// response itself when either fails.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (protocol.Agent, bool) {
	id, err := agentID(r)
	if err != nil {
		writeError(w, r, err)
		return protocol.Agent{}, false
	}
	agent, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return protocol.Agent{}, false
	}
	return agent, true
}

func agentID(r *http.Request) (string, error) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		return "", &protocol.ValidationError{Field: "id", Message: "invalid agent ID format"}
	}
	return id, nil
}

func agentConfig(a protocol.Agent) supervisor.AgentConfig {
	return supervisor.AgentConfig{Type: a.Type, Name: a.Name, Personality: a.Personality}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &protocol.ValidationError{Field: "body", Message: "request body is empty"}
		}
		return &protocol.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	body, status := FromError(err, RequestIDFrom(r.Context()))
	writeJSON(w, status, Envelope{Error: body})
}

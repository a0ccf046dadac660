package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"callctl/pkg/dispatch"
	"callctl/pkg/protocol"
	"callctl/pkg/supervisor"
)

// Client talks to a running daemon. Error responses come back as *Error,
// which unwraps to the matching protocol error type.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a Client for the daemon at addr ("host:port" or a full
// http URL). A nil hc uses http.DefaultClient.
func NewClient(addr string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, http: hc}
}

// CreateAgent creates an agent and starts its worker.
func (c *Client) CreateAgent(ctx context.Context, req CreateRequest) (AgentResponse, error) {
	var out AgentResponse
	err := c.do(ctx, http.MethodPost, "/v1/agents", req, &out)
	return out, err
}

// GetAgent fetches one agent with its process view.
func (c *Client) GetAgent(ctx context.Context, id string) (AgentResponse, error) {
	var out AgentResponse
	err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ListAgents returns every agent.
func (c *Client) ListAgents(ctx context.Context) ([]protocol.Agent, error) {
	var out []protocol.Agent
	err := c.do(ctx, http.MethodGet, "/v1/agents", nil, &out)
	return out, err
}

// DeleteAgent stops the agent's worker and deletes the agent.
func (c *Client) DeleteAgent(ctx context.Context, id string) (LifecycleResponse, error) {
	var out LifecycleResponse
	err := c.do(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Start starts the agent's worker.
func (c *Client) Start(ctx context.Context, id string) (LifecycleResponse, error) {
	var out LifecycleResponse
	err := c.do(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(id)+"/start", nil, &out)
	return out, err
}

// Stop stops the agent's worker.
func (c *Client) Stop(ctx context.Context, id string) (LifecycleResponse, error) {
	var out LifecycleResponse
	err := c.do(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(id)+"/stop", nil, &out)
	return out, err
}

// Status reports the agent's worker process.
func (c *Client) Status(ctx context.Context, id string) (supervisor.Result, error) {
	var out supervisor.Result
	err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(id)+"/status", nil, &out)
	return out, err
}

// ListRunning returns the live worker processes.
func (c *Client) ListRunning(ctx context.Context) ([]supervisor.ProcessInfo, error) {
	var out []supervisor.ProcessInfo
	err := c.do(ctx, http.MethodGet, "/v1/running", nil, &out)
	return out, err
}

// Dispatch binds the agent to an outbound call.
func (c *Client) Dispatch(ctx context.Context, id string, t dispatch.Target) (dispatch.Outcome, error) {
	var out dispatch.Outcome
	err := c.do(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(id)+"/dispatch", t, &out)
	return out, err
}

// UpdateDeployment records a deployment by hand.
func (c *Client) UpdateDeployment(ctx context.Context, id string, req DeploymentRequest) (protocol.Agent, error) {
	var out protocol.Agent
	err := c.do(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(id)+"/deployment", req, &out)
	return out, err
}

// EventFilter narrows Events and StreamEvents.
type EventFilter struct {
	AgentID string
	Type    protocol.EventType
	Limit   int
}

func (f EventFilter) query() string {
	q := url.Values{}
	if f.AgentID != "" {
		q.Set("agent", f.AgentID)
	}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// Events returns recent persisted events, newest first.
func (c *Client) Events(ctx context.Context, f EventFilter) ([]protocol.Event, error) {
	var out []protocol.Event
	err := c.do(ctx, http.MethodGet, "/v1/events"+f.query(), nil, &out)
	return out, err
}

// StreamEvents opens the live event stream. The returned channel is closed
// when the connection drops or ctx is cancelled.
func (c *Client) StreamEvents(ctx context.Context, f EventFilter) (<-chan protocol.Event, error) {
	u := c.base + "/v1/events/stream" + EventFilter{AgentID: f.AgentID}.query()
	u = "ws" + strings.TrimPrefix(u, "http")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, decodeError(resp)
		}
		return nil, &protocol.TransportError{Op: "stream events", Cause: err}
	}

	out := make(chan protocol.Event, subscriberBuffer)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	go func() {
		defer close(out)
		defer stop()
		defer conn.Close()
		for {
			var e protocol.Event
			if err := conn.ReadJSON(&e); err != nil {
				return
			}
			if f.Type != "" && e.Type != f.Type {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		}
		return &protocol.TransportError{Op: method + " " + path, Detail: "daemon unreachable", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Error == nil {
		return &Error{
			Type:    TypeInternal,
			Message: strings.TrimSpace(string(raw)),
			Status:  resp.StatusCode,
		}
	}
	env.Error.Status = resp.StatusCode
	return env.Error
}

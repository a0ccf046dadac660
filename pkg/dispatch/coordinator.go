// Package dispatch binds a persisted agent to a live telephony session: it
// asks the control plane to dispatch a worker into a fresh room and records
// the resulting deployment in the registry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"callctl/pkg/protocol"
)

// DefaultTimeout bounds one control-plane dispatch.
const DefaultTimeout = 30 * time.Second

// DefaultAgentName is the worker name registered with the control plane.
const DefaultAgentName = "resturant_receptionist"

//nolint:gochecknoglobals // compile-once regex
var phonePattern = regexp.MustCompile(`^\+?[0-9]{3,15}$`)

// Request is what the control plane needs to dispatch a worker.
type Request struct {
	AgentName string
	Room      string
	Metadata  string
}

// Result identifies the dispatch the control plane created. Raw carries the
// unparsed control-plane output when there is one.
type Result struct {
	DispatchID string
	Room       string
	Raw        string
}

// ControlPlane creates dispatches. Implementations: the LiveKit API adapter,
// the lk CLI adapter, and the local worker-socket transport.
type ControlPlane interface {
	CreateDispatch(ctx context.Context, req Request) (*Result, error)
}

// Registry is the part of the agent registry the coordinator uses.
type Registry interface {
	Get(ctx context.Context, id string) (protocol.Agent, error)
	RecordDeployment(ctx context.Context, id string, rec protocol.DeploymentRecord) error
}

// Observer receives the latency and outcome of each control-plane call.
type Observer interface {
	ObserveDispatch(transport string, err error, d time.Duration)
}

// Target is the caller-supplied part of a dispatch.
type Target struct {
	PhoneNumber string `json:"phone_number"`
	TransferTo  string `json:"transfer_to"`
}

// Outcome reports a successful dispatch.
type Outcome struct {
	DispatchID string         `json:"dispatch_id"`
	Room       string         `json:"room_name"`
	Output     string         `json:"output,omitempty"`
	Agent      protocol.Agent `json:"agent"`
}

// Options configures a Coordinator.
type Options struct {
	AgentName string
	Timeout   time.Duration
	// Transport names the control plane for logs and metrics.
	Transport string

	Logger   *slog.Logger
	Recorder protocol.Recorder
	Observer Observer
}

// Coordinator runs dispatches. Dispatches for the same agent are serialized.
type Coordinator struct {
	reg  Registry
	cp   ControlPlane
	opts Options

	logger   *slog.Logger
	recorder protocol.Recorder
	locks    keyedMutex

	newRoom func() string
	now     func() time.Time
}

// NewCoordinator returns a Coordinator over reg and cp.
func NewCoordinator(reg Registry, cp ControlPlane, opts Options) *Coordinator {
	if opts.AgentName == "" {
		opts.AgentName = DefaultAgentName
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = protocol.NopRecorder{}
	}
	return &Coordinator{
		reg:      reg,
		cp:       cp,
		opts:     opts,
		logger:   logger,
		recorder: recorder,
		newRoom:  func() string { return "room-" + uuid.NewString() },
		now:      time.Now,
	}
}

// NormalizePhone strips spaces and dashes and validates the result.
func NormalizePhone(field, raw string) (string, error) {
	s := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))
	if s == "" {
		return "", &protocol.ValidationError{Field: field, Message: "required"}
	}
	if !phonePattern.MatchString(s) {
		return "", &protocol.ValidationError{Field: field, Message: fmt.Sprintf("%q is not a phone number", raw)}
	}
	return s, nil
}

// Dispatch sends agentID to call t.PhoneNumber. On success the registry
// holds the new dispatch id and room; on failure it is left untouched.
func (c *Coordinator) Dispatch(ctx context.Context, agentID string, t Target) (Outcome, error) {
	phone, err := NormalizePhone("phone_number", t.PhoneNumber)
	if err != nil {
		return Outcome{}, err
	}
	transferTo := ""
	if strings.TrimSpace(t.TransferTo) != "" {
		if transferTo, err = NormalizePhone("transfer_to", t.TransferTo); err != nil {
			return Outcome{}, err
		}
	}

	unlock := c.locks.Lock(agentID)
	defer unlock()

	agent, err := c.reg.Get(ctx, agentID)
	if err != nil {
		return Outcome{}, err
	}

	room := c.newRoom()
	metadata, err := protocol.JobMetadata{
		PhoneNumber:      phone,
		TransferTo:       transferTo,
		AgentID:          agent.ID,
		AgentName:        agent.Name,
		AgentPersonality: agent.Personality,
	}.Encode()
	if err != nil {
		return Outcome{}, err
	}

	res, err := c.createDispatch(ctx, Request{AgentName: c.opts.AgentName, Room: room, Metadata: metadata})
	if err != nil {
		c.logger.Error("dispatch failed", "agent_id", agentID, "room", room, "err", err)
		c.recorder.Record(c.event(protocol.EventDispatchFailed, agentID, room, err.Error()))
		return Outcome{}, err
	}

	deployedAt := c.now().UTC()
	meta := map[string]any{
		"phone_number": phone,
		"transfer_to":  transferTo,
	}
	if res.Raw != "" {
		meta["dispatch_output"] = res.Raw
	}
	rec := protocol.DeploymentRecord{
		DispatchID: res.DispatchID,
		RoomName:   res.Room,
		Status:     protocol.Deployed,
		DeployedAt: &deployedAt,
		Metadata:   meta,
	}
	if err := c.reg.RecordDeployment(ctx, agentID, rec); err != nil {
		return Outcome{}, fmt.Errorf("record deployment: %w", err)
	}

	c.logger.Info("agent dispatched", "agent_id", agentID, "dispatch_id", res.DispatchID, "room", res.Room)
	c.recorder.Record(c.event(protocol.EventDispatched, agentID, res.Room,
		fmt.Sprintf(`{"dispatch_id":%q}`, res.DispatchID)))

	agent.Deployment = rec
	return Outcome{DispatchID: res.DispatchID, Room: res.Room, Output: res.Raw, Agent: agent}, nil
}

// createDispatch calls the control plane under the dispatch timeout and
// checks that the result names both a dispatch and a room.
func (c *Coordinator) createDispatch(ctx context.Context, req Request) (*Result, error) {
	cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()
	res, err := c.cp.CreateDispatch(cctx, req)
	switch {
	case err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		err = &protocol.TimeoutError{Op: "dispatch", After: c.opts.Timeout}
	case err != nil:
	case res == nil:
		err = &protocol.UnparseableError{}
	case res.DispatchID == "" || res.Room == "":
		err = &protocol.UnparseableError{Output: res.Raw}
	}
	if obs := c.opts.Observer; obs != nil {
		obs.ObserveDispatch(c.opts.Transport, err, time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Coordinator) event(typ protocol.EventType, agentID, room, payload string) protocol.Event {
	return protocol.Event{
		Type:      typ,
		Source:    "dispatch",
		AgentID:   agentID,
		Room:      room,
		Payload:   payload,
		CreatedAt: c.now().UTC(),
	}
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Package callsession drives one telephone call through the call-control
// state machine: dial, answer or voicemail, conversation, then transfer or
// hangup.
package callsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"callctl/pkg/protocol"
)

// State is a call session state.
type State string

// Session states.
const (
	StateConnecting   State = "connecting"
	StateDialing      State = "dialing"
	StateActive       State = "active"
	StateTransferring State = "transferring"
	StateEnding       State = "ending"
	StateTerminated   State = "terminated"
)

// Sentinel errors returned by Handle.
var (
	ErrCannotTransfer = errors.New("cannot transfer call")
	ErrNoParticipant  = errors.New("no participant bound to session")
	ErrInvalidState   = errors.New("command not allowed in current state")
)

// Spoken lines and tool results.
const (
	TransferAnnouncement = "Please hold while I transfer you to a human agent."
	TransferApology      = "I'm sorry, I wasn't able to transfer your call. Goodbye."

	ResultCannotTransfer       = "cannot transfer call"
	ResultTransferred          = "call transferred"
	ResultTransferFailed       = "transfer failed, call ended"
	ResultCallEnded            = "call ended"
	ResultReservationConfirmed = "reservation confirmed"
)

// DefaultIdentity is the participant identity used for the dialed callee.
const DefaultIdentity = "phone_user"

const teardownTimeout = 10 * time.Second

// Participant is the remote party bound to a session.
type Participant struct {
	Identity string `json:"identity"`
	Kind     string `json:"kind,omitempty"`
}

// Telephony is the telephony control plane as seen by one session.
type Telephony interface {
	// CreateCall dials destination into room and blocks until answered.
	CreateCall(ctx context.Context, room, destination, identity string) error
	// WaitForParticipant blocks until identity (or, when empty, anyone)
	// has joined room.
	WaitForParticipant(ctx context.Context, room, identity string) (Participant, error)
	TransferParticipant(ctx context.Context, room, identity, destination string) error
	// DeleteSession tears down room. Deleting a room that no longer exists
	// succeeds.
	DeleteSession(ctx context.Context, room string) error
}

// DialInfo is the per-call dialing data carried by job metadata.
type DialInfo struct {
	PhoneNumber string `json:"phone_number"`
	TransferTo  string `json:"transfer_to"`
}

// Appointment is a booking confirmed during the call.
type Appointment struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

// Result is what Handle reports back to the conversational layer.
type Result struct {
	Kind    CommandKind `json:"kind"`
	Message string      `json:"message"`
	Slots   []string    `json:"slots,omitempty"`
	State   State       `json:"state"`
}

// Options configures a Controller.
type Options struct {
	Room string
	// Identity of the callee. Defaults to DefaultIdentity for outbound
	// calls; empty for inbound means the first participant to join.
	Identity string
	Dial     DialInfo

	Telephony    Telephony
	Speech       Speech
	Availability AvailabilitySource

	// OnShutdown is called when connecting fails.
	OnShutdown func()

	Logger   *slog.Logger
	Recorder protocol.Recorder
	AgentID  string
}

// Snapshot is a consistent copy of a session's observable state.
type Snapshot struct {
	Room         string        `json:"room"`
	AgentID      string        `json:"agent_id,omitempty"`
	Participant  string        `json:"participant,omitempty"`
	State        State         `json:"state"`
	Outbound     bool          `json:"outbound"`
	PhoneNumber  string        `json:"phone_number,omitempty"`
	TransferTo   string        `json:"transfer_to,omitempty"`
	Appointments []Appointment `json:"appointments,omitempty"`
	LastSlots    []string      `json:"last_slots,omitempty"`
}

// Controller owns the state machine of one call. All methods are safe for
// concurrent use.
type Controller struct {
	room     string
	identity string
	dial     DialInfo
	outbound bool
	agentID  string

	tel        Telephony
	speech     Speech
	avail      AvailabilitySource
	onShutdown func()
	logger     *slog.Logger
	recorder   protocol.Recorder

	mu           sync.Mutex
	state        State
	participant  *Participant
	appointments []Appointment
	lastSlots    []string

	deleteOnce sync.Once
	deleteErr  error
	done       chan struct{}
}

// New returns a Controller in the connecting state. A session with a phone
// number is outbound.
func New(opts Options) *Controller {
	c := &Controller{
		room:       opts.Room,
		identity:   opts.Identity,
		dial:       opts.Dial,
		outbound:   opts.Dial.PhoneNumber != "",
		agentID:    opts.AgentID,
		tel:        opts.Telephony,
		speech:     opts.Speech,
		avail:      opts.Availability,
		onShutdown: opts.OnShutdown,
		logger:     opts.Logger,
		recorder:   opts.Recorder,
		state:      StateConnecting,
		done:       make(chan struct{}),
	}
	if c.outbound && c.identity == "" {
		c.identity = DefaultIdentity
	}
	if c.avail == nil {
		c.avail = FixedAvailability{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("room", c.room)
	if c.recorder == nil {
		c.recorder = protocol.NopRecorder{}
	}
	return c
}

// Connect starts the speech session and, for outbound calls, dials the
// callee concurrently. It then waits for the participant and binds it.
// On failure the shutdown hook runs and the session terminates without
// tearing the room down.
func (c *Controller) Connect(ctx context.Context) error {
	if c.outbound {
		c.transition(StateConnecting, StateDialing)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.speech.Start(gctx); err != nil {
			return fmt.Errorf("start speech: %w", err)
		}
		return nil
	})
	if c.outbound {
		g.Go(func() error {
			return c.tel.CreateCall(gctx, c.room, c.dial.PhoneNumber, c.identity)
		})
	}
	if err := g.Wait(); err != nil {
		c.fail(err)
		return err
	}

	p, err := c.tel.WaitForParticipant(ctx, c.room, c.identity)
	if err != nil {
		err = fmt.Errorf("wait for participant: %w", err)
		c.fail(err)
		return err
	}

	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return fmt.Errorf("connect %s: %w", c.room, ErrInvalidState)
	}
	c.participant = &p
	from := c.state
	c.state = StateActive
	c.mu.Unlock()

	c.logger.Info("participant joined", "identity", p.Identity)
	c.recordTransition(from, StateActive)
	return nil
}

// fail runs the shutdown hook and terminates without teardown.
func (c *Controller) fail(err error) {
	var tErr *protocol.TransportError
	if errors.As(err, &tErr) {
		c.logger.Error("dial failed", "err", err, "detail", tErr.Detail)
	} else {
		c.logger.Error("connect failed", "err", err)
	}
	if c.onShutdown != nil {
		c.onShutdown()
	}
	c.terminate()
}

// Handle performs cmd. Spoken failures of a transfer are absorbed into the
// result; Handle only errors for commands it refuses or teardown failures.
func (c *Controller) Handle(ctx context.Context, cmd Command) (Result, error) {
	switch cmd := cmd.(type) {
	case TransferCall:
		return c.transferCall(ctx)
	case EndCall:
		return c.endCall(ctx)
	case DetectedAnsweringMachine:
		return c.answeringMachine(ctx)
	case LookUpAvailability:
		return c.lookUpAvailability(ctx, cmd)
	case ConfirmAppointment:
		return c.confirmAppointment(cmd)
	default:
		return Result{}, fmt.Errorf("handle %T: %w", cmd, ErrInvalidState)
	}
}

// requireActiveLocked checks that commands may run. Caller holds c.mu.
func (c *Controller) requireActiveLocked() error {
	switch {
	case c.state == StateActive:
		return nil
	case c.participant == nil && c.state != StateTerminated:
		return ErrNoParticipant
	default:
		return fmt.Errorf("session %s is %s: %w", c.room, c.state, ErrInvalidState)
	}
}

func (c *Controller) transferCall(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if err := c.requireActiveLocked(); err != nil {
		state := c.state
		c.mu.Unlock()
		return Result{Kind: KindTransferCall, State: state}, err
	}
	if c.dial.TransferTo == "" {
		c.mu.Unlock()
		return Result{Kind: KindTransferCall, Message: ResultCannotTransfer, State: StateActive}, ErrCannotTransfer
	}
	c.state = StateTransferring
	identity := c.participant.Identity
	c.mu.Unlock()
	c.recordTransition(StateActive, StateTransferring)

	c.logger.Info("transferring call", "identity", identity, "to", c.dial.TransferTo)
	c.sayAndWait(ctx, TransferAnnouncement)

	err := c.tel.TransferParticipant(ctx, c.room, identity, "tel:"+c.dial.TransferTo)
	if err == nil {
		if terr := c.teardown(ctx); terr != nil {
			return Result{Kind: KindTransferCall, Message: ResultTransferred, State: StateTerminated}, terr
		}
		return Result{Kind: KindTransferCall, Message: ResultTransferred, State: StateTerminated}, nil
	}

	c.logger.Error("transfer failed", "err", err)
	c.transition(StateTransferring, StateEnding)
	c.sayAndWait(ctx, TransferApology)
	if terr := c.teardown(ctx); terr != nil {
		return Result{Kind: KindTransferCall, Message: ResultTransferFailed, State: StateTerminated}, terr
	}
	return Result{Kind: KindTransferCall, Message: ResultTransferFailed, State: StateTerminated}, nil
}

func (c *Controller) endCall(ctx context.Context) (Result, error) {
	if err := c.beginEnding(); err != nil {
		return Result{Kind: KindEndCall, State: c.State()}, err
	}
	if cur := c.speech.Current(); cur != nil {
		if err := cur.Wait(ctx); err != nil {
			c.logger.Warn("playout wait interrupted", "err", err)
		}
	}
	err := c.teardown(ctx)
	return Result{Kind: KindEndCall, Message: ResultCallEnded, State: StateTerminated}, err
}

func (c *Controller) answeringMachine(ctx context.Context) (Result, error) {
	if err := c.beginEnding(); err != nil {
		return Result{Kind: KindDetectedAnsweringMachine, State: c.State()}, err
	}
	c.logger.Info("answering machine detected")
	err := c.teardown(ctx)
	return Result{Kind: KindDetectedAnsweringMachine, Message: ResultCallEnded, State: StateTerminated}, err
}

func (c *Controller) beginEnding() error {
	c.mu.Lock()
	if err := c.requireActiveLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = StateEnding
	c.mu.Unlock()
	c.recordTransition(StateActive, StateEnding)
	return nil
}

func (c *Controller) lookUpAvailability(ctx context.Context, cmd LookUpAvailability) (Result, error) {
	c.mu.Lock()
	err := c.requireActiveLocked()
	c.mu.Unlock()
	if err != nil {
		return Result{Kind: KindLookUpAvailability, State: c.State()}, err
	}

	slots, err := c.avail.Lookup(ctx, cmd.Date)
	if err != nil {
		return Result{Kind: KindLookUpAvailability, State: c.State()}, fmt.Errorf("look up availability: %w", err)
	}

	c.mu.Lock()
	c.lastSlots = slices.Clone(slots)
	state := c.state
	c.mu.Unlock()
	return Result{Kind: KindLookUpAvailability, Message: joinSlots(slots), Slots: slots, State: state}, nil
}

func (c *Controller) confirmAppointment(cmd ConfirmAppointment) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return Result{Kind: KindConfirmAppointment, State: c.state}, err
	}
	c.appointments = append(c.appointments, Appointment{Date: cmd.Date, Time: cmd.Time})
	c.logger.Info("appointment confirmed", "date", cmd.Date, "time", cmd.Time)
	return Result{Kind: KindConfirmAppointment, Message: ResultReservationConfirmed, State: c.state}, nil
}

// sayAndWait speaks text and waits for it to finish. Failures are logged;
// the call proceeds regardless.
func (c *Controller) sayAndWait(ctx context.Context, text string) {
	p, err := c.speech.Say(ctx, text)
	if err != nil {
		c.logger.Warn("say failed", "err", err)
		return
	}
	if err := p.Wait(ctx); err != nil {
		c.logger.Warn("playout wait interrupted", "err", err)
	}
}

// teardown deletes the room at most once, then terminates. The deletion
// outlives cancellation of ctx.
func (c *Controller) teardown(ctx context.Context) error {
	c.deleteOnce.Do(func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if err := c.tel.DeleteSession(dctx, c.room); err != nil {
			c.deleteErr = fmt.Errorf("delete room %s: %w", c.room, err)
			c.logger.Error("room teardown failed", "err", err)
		}
	})
	c.terminate()
	return c.deleteErr
}

// Hangup tears the call down from outside the conversation, for example
// when the worker is shutting down. It is a no-op once terminated. A call
// already transferring or ending is left to finish its own teardown; Hangup
// waits for it under ctx.
func (c *Controller) Hangup(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateTerminated:
		c.mu.Unlock()
		return nil
	case StateConnecting, StateDialing:
		c.mu.Unlock()
		c.terminate()
		return nil
	case StateTransferring, StateEnding:
		c.mu.Unlock()
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("hang up %s: %w", c.room, ctx.Err())
		}
	}
	from := c.state
	c.state = StateEnding
	c.mu.Unlock()
	c.recordTransition(from, StateEnding)
	return c.teardown(ctx)
}

func (c *Controller) terminate() {
	c.mu.Lock()
	from := c.state
	if from == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.state = StateTerminated
	close(c.done)
	c.mu.Unlock()
	c.recordTransition(from, StateTerminated)
}

// transition moves from -> to if the session is still in from.
func (c *Controller) transition(from, to State) {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	c.recordTransition(from, to)
}

func (c *Controller) recordTransition(from, to State) {
	c.logger.Debug("call state", "from", from, "to", to)
	payload, _ := json.Marshal(map[string]State{"from": from, "to": to})
	c.recorder.Record(protocol.Event{
		Type:      protocol.EventCallState,
		Source:    "callsession",
		AgentID:   c.agentID,
		Room:      c.room,
		Payload:   string(payload),
		CreatedAt: time.Now().UTC(),
	})
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Room returns the session's room name.
func (c *Controller) Room() string { return c.room }

// Done is closed when the session reaches StateTerminated.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Snapshot returns a copy of the session's observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Room:         c.room,
		AgentID:      c.agentID,
		State:        c.state,
		Outbound:     c.outbound,
		PhoneNumber:  c.dial.PhoneNumber,
		TransferTo:   c.dial.TransferTo,
		Appointments: slices.Clone(c.appointments),
		LastSlots:    slices.Clone(c.lastSlots),
	}
	if c.participant != nil {
		s.Participant = c.participant.Identity
	}
	return s
}

func joinSlots(slots []string) string {
	if len(slots) == 0 {
		return "no availability"
	}
	return strings.Join(slots, ", ")
}

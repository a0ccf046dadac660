package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"callctl/pkg/callsession"
	"callctl/pkg/dispatch"
	"callctl/pkg/protocol"
)

// Client talks to one worker host over its Unix socket. Each call uses a
// fresh connection.
type Client struct {
	socketPath string
}

// NewClient returns a Client for the socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// roundTrip sends req and reads one response. A response of type MsgError
// is returned as an error carrying the host's classification.
func (c *Client) roundTrip(ctx context.Context, req Message) (Message, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Message{}, &protocol.TransportError{Op: "worker " + string(req.Type), Detail: "worker is not running", Cause: err}
		}
		return Message{}, &protocol.TransportError{Op: "worker " + string(req.Type), Cause: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := writeMessage(conn, req); err != nil {
		return Message{}, c.wrap(ctx, req.Type, err)
	}
	sc := newScanner(conn)
	if !sc.Scan() {
		err := sc.Err()
		if err == nil {
			err = errors.New("connection closed before reply")
		}
		return Message{}, c.wrap(ctx, req.Type, err)
	}
	var resp Message
	if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
		return Message{}, &protocol.TransportError{Op: "worker " + string(req.Type), Detail: "malformed reply", Cause: err}
	}
	if resp.Type == MsgError {
		return resp, remoteError(resp)
	}
	return resp, nil
}

func (c *Client) wrap(ctx context.Context, typ MsgType, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("worker %s: %w", typ, ctx.Err())
	}
	return &protocol.TransportError{Op: "worker " + string(typ), Cause: err}
}

// remoteError rebuilds a typed error from an error reply so callers can
// classify it the same way the host did.
func remoteError(resp Message) error {
	switch resp.Class {
	case protocol.ClassValidation:
		return &protocol.ValidationError{Message: resp.Error}
	case protocol.ClassNotFound:
		return &protocol.NotFoundError{Kind: "session", ID: resp.Room}
	case protocol.ClassTimeout:
		return &protocol.TimeoutError{Op: resp.Error}
	default:
		return &protocol.TransportError{Op: "worker", Detail: resp.Error}
	}
}

// SubmitJob starts a session in room and returns the worker's ack.
func (c *Client) SubmitJob(ctx context.Context, room, metadata string) (Message, error) {
	return c.roundTrip(ctx, Message{Type: MsgJob, Room: room, Metadata: metadata})
}

// Command sends cmd to the session in room.
func (c *Client) Command(ctx context.Context, room string, cmd callsession.Command) (callsession.Result, error) {
	raw, err := callsession.EncodeCommand(cmd)
	if err != nil {
		return callsession.Result{}, err
	}
	resp, err := c.roundTrip(ctx, Message{Type: MsgCommand, Room: room, Command: raw})
	if resp.Result != nil {
		return *resp.Result, err
	}
	return callsession.Result{}, err
}

// Status lists the worker's live sessions.
func (c *Client) Status(ctx context.Context) ([]callsession.Snapshot, error) {
	resp, err := c.roundTrip(ctx, Message{Type: MsgStatus})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// LocalControlPlane implements dispatch.ControlPlane by handing jobs to the
// agent's own worker socket under home. The agent is taken from the job
// metadata.
type LocalControlPlane struct {
	home string
}

// NewLocalControlPlane returns a LocalControlPlane for workers under home.
func NewLocalControlPlane(home string) *LocalControlPlane {
	return &LocalControlPlane{home: home}
}

// CreateDispatch implements dispatch.ControlPlane.
func (p *LocalControlPlane) CreateDispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	var meta protocol.JobMetadata
	if err := json.Unmarshal([]byte(req.Metadata), &meta); err != nil || meta.AgentID == "" {
		return nil, &protocol.ValidationError{Field: "metadata", Message: "local dispatch needs agent_id in job metadata"}
	}
	ack, err := NewClient(protocol.WorkerSocketPath(p.home, meta.AgentID)).SubmitJob(ctx, req.Room, req.Metadata)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(ack)
	return &dispatch.Result{DispatchID: ack.DispatchID, Room: ack.Room, Raw: string(raw)}, nil
}

package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"

	"callctl/pkg/callsession"
	"callctl/pkg/protocol"
)

// MsgType identifies a worker socket message.
type MsgType string

// Requests sent to a worker host.
const (
	MsgJob     MsgType = "job"
	MsgCommand MsgType = "command"
	MsgStatus  MsgType = "status"
)

// Responses sent by a worker host.
const (
	MsgAck    MsgType = "ack"
	MsgResult MsgType = "result"
	MsgError  MsgType = "error"
)

// Message is one line of newline-delimited JSON on the worker socket.
// Status responses reuse MsgStatus.
type Message struct {
	Type MsgType `json:"type"`

	Room       string          `json:"room,omitempty"`
	Metadata   string          `json:"metadata,omitempty"`
	Command    json.RawMessage `json:"command,omitempty"`
	DispatchID string          `json:"dispatch_id,omitempty"`

	Result   *callsession.Result    `json:"result,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Class    protocol.ErrorClass    `json:"class,omitempty"`
	Sessions []callsession.Snapshot `json:"sessions,omitempty"`
}

// maxMessageSize bounds one line on the socket.
const maxMessageSize = 1 << 20

func newScanner(conn net.Conn) *bufio.Scanner {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	return sc
}

func writeMessage(conn net.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Type, err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Type, err)
	}
	return nil
}

// errorMessage converts err into an error response.
func errorMessage(err error) Message {
	return Message{Type: MsgError, Error: err.Error(), Class: protocol.Classify(err)}
}

package callsession

import (
	"encoding/json"
	"fmt"
)

// CommandKind is the wire tag of a Command.
type CommandKind string

// Command kinds.
const (
	KindTransferCall             CommandKind = "transfer_call"
	KindEndCall                  CommandKind = "end_call"
	KindDetectedAnsweringMachine CommandKind = "detected_answering_machine"
	KindLookUpAvailability       CommandKind = "look_up_availability"
	KindConfirmAppointment       CommandKind = "confirm_appointment"
)

// Command is the closed set of actions the conversational layer can ask a
// session to perform.
type Command interface {
	Kind() CommandKind
	isCommand()
}

// TransferCall transfers the callee to the session's transfer target.
type TransferCall struct{}

// EndCall hangs up once the current utterance has finished playing.
type EndCall struct{}

// DetectedAnsweringMachine hangs up immediately.
type DetectedAnsweringMachine struct{}

// LookUpAvailability asks for open slots on Date.
type LookUpAvailability struct {
	Date string
}

// ConfirmAppointment records a booking.
type ConfirmAppointment struct {
	Date string
	Time string
}

func (TransferCall) Kind() CommandKind             { return KindTransferCall }
func (EndCall) Kind() CommandKind                  { return KindEndCall }
func (DetectedAnsweringMachine) Kind() CommandKind { return KindDetectedAnsweringMachine }
func (LookUpAvailability) Kind() CommandKind       { return KindLookUpAvailability }
func (ConfirmAppointment) Kind() CommandKind       { return KindConfirmAppointment }

func (TransferCall) isCommand()             {}
func (EndCall) isCommand()                  {}
func (DetectedAnsweringMachine) isCommand() {}
func (LookUpAvailability) isCommand()       {}
func (ConfirmAppointment) isCommand()       {}

// wireCommand is the JSON form shared by every command.
type wireCommand struct {
	Type CommandKind `json:"type"`
	Date string      `json:"date,omitempty"`
	Time string      `json:"time,omitempty"`
}

// DecodeCommand parses the JSON form of a command.
func DecodeCommand(data []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	switch w.Type {
	case KindTransferCall:
		return TransferCall{}, nil
	case KindEndCall:
		return EndCall{}, nil
	case KindDetectedAnsweringMachine:
		return DetectedAnsweringMachine{}, nil
	case KindLookUpAvailability:
		return LookUpAvailability{Date: w.Date}, nil
	case KindConfirmAppointment:
		return ConfirmAppointment{Date: w.Date, Time: w.Time}, nil
	case "":
		return nil, fmt.Errorf("decode command: missing type")
	default:
		return nil, fmt.Errorf("decode command: unknown type %q", w.Type)
	}
}

// EncodeCommand returns the JSON form of cmd.
func EncodeCommand(cmd Command) ([]byte, error) {
	w := wireCommand{Type: cmd.Kind()}
	switch c := cmd.(type) {
	case LookUpAvailability:
		w.Date = c.Date
	case ConfirmAppointment:
		w.Date, w.Time = c.Date, c.Time
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return b, nil
}

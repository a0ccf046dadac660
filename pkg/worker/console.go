package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"callctl/pkg/callsession"
)

// ConsoleIdentity is the participant bound in console mode.
const ConsoleIdentity = "console_user"

// ConsoleTelephony implements callsession.Telephony by narrating each
// telephony action to a writer. The caller is always present.
type ConsoleTelephony struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleTelephony returns a ConsoleTelephony writing to out.
func NewConsoleTelephony(out io.Writer) *ConsoleTelephony {
	return &ConsoleTelephony{out: out}
}

func (t *ConsoleTelephony) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "[telephony] "+format+"\n", args...)
}

// CreateCall implements callsession.Telephony.
func (t *ConsoleTelephony) CreateCall(_ context.Context, room, destination, _ string) error {
	t.printf("dialing %s into %s", destination, room)
	return nil
}

// WaitForParticipant implements callsession.Telephony.
func (t *ConsoleTelephony) WaitForParticipant(_ context.Context, room, identity string) (callsession.Participant, error) {
	if identity == "" {
		identity = ConsoleIdentity
	}
	t.printf("%s joined %s", identity, room)
	return callsession.Participant{Identity: identity, Kind: "console"}, nil
}

// TransferParticipant implements callsession.Telephony.
func (t *ConsoleTelephony) TransferParticipant(_ context.Context, _, identity, destination string) error {
	t.printf("transferring %s to %s", identity, destination)
	return nil
}

// DeleteSession implements callsession.Telephony.
func (t *ConsoleTelephony) DeleteSession(_ context.Context, room string) error {
	t.printf("room %s closed", room)
	return nil
}

// RunConsole runs a single inbound session. Commands are read as JSON lines
// from in and results are written to out. It returns when the session ends,
// in reaches EOF, or ctx is cancelled.
func RunConsole(ctx context.Context, cfg Config, in io.Reader, out io.Writer) error {
	room := "console-" + uuid.NewString()[:8]
	speech := cfg.NewSpeech(room)
	if c, ok := speech.(io.Closer); ok {
		defer c.Close()
	}
	ctrl := callsession.New(callsession.Options{
		Room:         room,
		Telephony:    cfg.Telephony,
		Speech:       speech,
		Availability: cfg.Availability,
		Logger:       cfg.Logger,
		Recorder:     cfg.Recorder,
		AgentID:      cfg.AgentID,
	})

	fmt.Fprint(out, cfg.Persona.Instructions())
	if err := ctrl.Connect(ctx); err != nil {
		return fmt.Errorf("console session: %w", err)
	}
	if _, err := speech.Say(ctx, cfg.Persona.Greeting()); err != nil {
		return fmt.Errorf("greeting: %w", err)
	}

	lines := make(chan []byte)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			line := bytes.Clone(sc.Bytes())
			select {
			case lines <- line:
			case <-stop:
				return
			}
		}
	}()

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctrl.Done():
			return nil
		case <-ctx.Done():
			return ctrl.Hangup(context.Background())
		case line, ok := <-lines:
			if !ok {
				return ctrl.Hangup(ctx)
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			cmd, err := callsession.DecodeCommand(line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			res, err := ctrl.Handle(ctx, cmd)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if err := enc.Encode(res); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
		}
	}
}

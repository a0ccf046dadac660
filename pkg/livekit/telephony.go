package livekit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/livekit/protocol/livekit"

	"callctl/pkg/callsession"
	"callctl/pkg/protocol"
)

// DefaultPollInterval is how often WaitForParticipant checks the room.
const DefaultPollInterval = 250 * time.Millisecond

// Telephony implements callsession.Telephony over LiveKit SIP and rooms.
type Telephony struct {
	api     API
	trunkID string
	poll    time.Duration
	logger  *slog.Logger
}

// NewTelephony returns a Telephony dialing out through the SIP trunk
// trunkID. trunkID may be empty for inbound-only workers.
func NewTelephony(api API, trunkID string, logger *slog.Logger) *Telephony {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telephony{api: api, trunkID: trunkID, poll: DefaultPollInterval, logger: logger}
}

// SetPollInterval overrides the participant poll interval.
func (t *Telephony) SetPollInterval(d time.Duration) {
	if d > 0 {
		t.poll = d
	}
}

// CreateCall dials destination into room and blocks until the callee
// answers.
func (t *Telephony) CreateCall(ctx context.Context, room, destination, identity string) error {
	if t.trunkID == "" {
		return &protocol.ConfigurationError{Kind: protocol.MissingCredential, Detail: "SIP_OUTBOUND_TRUNK_ID is not set"}
	}
	t.logger.Info("dialing", "room", room, "identity", identity)
	err := t.api.CreateSIPParticipant(ctx, &livekit.CreateSIPParticipantRequest{
		SipTrunkId:          t.trunkID,
		SipCallTo:           destination,
		RoomName:            room,
		ParticipantIdentity: identity,
		WaitUntilAnswered:   true,
	})
	if err != nil {
		return transportError("create sip participant", err)
	}
	return nil
}

// WaitForParticipant polls room until identity has joined. With an empty
// identity the first non-agent participant is returned.
func (t *Telephony) WaitForParticipant(ctx context.Context, room, identity string) (callsession.Participant, error) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	for {
		p, err := t.findParticipant(ctx, room, identity)
		if err != nil {
			return callsession.Participant{}, err
		}
		if p != nil {
			return callsession.Participant{Identity: p.GetIdentity(), Kind: p.GetKind().String()}, nil
		}
		select {
		case <-ctx.Done():
			return callsession.Participant{}, fmt.Errorf("wait for participant in %s: %w", room, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (t *Telephony) findParticipant(ctx context.Context, room, identity string) (*livekit.ParticipantInfo, error) {
	if identity != "" {
		p, err := t.api.GetParticipant(ctx, room, identity)
		switch {
		case IsNotFound(err):
			return nil, nil
		case err != nil:
			return nil, transportError("get participant", err)
		}
		return p, nil
	}
	ps, err := t.api.ListParticipants(ctx, room)
	switch {
	case IsNotFound(err):
		return nil, nil
	case err != nil:
		return nil, transportError("list participants", err)
	}
	for _, p := range ps {
		if p.GetKind() != livekit.ParticipantInfo_AGENT {
			return p, nil
		}
	}
	return nil, nil
}

// TransferParticipant performs a SIP REFER of identity to destination.
func (t *Telephony) TransferParticipant(ctx context.Context, room, identity, destination string) error {
	err := t.api.TransferSIPParticipant(ctx, &livekit.TransferSIPParticipantRequest{
		RoomName:            room,
		ParticipantIdentity: identity,
		TransferTo:          destination,
	})
	if err != nil {
		return transportError("transfer sip participant", err)
	}
	return nil
}

// DeleteSession deletes room. A room that is already gone is not an error.
func (t *Telephony) DeleteSession(ctx context.Context, room string) error {
	if err := t.api.DeleteRoom(ctx, room); err != nil && !IsNotFound(err) {
		return transportError("delete room", err)
	}
	return nil
}

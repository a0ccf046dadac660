// Package livekit adapts the LiveKit server API to callctl: SIP dialing,
// transfer and room teardown for call sessions, and agent dispatch for the
// dispatch coordinator.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/twitchtv/twirp"

	"callctl/pkg/protocol"
)

// Credentials address one LiveKit project. They are passed explicitly to
// constructors and never read from or written to the process environment.
type Credentials struct {
	URL       string
	APIKey    string
	APISecret string
}

// Validate reports the first missing field as a MissingCredential error.
func (c Credentials) Validate() error {
	for _, f := range []struct{ name, val string }{
		{"LIVEKIT_URL", c.URL},
		{"LIVEKIT_API_KEY", c.APIKey},
		{"LIVEKIT_API_SECRET", c.APISecret},
	} {
		if strings.TrimSpace(f.val) == "" {
			return &protocol.ConfigurationError{Kind: protocol.MissingCredential, Detail: f.name + " is not set"}
		}
	}
	return nil
}

// API is the slice of the LiveKit server API callctl uses.
type API interface {
	CreateSIPParticipant(ctx context.Context, req *livekit.CreateSIPParticipantRequest) error
	TransferSIPParticipant(ctx context.Context, req *livekit.TransferSIPParticipantRequest) error
	GetParticipant(ctx context.Context, room, identity string) (*livekit.ParticipantInfo, error)
	ListParticipants(ctx context.Context, room string) ([]*livekit.ParticipantInfo, error)
	DeleteRoom(ctx context.Context, room string) error
	CreateDispatch(ctx context.Context, req *livekit.CreateAgentDispatchRequest) (*livekit.AgentDispatch, error)
}

// sdkAPI implements API with the server SDK's twirp clients.
type sdkAPI struct {
	rooms    *lksdk.RoomServiceClient
	sip      *lksdk.SIPClient
	dispatch *lksdk.AgentDispatchClient
}

// NewAPI returns an API bound to creds.
func NewAPI(creds Credentials) (API, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &sdkAPI{
		rooms:    lksdk.NewRoomServiceClient(creds.URL, creds.APIKey, creds.APISecret),
		sip:      lksdk.NewSIPClient(creds.URL, creds.APIKey, creds.APISecret),
		dispatch: lksdk.NewAgentDispatchServiceClient(creds.URL, creds.APIKey, creds.APISecret),
	}, nil
}

func (a *sdkAPI) CreateSIPParticipant(ctx context.Context, req *livekit.CreateSIPParticipantRequest) error {
	_, err := a.sip.CreateSIPParticipant(ctx, req)
	return err
}

func (a *sdkAPI) TransferSIPParticipant(ctx context.Context, req *livekit.TransferSIPParticipantRequest) error {
	_, err := a.sip.TransferSIPParticipant(ctx, req)
	return err
}

func (a *sdkAPI) GetParticipant(ctx context.Context, room, identity string) (*livekit.ParticipantInfo, error) {
	return a.rooms.GetParticipant(ctx, &livekit.RoomParticipantIdentity{Room: room, Identity: identity})
}

func (a *sdkAPI) ListParticipants(ctx context.Context, room string) ([]*livekit.ParticipantInfo, error) {
	resp, err := a.rooms.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: room})
	if err != nil {
		return nil, err
	}
	return resp.GetParticipants(), nil
}

func (a *sdkAPI) DeleteRoom(ctx context.Context, room string) error {
	_, err := a.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: room})
	return err
}

func (a *sdkAPI) CreateDispatch(ctx context.Context, req *livekit.CreateAgentDispatchRequest) (*livekit.AgentDispatch, error) {
	return a.dispatch.CreateDispatch(ctx, req)
}

// IsNotFound reports whether err is a twirp not_found response.
func IsNotFound(err error) bool {
	var twerr twirp.Error
	return errors.As(err, &twerr) && twerr.Code() == twirp.NotFound
}

// transportError wraps an API failure, keeping the provider's message and
// SIP status when present.
func transportError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	detail := ""
	var twerr twirp.Error
	if errors.As(err, &twerr) {
		detail = twerr.Msg()
		if code := twerr.Meta("sip_status_code"); code != "" {
			detail = fmt.Sprintf("%s (sip %s %s)", detail, code, twerr.Meta("sip_status"))
		}
	}
	return &protocol.TransportError{Op: op, Detail: detail, Cause: err}
}

package livekit

import (
	"context"

	"github.com/livekit/protocol/livekit"

	"callctl/pkg/dispatch"
)

// ControlPlane implements dispatch.ControlPlane with the agent dispatch API.
type ControlPlane struct {
	api API
}

// NewControlPlane returns a ControlPlane over api.
func NewControlPlane(api API) *ControlPlane {
	return &ControlPlane{api: api}
}

// CreateDispatch asks LiveKit to send agent req.AgentName into req.Room.
// The ids are taken from the response as returned; a response missing
// either carries its text in Raw for the coordinator to report.
func (p *ControlPlane) CreateDispatch(ctx context.Context, req dispatch.Request) (*dispatch.Result, error) {
	d, err := p.api.CreateDispatch(ctx, &livekit.CreateAgentDispatchRequest{
		AgentName: req.AgentName,
		Room:      req.Room,
		Metadata:  req.Metadata,
	})
	if err != nil {
		return nil, transportError("create agent dispatch", err)
	}
	res := &dispatch.Result{DispatchID: d.GetId(), Room: d.GetRoom()}
	if res.DispatchID == "" || res.Room == "" {
		res.Raw = d.String()
	}
	return res, nil
}

package protocol_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"callctl/pkg/protocol"
)

func TestSpawnError_UnwrapsCause(t *testing.T) {
	cause := errors.New("exec format error")
	err := fmt.Errorf("start agent: %w", &protocol.SpawnError{AgentID: "a1", Cause: cause})

	var target *protocol.SpawnError
	if !errors.As(err, &target) {
		t.Fatal("errors.As failed to extract SpawnError")
	}
	if target.AgentID != "a1" {
		t.Errorf("expected AgentID 'a1', got %q", target.AgentID)
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the spawn cause")
	}
}

func TestTransportError_MessageCarriesDetail(t *testing.T) {
	err := &protocol.TransportError{
		Op:     "create dispatch",
		Detail: "twirp error unauthenticated: invalid token",
		Cause:  errors.New("exit status 1"),
	}
	want := "create dispatch: exit status 1: twirp error unauthenticated: invalid token"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want protocol.ErrorClass
	}{
		{"nil", nil, protocol.ClassNone},
		{"validation", &protocol.ValidationError{Field: "phone_number", Message: "required"}, protocol.ClassValidation},
		{"unknown type", &protocol.ConfigurationError{Kind: protocol.UnknownAgentType}, protocol.ClassValidation},
		{"missing script", &protocol.ConfigurationError{Kind: protocol.ScriptNotFound}, protocol.ClassInternal},
		{"not found", fmt.Errorf("get: %w", &protocol.NotFoundError{Kind: "agent", ID: "x"}), protocol.ClassNotFound},
		{"transport", &protocol.TransportError{Op: "dial"}, protocol.ClassTransport},
		{"unparseable", &protocol.UnparseableError{Output: "garbage"}, protocol.ClassTransport},
		{"timeout", &protocol.TimeoutError{Op: "dispatch", After: time.Second}, protocol.ClassTimeout},
		{"deadline", fmt.Errorf("wrapped: %w", context.DeadlineExceeded), protocol.ClassTimeout},
		{"other", errors.New("boom"), protocol.ClassInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := protocol.Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorClass_ExitCode(t *testing.T) {
	codes := map[protocol.ErrorClass]int{
		protocol.ClassNone:       0,
		protocol.ClassInternal:   1,
		protocol.ClassValidation: 2,
		protocol.ClassNotFound:   3,
		protocol.ClassTransport:  4,
		protocol.ClassTimeout:    5,
	}
	for class, want := range codes {
		if got := class.ExitCode(); got != want {
			t.Errorf("%q.ExitCode() = %d, want %d", class, got, want)
		}
	}
}

func TestParseAgentType(t *testing.T) {
	got, err := protocol.ParseAgentType(" car-vendor ")
	if err != nil {
		t.Fatalf("ParseAgentType: %v", err)
	}
	if got != protocol.AgentTypeCarVendor {
		t.Errorf("got %q, want %q", got, protocol.AgentTypeCarVendor)
	}

	_, err = protocol.ParseAgentType("dentist")
	var cfgErr *protocol.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Kind != protocol.UnknownAgentType {
		t.Fatalf("expected UnknownAgentType configuration error, got %v", err)
	}
}

func TestDeploymentStatusValid(t *testing.T) {
	for _, s := range []protocol.DeploymentStatus{protocol.NotDeployed, protocol.Deployed, protocol.DeploymentFailed} {
		if !s.Valid() {
			t.Errorf("%q reported invalid", s)
		}
	}
	for _, s := range []protocol.DeploymentStatus{"", "launched", "Deployed"} {
		if s.Valid() {
			t.Errorf("%q reported valid", s)
		}
	}
}

func TestDecodeJobMetadata(t *testing.T) {
	m, err := protocol.DecodeJobMetadata(`{"phone_number":"+15551234567","transfer_to":"+15550000000","agent_id":"a1"}`)
	if err != nil {
		t.Fatalf("DecodeJobMetadata: %v", err)
	}
	if m.PhoneNumber != "+15551234567" || m.TransferTo != "+15550000000" || m.AgentID != "a1" {
		t.Errorf("unexpected metadata: %+v", m)
	}

	for _, raw := range []string{"", "not json", `{"transfer_to":"x"}`} {
		if _, err := protocol.DecodeJobMetadata(raw); err == nil {
			t.Errorf("DecodeJobMetadata(%q): expected error", raw)
		}
	}
}

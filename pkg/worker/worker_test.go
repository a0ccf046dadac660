package worker_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"callctl/pkg/callsession"
	"callctl/pkg/dispatch"
	"callctl/pkg/protocol"
	"callctl/pkg/voice"
	"callctl/pkg/worker"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// waitFor polls condition every tick until it returns true or timeout expires.
func waitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("waitFor: condition not met within %v", timeout)
}

func testConfig(out *syncBuffer) worker.Config {
	return worker.Config{
		AgentID:      "a1",
		Persona:      worker.Persona{Type: protocol.AgentTypeRestaurantReceptionist, Name: "Ava"},
		Telephony:    worker.NewConsoleTelephony(out),
		NewSpeech:    func(string) callsession.Speech { return voice.NewConsoleSpeaker(out, 0) },
		Availability: callsession.FixedAvailability{},
	}
}

// startHost serves a host on socketPath and shuts it down on cleanup.
func startHost(t *testing.T, socketPath string, cfg worker.Config) *worker.Host {
	t.Helper()
	h := worker.NewHost(cfg)
	ln, err := worker.Listen(socketPath)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = h.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = h.Shutdown(sctx)
	})
	return h
}

func sessionState(t *testing.T, c *worker.Client, room string) callsession.State {
	t.Helper()
	sessions, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, s := range sessions {
		if s.Room == room {
			return s.State
		}
	}
	return ""
}

func TestHost_OutboundJobLifecycle(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "worker.sock")
	out := &syncBuffer{}
	startHost(t, sock, testConfig(out))
	c := worker.NewClient(sock)
	ctx := context.Background()

	ack, err := c.SubmitJob(ctx, "room-1", `{"phone_number":"+15551234567","transfer_to":""}`)
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if ack.Type != worker.MsgAck || !strings.HasPrefix(ack.DispatchID, "AD_") || ack.Room != "room-1" {
		t.Fatalf("ack = %+v", ack)
	}
	waitFor(t, func() bool { return sessionState(t, c, "room-1") == callsession.StateActive }, 2*time.Second)

	sessions, _ := c.Status(ctx)
	if !sessions[0].Outbound || sessions[0].Participant != "+15551234567" {
		t.Errorf("session = %+v", sessions[0])
	}

	res, err := c.Command(ctx, "room-1", callsession.LookUpAvailability{Date: "friday"})
	if err != nil {
		t.Fatalf("look up availability: %v", err)
	}
	if len(res.Slots) != 3 {
		t.Errorf("slots = %v", res.Slots)
	}

	res, err = c.Command(ctx, "room-1", callsession.EndCall{})
	if err != nil {
		t.Fatalf("end call: %v", err)
	}
	if res.Message != callsession.ResultCallEnded {
		t.Errorf("result = %+v", res)
	}
	waitFor(t, func() bool { return sessionState(t, c, "room-1") == "" }, 2*time.Second)

	log := out.String()
	for _, want := range []string{"dialing +15551234567 into room-1", "agent: Hi, this is Ava from the restaurant.", "room room-1 closed"} {
		if !strings.Contains(log, want) {
			t.Errorf("output missing %q:\n%s", want, log)
		}
	}
}

func TestHost_InvalidMetadataFallsBackToInbound(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "worker.sock")
	out := &syncBuffer{}
	h := startHost(t, sock, testConfig(out))

	if _, err := h.StartJob("room-in", "not json"); err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	waitFor(t, func() bool {
		s := h.Sessions()
		return len(s) == 1 && s[0].State == callsession.StateActive
	}, 2*time.Second)

	s := h.Sessions()[0]
	if s.Outbound || s.Participant != worker.ConsoleIdentity {
		t.Errorf("session = %+v, want inbound console participant", s)
	}
	if strings.Contains(out.String(), "dialing") {
		t.Error("inbound session dialed out")
	}
}

func TestHost_RejectsDuplicateRoom(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "worker.sock")
	startHost(t, sock, testConfig(&syncBuffer{}))
	c := worker.NewClient(sock)

	if _, err := c.SubmitJob(context.Background(), "room-d", ""); err != nil {
		t.Fatal(err)
	}
	_, err := c.SubmitJob(context.Background(), "room-d", "")
	if protocol.Classify(err) != protocol.ClassValidation {
		t.Fatalf("duplicate room: got %v (class %q)", err, protocol.Classify(err))
	}
}

func TestHost_CommandErrors(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "worker.sock")
	startHost(t, sock, testConfig(&syncBuffer{}))
	c := worker.NewClient(sock)

	_, err := c.Command(context.Background(), "ghost", callsession.EndCall{})
	var nf *protocol.NotFoundError
	if !errors.As(err, &nf) || nf.ID != "ghost" {
		t.Fatalf("unknown room: expected NotFoundError, got %v", err)
	}
}

func TestHost_CannotTransferCarriesResult(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "worker.sock")
	out := &syncBuffer{}
	startHost(t, sock, testConfig(out))
	c := worker.NewClient(sock)

	if _, err := c.SubmitJob(context.Background(), "room-t", `{"phone_number":"+15551234567"}`); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sessionState(t, c, "room-t") == callsession.StateActive }, 2*time.Second)

	res, err := c.Command(context.Background(), "room-t", callsession.TransferCall{})
	if err == nil {
		t.Fatal("expected error for empty transfer_to")
	}
	if res.Message != callsession.ResultCannotTransfer {
		t.Errorf("result = %+v", res)
	}
	if sessionState(t, c, "room-t") != callsession.StateActive {
		t.Error("session left active state")
	}
	if strings.Contains(out.String(), "transferring") {
		t.Error("telephony contacted for empty transfer target")
	}
}

type recordingTelephony struct {
	*worker.ConsoleTelephony
	mu      sync.Mutex
	deleted []string
}

func (r *recordingTelephony) DeleteSession(ctx context.Context, room string) error {
	r.mu.Lock()
	r.deleted = append(r.deleted, room)
	r.mu.Unlock()
	return r.ConsoleTelephony.DeleteSession(ctx, room)
}

func TestHost_ShutdownHangsUp(t *testing.T) {
	out := &syncBuffer{}
	tel := &recordingTelephony{ConsoleTelephony: worker.NewConsoleTelephony(out)}
	cfg := testConfig(out)
	cfg.Telephony = tel
	h := worker.NewHost(cfg)

	for _, room := range []string{"room-a", "room-b"} {
		if _, err := h.StartJob(room, `{"phone_number":"+15551234567"}`); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool {
		s := h.Sessions()
		return len(s) == 2 && s[0].State == callsession.StateActive && s[1].State == callsession.StateActive
	}, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(h.Sessions()) != 0 {
		t.Error("sessions left after shutdown")
	}
	tel.mu.Lock()
	defer tel.mu.Unlock()
	if len(tel.deleted) != 2 {
		t.Errorf("deleted rooms = %v, want both", tel.deleted)
	}
	if _, err := h.StartJob("room-c", ""); !errors.Is(err, worker.ErrShuttingDown) {
		t.Errorf("StartJob after shutdown: %v", err)
	}
}

func TestListen_ReplacesStaleSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "worker.sock")
	if err := os.WriteFile(sock, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	ln, err := worker.Listen(sock)
	if err != nil {
		t.Fatalf("Listen over stale file: %v", err)
	}
	defer ln.Close()

	info, err := os.Stat(sock)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("socket permissions = %#o, want 0600", perm)
	}

	if _, err := worker.Listen(sock); err == nil {
		t.Error("second Listen on a live socket should fail")
	}
}

func TestLocalControlPlane(t *testing.T) {
	home := t.TempDir()
	startHost(t, protocol.WorkerSocketPath(home, "a1"), testConfig(&syncBuffer{}))
	cp := worker.NewLocalControlPlane(home)

	meta, _ := protocol.JobMetadata{PhoneNumber: "+15551234567", AgentID: "a1"}.Encode()
	res, err := cp.CreateDispatch(context.Background(), dispatch.Request{AgentName: "x", Room: "room-l", Metadata: meta})
	if err != nil {
		t.Fatalf("CreateDispatch: %v", err)
	}
	if !strings.HasPrefix(res.DispatchID, "AD_") || res.Room != "room-l" || res.Raw == "" {
		t.Errorf("result = %+v", res)
	}

	meta, _ = protocol.JobMetadata{PhoneNumber: "+15551234567", AgentID: "stopped-agent"}.Encode()
	_, err = cp.CreateDispatch(context.Background(), dispatch.Request{Room: "room-m", Metadata: meta})
	var tErr *protocol.TransportError
	if !errors.As(err, &tErr) || tErr.Detail != "worker is not running" {
		t.Fatalf("expected worker-not-running TransportError, got %v", err)
	}

	_, err = cp.CreateDispatch(context.Background(), dispatch.Request{Room: "room-n", Metadata: `{"phone_number":"+1555"}`})
	if protocol.Classify(err) != protocol.ClassValidation {
		t.Errorf("metadata without agent: got %v", err)
	}
}

func TestRunConsole(t *testing.T) {
	out := &syncBuffer{}
	cfg := testConfig(out)
	in := strings.NewReader(strings.Join([]string{
		`{"type":"look_up_availability","date":"tomorrow"}`,
		`not a command`,
		`{"type":"confirm_appointment","date":"tomorrow","time":"2pm"}`,
		`{"type":"end_call"}`,
	}, "\n") + "\n")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := worker.RunConsole(ctx, cfg, in, out); err != nil {
		t.Fatalf("RunConsole: %v", err)
	}

	log := out.String()
	for _, want := range []string{
		"## Role",
		"console_user joined console-",
		`"slots":["1pm","2pm","3pm"]`,
		"error: decode command",
		callsession.ResultReservationConfirmed,
		"closed",
	} {
		if !strings.Contains(log, want) {
			t.Errorf("console output missing %q:\n%s", want, log)
		}
	}
}

func TestRunConsole_EOFHangsUp(t *testing.T) {
	out := &syncBuffer{}
	if err := worker.RunConsole(context.Background(), testConfig(out), strings.NewReader(""), out); err != nil {
		t.Fatalf("RunConsole: %v", err)
	}
	if !strings.Contains(out.String(), "closed") {
		t.Errorf("room not closed on EOF:\n%s", out.String())
	}
}

func TestPersona(t *testing.T) {
	p := worker.Persona{Type: protocol.AgentTypeCarVendor, Name: "Max", Personality: "upbeat and direct"}
	got := p.Instructions()
	for _, want := range []string{"You are Max, a car sales representative.", "## Personality\n\nupbeat and direct", "## Voicemail"} {
		if !strings.Contains(got, want) {
			t.Errorf("instructions missing %q:\n%s", want, got)
		}
	}
	if p.Greeting() != "Hi, this is Max from the dealership." {
		t.Errorf("greeting = %q", p.Greeting())
	}

	r := worker.Persona{Type: protocol.AgentTypeRestaurantReceptionist}
	if !strings.Contains(r.Instructions(), "restaurant receptionist") || strings.Contains(r.Instructions(), "## Personality") {
		t.Errorf("receptionist instructions:\n%s", r.Instructions())
	}
}

package voice_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"callctl/pkg/protocol"
	"callctl/pkg/voice"
)

func TestConsoleSpeaker_PacesByWords(t *testing.T) {
	var out bytes.Buffer
	s := voice.NewConsoleSpeaker(&out, 10*time.Millisecond)

	start := time.Now()
	p, err := s.Say(context.Background(), "one two three four five")
	if err != nil {
		t.Fatalf("Say: %v", err)
	}
	if s.Current() == nil {
		t.Error("Current() = nil while utterance plays")
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("playout finished after %v, want >= 50ms", elapsed)
	}
	if s.Current() != nil {
		t.Error("Current() should be nil after playout")
	}
	if out.String() != "agent: one two three four five\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestConsoleSpeaker_ZeroPaceFinishesImmediately(t *testing.T) {
	s := voice.NewConsoleSpeaker(&bytes.Buffer{}, 0)
	p, err := s.Say(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatal("playout not finished")
	}
}

func TestConsoleSpeaker_UtterancesQueue(t *testing.T) {
	s := voice.NewConsoleSpeaker(&bytes.Buffer{}, 20*time.Millisecond)

	long, err := s.Say(context.Background(), "one two three four five six seven eight nine ten")
	if err != nil {
		t.Fatalf("Say long: %v", err)
	}
	short, err := s.Say(context.Background(), "bye")
	if err != nil {
		t.Fatalf("Say short: %v", err)
	}

	// "bye" alone lasts 20ms; it must not finish ahead of the 200ms line.
	time.Sleep(60 * time.Millisecond)
	select {
	case <-long.Done():
		t.Fatal("long utterance finished early")
	default:
	}
	select {
	case <-short.Done():
		t.Fatal("second utterance finished while the first was still playing")
	default:
	}
	if s.Current() == nil {
		t.Fatal("Current() = nil while an earlier utterance is still playing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Current().Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	select {
	case <-long.Done():
	default:
		t.Error("Current() finished before the first utterance")
	}
	if s.Current() != nil {
		t.Error("Current() should be nil once the queue drains")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestConsoleSpeaker_WriteError(t *testing.T) {
	s := voice.NewConsoleSpeaker(failingWriter{}, time.Second)
	if _, err := s.Say(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	if s.Current() != nil {
		t.Error("failed utterance left in flight")
	}
}

// fakeCartesia answers each request with the scripted reply.
type fakeCartesia struct {
	mu       sync.Mutex
	requests []map[string]any
	query    string
	reply    func(conn *websocket.Conn, contextID string)
}

func (f *fakeCartesia) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	f.mu.Lock()
	f.query = r.URL.RawQuery
	f.mu.Unlock()
	for {
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()
		id, _ := req["context_id"].(string)
		f.reply(conn, id)
	}
}

func pcmChunks(n int, size int) func(*websocket.Conn, string) {
	return func(conn *websocket.Conn, id string) {
		data := base64.StdEncoding.EncodeToString(make([]byte, size))
		for range n {
			_ = conn.WriteJSON(map[string]any{"type": "chunk", "context_id": id, "data": data})
		}
		_ = conn.WriteJSON(map[string]any{"type": "done", "context_id": id})
	}
}

func startFake(t *testing.T, f *fakeCartesia) string {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestCartesiaSpeaker_PlayoutCoversAudio(t *testing.T) {
	// Two chunks of 2400 bytes: 100ms of 24kHz 16-bit mono.
	fake := &fakeCartesia{reply: pcmChunks(2, 2400)}
	var sink bytes.Buffer
	s := voice.NewCartesiaSpeaker(voice.CartesiaOptions{APIKey: "sk_test", URL: startFake(t, fake), Sink: &sink})
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	start := time.Now()
	p, err := s.Say(context.Background(), "Please hold.")
	if err != nil {
		t.Fatalf("Say: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("playout finished after %v, want about 100ms", elapsed)
	}
	if sink.Len() != 4800 {
		t.Errorf("sink got %d bytes, want 4800", sink.Len())
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if !strings.Contains(fake.query, "api_key=sk_test") || !strings.Contains(fake.query, "cartesia_version=") {
		t.Errorf("query = %q", fake.query)
	}
	req := fake.requests[0]
	if req["transcript"] != "Please hold." || req["model_id"] != voice.DefaultCartesiaModel {
		t.Errorf("request = %v", req)
	}
}

func TestCartesiaSpeaker_UtterancesQueue(t *testing.T) {
	// Each reply is 100ms of audio; the second plays after the first.
	fake := &fakeCartesia{reply: pcmChunks(2, 2400)}
	s := voice.NewCartesiaSpeaker(voice.CartesiaOptions{APIKey: "k", URL: startFake(t, fake)})
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	first, err := s.Say(context.Background(), "Thanks for calling.")
	if err != nil {
		t.Fatalf("Say first: %v", err)
	}
	second, err := s.Say(context.Background(), "Goodbye.")
	if err != nil {
		t.Fatalf("Say second: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := second.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	select {
	case <-first.Done():
	default:
		t.Error("second utterance finished before the first")
	}
	if elapsed := time.Since(start); elapsed < 190*time.Millisecond {
		t.Errorf("queued playout finished after %v, want about 200ms", elapsed)
	}
}

func TestCartesiaSpeaker_ErrorFinishesPlayout(t *testing.T) {
	fake := &fakeCartesia{reply: func(conn *websocket.Conn, id string) {
		_ = conn.WriteJSON(map[string]any{"type": "error", "context_id": id, "error": "quota", "status_code": 402})
	}}
	s := voice.NewCartesiaSpeaker(voice.CartesiaOptions{APIKey: "k", URL: startFake(t, fake)})
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, err := s.Say(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("playout not finished after synthesis error: %v", err)
	}
}

func TestCartesiaSpeaker_CloseFinishesPending(t *testing.T) {
	fake := &fakeCartesia{reply: func(*websocket.Conn, string) {}}
	s := voice.NewCartesiaSpeaker(voice.CartesiaOptions{APIKey: "k", URL: startFake(t, fake)})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, err := s.Say(context.Background(), "never answered")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("pending playout not finished by Close: %v", err)
	}
	if _, err := s.Say(context.Background(), "after close"); err == nil {
		t.Error("Say after Close should fail")
	}
}

func TestCartesiaSpeaker_RequiresAPIKey(t *testing.T) {
	err := voice.NewCartesiaSpeaker(voice.CartesiaOptions{}).Start(context.Background())
	var cfgErr *protocol.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Kind != protocol.MissingCredential {
		t.Fatalf("expected MissingCredential, got %v", err)
	}
}

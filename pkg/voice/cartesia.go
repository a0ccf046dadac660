package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"callctl/pkg/callsession"
	"callctl/pkg/protocol"
)

const (
	// DefaultCartesiaURL is the Cartesia streaming TTS endpoint.
	DefaultCartesiaURL = "wss://api.cartesia.ai/tts/websocket"
	// DefaultCartesiaModel is the synthesis model.
	DefaultCartesiaModel = "sonic-3"

	cartesiaVersion = "2025-04-16"
	defaultVoiceID  = "a0e99841-438c-4a64-b679-ae501e7d6091"

	sampleRate     = 24000
	bytesPerSecond = sampleRate * 2 // pcm_s16le mono
)

// CartesiaOptions configures a CartesiaSpeaker.
type CartesiaOptions struct {
	APIKey  string
	VoiceID string
	Model   string
	URL     string

	// Sink receives the raw PCM audio. Nil discards it.
	Sink   io.Writer
	Logger *slog.Logger
}

// CartesiaSpeaker synthesizes utterances over one Cartesia websocket. Each
// utterance is a separate context on the socket. A playout ends once the
// synthesized audio has had time to play, measured from its first chunk or
// from the end of the previous utterance, whichever is later.
type CartesiaSpeaker struct {
	tracker

	opts   CartesiaOptions
	logger *slog.Logger
	seq    atomic.Uint64

	mu      sync.Mutex // guards conn and pending
	conn    *websocket.Conn
	pending map[string]*utterance

	writeMu sync.Mutex
}

type utterance struct {
	entry      *entry
	firstChunk time.Time
	audio      time.Duration
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	ContextID    string               `json:"context_id"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaResponse struct {
	Type       string `json:"type"` // "chunk", "done", "error"
	ContextID  string `json:"context_id"`
	Data       string `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// NewCartesiaSpeaker returns an unstarted speaker.
func NewCartesiaSpeaker(opts CartesiaOptions) *CartesiaSpeaker {
	if opts.VoiceID == "" {
		opts.VoiceID = defaultVoiceID
	}
	if opts.Model == "" {
		opts.Model = DefaultCartesiaModel
	}
	if opts.URL == "" {
		opts.URL = DefaultCartesiaURL
	}
	if opts.Sink == nil {
		opts.Sink = io.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CartesiaSpeaker{opts: opts, logger: logger, pending: make(map[string]*utterance)}
}

// Start dials the websocket. ctx bounds the dial only; the connection lives
// until Close.
func (s *CartesiaSpeaker) Start(ctx context.Context) error {
	if s.opts.APIKey == "" {
		return &protocol.ConfigurationError{Kind: protocol.MissingCredential, Detail: "CARTESIA_API_KEY is not set"}
	}
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return fmt.Errorf("parse cartesia url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", s.opts.APIKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("cartesia connect: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	go s.readLoop(conn)
	return nil
}

// Say sends text for synthesis and returns its playout.
func (s *CartesiaSpeaker) Say(ctx context.Context, text string) (callsession.Playout, error) {
	id := fmt.Sprintf("utt_%d", s.seq.Add(1))

	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, errors.New("cartesia: speech session not started")
	}
	e := s.begin()
	s.pending[id] = &utterance{entry: e}
	s.mu.Unlock()

	req := cartesiaRequest{
		ModelID:      s.opts.Model,
		Transcript:   text,
		Voice:        cartesiaVoice{Mode: "id", ID: s.opts.VoiceID},
		OutputFormat: cartesiaOutputFormat{Container: "raw", Encoding: "pcm_s16le", SampleRate: sampleRate},
		ContextID:    id,
	}

	s.writeMu.Lock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	err := conn.WriteJSON(req)
	s.writeMu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		s.play(e, time.Time{}, 0)
		return nil, fmt.Errorf("cartesia send: %w", err)
	}
	return e.playout, nil
}

func (s *CartesiaSpeaker) readLoop(conn *websocket.Conn) {
	for {
		var msg cartesiaResponse
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("cartesia connection lost", "err", err)
			}
			s.abandon(conn)
			return
		}
		s.handle(msg)
	}
}

func (s *CartesiaSpeaker) handle(msg cartesiaResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.pending[msg.ContextID]
	if !ok {
		return
	}
	switch msg.Type {
	case "chunk":
		pcm, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			s.logger.Warn("cartesia chunk undecodable", "context_id", msg.ContextID, "err", err)
			return
		}
		if u.firstChunk.IsZero() {
			u.firstChunk = time.Now()
		}
		u.audio += time.Duration(len(pcm)) * time.Second / bytesPerSecond
		if _, err := s.opts.Sink.Write(pcm); err != nil {
			s.logger.Warn("audio sink write failed", "err", err)
		}
	case "done":
		delete(s.pending, msg.ContextID)
		s.play(u.entry, u.firstChunk, u.audio)
	case "error":
		delete(s.pending, msg.ContextID)
		s.logger.Warn("cartesia synthesis failed", "context_id", msg.ContextID, "status", msg.StatusCode, "err", msg.Error)
		s.play(u.entry, time.Time{}, 0)
	}
}

// abandon finishes every pending utterance of a dead connection.
func (s *CartesiaSpeaker) abandon(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
	for id, u := range s.pending {
		s.play(u.entry, time.Time{}, 0)
		delete(s.pending, id)
	}
}

// Close shuts the websocket. Pending playouts finish.
func (s *CartesiaSpeaker) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	if err := conn.Close(); err != nil {
		return fmt.Errorf("cartesia close: %w", err)
	}
	return nil
}

// Package voice provides the speech side of a call session: a console
// speaker for local runs and a Cartesia text-to-speech speaker.
package voice

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"callctl/pkg/callsession"
)

// DefaultWordDuration paces console playout at roughly 150 words a minute.
const DefaultWordDuration = 400 * time.Millisecond

// entry is one queued utterance. It cannot finish before prev has.
type entry struct {
	playout *callsession.ManualPlayout
	prev    *entry
	end     time.Time // guarded by tracker.mu
}

// tracker queues utterances so they play one after another. Current
// reports the tail of the queue while anything in it is still playing.
type tracker struct {
	mu   sync.Mutex
	tail *entry
}

func (t *tracker) begin() *entry {
	e := &entry{playout: callsession.NewPlayout()}
	t.mu.Lock()
	e.prev = t.tail
	t.tail = e
	t.mu.Unlock()
	return e
}

func (t *tracker) finish(e *entry) {
	t.mu.Lock()
	if e.end.IsZero() {
		e.end = time.Now()
	}
	t.mu.Unlock()
	e.playout.Finish()
}

// afterPrev calls fn once the utterance queued before e has finished,
// passing the time it ended. fn runs inline when nothing is ahead of e.
func (t *tracker) afterPrev(e *entry, fn func(prevEnd time.Time)) {
	t.mu.Lock()
	prev := e.prev
	t.mu.Unlock()
	if prev == nil {
		fn(time.Time{})
		return
	}
	ended := func() time.Time {
		t.mu.Lock()
		defer t.mu.Unlock()
		e.prev = nil
		return prev.end
	}
	select {
	case <-prev.playout.Done():
		fn(ended())
	default:
		go func() {
			<-prev.playout.Done()
			fn(ended())
		}()
	}
}

// play finishes e d after it starts playing: at start, or when the previous
// utterance ends if that is later.
func (t *tracker) play(e *entry, start time.Time, d time.Duration) {
	t.afterPrev(e, func(prevEnd time.Time) {
		if prevEnd.After(start) {
			start = prevEnd
		}
		remaining := time.Until(start.Add(d))
		if remaining <= 0 {
			t.finish(e)
			return
		}
		time.AfterFunc(remaining, func() { t.finish(e) })
	})
}

// Current returns the last queued utterance while it, or anything ahead of
// it, is still playing.
func (t *tracker) Current() callsession.Playout {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tail == nil {
		return nil
	}
	select {
	case <-t.tail.playout.Done():
		return nil
	default:
		return t.tail.playout
	}
}

// ConsoleSpeaker prints utterances to a writer and holds each playout open
// for a duration proportional to its word count.
type ConsoleSpeaker struct {
	tracker

	out     io.Writer
	perWord time.Duration
	writeMu sync.Mutex
}

// NewConsoleSpeaker returns a ConsoleSpeaker writing to out. A perWord of
// zero finishes every playout as soon as it is printed.
func NewConsoleSpeaker(out io.Writer, perWord time.Duration) *ConsoleSpeaker {
	return &ConsoleSpeaker{out: out, perWord: perWord}
}

// Start implements callsession.Speech.
func (s *ConsoleSpeaker) Start(context.Context) error { return nil }

// Say prints text and returns a playout paced by its length. Utterances
// queue behind the ones still playing.
func (s *ConsoleSpeaker) Say(_ context.Context, text string) (callsession.Playout, error) {
	s.writeMu.Lock()
	_, err := fmt.Fprintf(s.out, "agent: %s\n", text)
	if err != nil {
		s.writeMu.Unlock()
		return nil, fmt.Errorf("write utterance: %w", err)
	}
	e := s.begin()
	s.writeMu.Unlock()

	s.play(e, time.Now(), time.Duration(len(strings.Fields(text)))*s.perWord)
	return e.playout, nil
}

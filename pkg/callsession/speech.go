package callsession

import (
	"context"
	"sync"
)

// Playout tracks one utterance being played to the caller.
type Playout interface {
	// Done is closed once the utterance has finished or been interrupted.
	Done() <-chan struct{}
	// Wait blocks until Done or ctx ends.
	Wait(ctx context.Context) error
}

// Speech is the voice pipeline of a session.
type Speech interface {
	// Start brings up the speech session. It runs concurrently with dialing.
	Start(ctx context.Context) error
	// Say queues text and returns its playout.
	Say(ctx context.Context, text string) (Playout, error)
	// Current returns the utterance in flight, or nil.
	Current() Playout
}

// ManualPlayout is a Playout finished explicitly by its producer.
type ManualPlayout struct {
	done chan struct{}
	once sync.Once
}

// NewPlayout returns an unfinished playout.
func NewPlayout() *ManualPlayout {
	return &ManualPlayout{done: make(chan struct{})}
}

// FinishedPlayout returns a playout that is already done.
func FinishedPlayout() *ManualPlayout {
	p := NewPlayout()
	p.Finish()
	return p
}

// Finish marks the playout done. Safe to call more than once.
func (p *ManualPlayout) Finish() {
	p.once.Do(func() { close(p.done) })
}

// Done implements Playout.
func (p *ManualPlayout) Done() <-chan struct{} { return p.done }

// Wait implements Playout.
func (p *ManualPlayout) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package protocol

import "time"

// EventType names a lifecycle event.
type EventType string

// Lifecycle event types.
const (
	EventAgentStarted      EventType = "agent_started"
	EventAgentStopped      EventType = "agent_stopped"
	EventAgentForceStopped EventType = "agent_force_stopped"
	EventAgentExited       EventType = "agent_exited"
	EventAgentSpawnFailed  EventType = "agent_spawn_failed"
	EventDispatched        EventType = "dispatched"
	EventDispatchFailed    EventType = "dispatch_failed"
	EventCallState         EventType = "call_state"
)

// Event is a single lifecycle event, persisted by the event log and
// streamed to dashboard clients.
type Event struct {
	ID        int64     `json:"id,omitempty"`
	Type      EventType `json:"type"`
	Source    string    `json:"source"`
	AgentID   string    `json:"agent_id,omitempty"`
	Room      string    `json:"room,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Recorder receives lifecycle events. Implementations must not block the
// caller for long; the supervisor records while holding its map lock.
type Recorder interface {
	Record(e Event)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(e Event)

// Record calls f(e).
func (f RecorderFunc) Record(e Event) { f(e) }

// NopRecorder discards every event.
type NopRecorder struct{}

// Record does nothing.
func (NopRecorder) Record(Event) {}

// MultiRecorder fans an event out to every non-nil recorder in order.
type MultiRecorder []Recorder

// Record forwards e to each recorder.
func (m MultiRecorder) Record(e Event) {
	for _, r := range m {
		if r != nil {
			r.Record(e)
		}
	}
}

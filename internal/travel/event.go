// Package travel implements the relocation log, its state machine and
// point-in-time location reconstruction.
package travel

import "time"

// Kind categorizes a relocation event.
type Kind string

const (
	KindTravel  Kind = "travel"
	KindReturn  Kind = "return"
	KindForward Kind = "forward"
	KindBack    Kind = "back"
)

// Valid reports whether k is one of the four relocation kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTravel, KindReturn, KindForward, KindBack:
		return true
	}
	return false
}

// ShiftStep is the subjective jump applied by Forward and Back.
const ShiftStep = 7 * 24 * time.Hour

// Event is a single immutable entry in an agent's relocation log.
// A nil location means the present.
type Event struct {
	ID           int64             `json:"id"`
	Seq          int64             `json:"seq"`
	AgentID      string            `json:"agent_id"`
	Kind         Kind              `json:"event_type"`
	FromLocation *string           `json:"from_location"`
	ToLocation   *string           `json:"to_location"`
	Departure    time.Time         `json:"departure_timestamp"`
	Arrival      time.Time         `json:"arrival_timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Traveling reports whether the agent is away from the present after e.
func (e *Event) Traveling() bool {
	return e != nil && e.ToLocation != nil
}

// Agent is a tracked entity. LatestEventID is the current-state index entry
// and may be nil or stale; the log is authoritative.
type Agent struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	LatestEventID *int64    `json:"latest_event_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AgentRef is the public projection of an agent.
type AgentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// State is the agent's current state as returned by every transition.
type State struct {
	Agent           AgentRef `json:"user"`
	Current         *Event   `json:"currentState"`
	Traveling       bool     `json:"isCurrentlyTraveling"`
	CurrentLocation *string  `json:"currentLocation"`
}

func newState(a *Agent, cur *Event) *State {
	s := &State{
		Agent:   AgentRef{ID: a.ID, Name: a.Name},
		Current: cur,
	}
	if cur.Traveling() {
		s.Traveling = true
		loc := *cur.ToLocation
		s.CurrentLocation = &loc
	}
	return s
}

func strPtr(s string) *string { return &s }

package travel

import "time"

// EventPresent is the result event type for an agent with no events.
const EventPresent = "present"

// LocationInterval is one span of subjective time spent at a location.
type LocationInterval struct {
	EventID  int64     `json:"event_id"`
	Kind     Kind      `json:"event_type"`
	Location string    `json:"location"`
	From     time.Time `json:"from"`
	Until    time.Time `json:"until"`
}

// LocationQueryResult answers where an agent is, or was, at a timestamp.
type LocationQueryResult struct {
	AgentID        string             `json:"user_id"`
	AgentName      string             `json:"user_name"`
	QueryTimestamp time.Time          `json:"query_timestamp"`
	Location       *string            `json:"location"`
	EventType      string             `json:"event_type"`
	DepartureTime  *time.Time         `json:"departure_time"`
	ArrivalTime    *time.Time         `json:"arrival_time"`
	Metadata       map[string]string  `json:"metadata,omitempty"`
	Locations      []LocationInterval `json:"locations"`
}

// IsAtPresentTime reports whether the agent resolved to the present.
func (r *LocationQueryResult) IsAtPresentTime() bool {
	return r.Location == nil
}

// IsTimeTraveling reports whether the agent resolved to somewhere in time.
func (r *LocationQueryResult) IsTimeTraveling() bool {
	return r.Location != nil && r.EventType != string(KindReturn)
}

// ActiveLocation returns the resolved location, or "" at present.
func (r *LocationQueryResult) ActiveLocation() string {
	if r.Location == nil {
		return ""
	}
	return *r.Location
}

func presentResult(a *Agent, at time.Time, eventType string) *LocationQueryResult {
	return &LocationQueryResult{
		AgentID:        a.ID,
		AgentName:      a.Name,
		QueryTimestamp: at,
		EventType:      eventType,
		Metadata:       map[string]string{"status": "at present time"},
		Locations:      []LocationInterval{},
	}
}

func timePtr(t time.Time) *time.Time { return &t }

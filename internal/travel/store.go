package travel

import (
	"context"
	"iter"
)

// Reader is the read side of the relocation log and the current-state index.
type Reader interface {
	// Agent returns the agent or a NotFound error.
	Agent(ctx context.Context, agentID string) (*Agent, error)

	// LatestEventID reads the index entry. ok is false when unset.
	LatestEventID(ctx context.Context, agentID string) (id int64, ok bool, err error)

	// EventByID is a point lookup; a missing event yields (nil, nil).
	EventByID(ctx context.Context, id int64) (*Event, error)

	// ScanLatest returns the agent's event with the largest id, or nil.
	ScanLatest(ctx context.Context, agentID string) (*Event, error)

	// ScanOrdered yields the agent's events with id >= fromID in ascending
	// id order. The sequence is lazy and single-use.
	ScanOrdered(ctx context.Context, agentID string, fromID int64) iter.Seq2[*Event, error]
}

// Writer extends Reader with the two writes of a transition. Both are
// applied atomically when the enclosing Update commits.
type Writer interface {
	Reader

	// Append assigns ID and Seq to e and persists it.
	Append(ctx context.Context, e *Event) (int64, error)

	// SetLatest overwrites the agent's index entry.
	SetLatest(ctx context.Context, agentID string, eventID int64) error
}

// Store is a relocation log backend.
type Store interface {
	Reader

	// CreateAgent registers a new agent with a generated ID.
	CreateAgent(ctx context.Context, name string) (*Agent, error)

	// Update runs fn with exclusive access to agentID's log. Writes made
	// through w become visible only if fn returns nil and the commit
	// succeeds. Updates for different agents do not wait on each other.
	Update(ctx context.Context, agentID string, fn func(w Writer) error) error

	// View runs fn against a consistent snapshot.
	View(ctx context.Context, fn func(r Reader) error) error

	Close() error
}

// Publisher receives each event after it has been committed.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}

// Observer is notified of engine activity, for metrics.
type Observer interface {
	Transition(op string, code Code)
	Query(mode string, code Code)
	IndexFallback()
}

type nopObserver struct{}

func (nopObserver) Transition(string, Code) {}
func (nopObserver) Query(string, Code)      {}
func (nopObserver) IndexFallback()          {}

// Package memory is an in-process relocation log. It backs the server when
// no database is configured and serves as the reference backend in tests.
package memory

import (
	"context"
	"iter"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/tempus/internal/agentlock"
	"github.com/nidhogg/tempus/internal/travel"
)

// Store keeps the log and index in maps guarded by an RWMutex. Updates are
// staged per agent and applied in one critical section on commit.
type Store struct {
	mu      sync.RWMutex
	agents  map[string]*travel.Agent
	events  map[int64]*travel.Event
	byAgent map[string][]*travel.Event
	nextID  int64

	locks  *agentlock.Locker
	logger *zap.Logger
}

var _ travel.Store = (*Store)(nil)

// New creates an empty store.
func New(logger *zap.Logger) *Store {
	return &Store{
		agents:  make(map[string]*travel.Agent),
		events:  make(map[int64]*travel.Event),
		byAgent: make(map[string][]*travel.Event),
		locks:   agentlock.New(),
		logger:  logger,
	}
}

// CreateAgent registers an agent with a random UUID.
func (s *Store) CreateAgent(_ context.Context, name string) (*travel.Agent, error) {
	a := &travel.Agent{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	s.mu.Lock()
	s.agents[a.ID] = a
	s.mu.Unlock()
	return cloneAgent(a), nil
}

func (s *Store) Agent(ctx context.Context, agentID string) (*travel.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot{s}.Agent(ctx, agentID)
}

func (s *Store) LatestEventID(ctx context.Context, agentID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot{s}.LatestEventID(ctx, agentID)
}

func (s *Store) EventByID(ctx context.Context, id int64) (*travel.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot{s}.EventByID(ctx, id)
}

func (s *Store) ScanLatest(ctx context.Context, agentID string) (*travel.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot{s}.ScanLatest(ctx, agentID)
}

func (s *Store) ScanOrdered(_ context.Context, agentID string, fromID int64) iter.Seq2[*travel.Event, error] {
	s.mu.RLock()
	evs := s.ordered(agentID, fromID)
	s.mu.RUnlock()
	return yieldAll(evs)
}

// View holds the read lock for the duration of fn, so fn sees no commits.
func (s *Store) View(ctx context.Context, fn func(r travel.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(snapshot{s})
}

// Update serializes writers per agent. Staged writes are discarded when fn
// fails or ctx is cancelled before commit.
func (s *Store) Update(ctx context.Context, agentID string, fn func(w travel.Writer) error) error {
	unlock := s.locks.Lock(agentID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &tx{s: s}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *Store) commit(tx *tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range tx.staged {
		s.events[ev.ID] = ev
		s.byAgent[ev.AgentID] = append(s.byAgent[ev.AgentID], ev)
	}
	for agentID, id := range tx.latest {
		if a, ok := s.agents[agentID]; ok {
			a.LatestEventID = &id
		}
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ClearIndex unsets an agent's index entry, simulating a lost or
// never-populated pointer.
func (s *Store) ClearIndex(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[agentID]; ok {
		a.LatestEventID = nil
	}
}

// CorruptIndex points an agent's index entry at an arbitrary event id.
func (s *Store) CorruptIndex(agentID string, eventID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[agentID]; ok {
		a.LatestEventID = &eventID
	}
}

// ordered must be called with mu held.
func (s *Store) ordered(agentID string, fromID int64) []*travel.Event {
	var out []*travel.Event
	for _, ev := range s.byAgent[agentID] {
		if ev.ID >= fromID {
			out = append(out, cloneEvent(ev))
		}
	}
	return out
}

// snapshot reads committed state. Callers hold mu.
type snapshot struct{ s *Store }

func (r snapshot) Agent(_ context.Context, agentID string) (*travel.Agent, error) {
	a, ok := r.s.agents[agentID]
	if !ok {
		return nil, travel.NotFound(agentID)
	}
	return cloneAgent(a), nil
}

func (r snapshot) LatestEventID(_ context.Context, agentID string) (int64, bool, error) {
	a, ok := r.s.agents[agentID]
	if !ok || a.LatestEventID == nil {
		return 0, false, nil
	}
	return *a.LatestEventID, true, nil
}

func (r snapshot) EventByID(_ context.Context, id int64) (*travel.Event, error) {
	ev, ok := r.s.events[id]
	if !ok {
		return nil, nil
	}
	return cloneEvent(ev), nil
}

func (r snapshot) ScanLatest(_ context.Context, agentID string) (*travel.Event, error) {
	evs := r.s.byAgent[agentID]
	if len(evs) == 0 {
		return nil, nil
	}
	return cloneEvent(evs[len(evs)-1]), nil
}

func (r snapshot) ScanOrdered(_ context.Context, agentID string, fromID int64) iter.Seq2[*travel.Event, error] {
	return yieldAll(r.s.ordered(agentID, fromID))
}

// tx reads committed state under short read locks and overlays its own
// staged writes.
type tx struct {
	s      *Store
	staged []*travel.Event
	latest map[string]int64
}

func (t *tx) Agent(ctx context.Context, agentID string) (*travel.Agent, error) {
	a, err := t.s.Agent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if id, ok := t.latest[agentID]; ok {
		a.LatestEventID = &id
	}
	return a, nil
}

func (t *tx) LatestEventID(ctx context.Context, agentID string) (int64, bool, error) {
	if id, ok := t.latest[agentID]; ok {
		return id, true, nil
	}
	return t.s.LatestEventID(ctx, agentID)
}

func (t *tx) EventByID(ctx context.Context, id int64) (*travel.Event, error) {
	for _, ev := range t.staged {
		if ev.ID == id {
			return cloneEvent(ev), nil
		}
	}
	return t.s.EventByID(ctx, id)
}

func (t *tx) ScanLatest(ctx context.Context, agentID string) (*travel.Event, error) {
	for i := len(t.staged) - 1; i >= 0; i-- {
		if t.staged[i].AgentID == agentID {
			return cloneEvent(t.staged[i]), nil
		}
	}
	return t.s.ScanLatest(ctx, agentID)
}

func (t *tx) ScanOrdered(_ context.Context, agentID string, fromID int64) iter.Seq2[*travel.Event, error] {
	t.s.mu.RLock()
	evs := t.s.ordered(agentID, fromID)
	t.s.mu.RUnlock()
	for _, ev := range t.staged {
		if ev.AgentID == agentID && ev.ID >= fromID {
			evs = append(evs, cloneEvent(ev))
		}
	}
	return yieldAll(evs)
}

func (t *tx) Append(_ context.Context, e *travel.Event) (int64, error) {
	t.s.mu.Lock()
	if _, ok := t.s.agents[e.AgentID]; !ok {
		t.s.mu.Unlock()
		return 0, travel.NotFound(e.AgentID)
	}
	t.s.nextID++
	e.ID = t.s.nextID
	seq := int64(len(t.s.byAgent[e.AgentID]))
	t.s.mu.Unlock()

	for _, ev := range t.staged {
		if ev.AgentID == e.AgentID {
			seq++
		}
	}
	e.Seq = seq + 1
	t.staged = append(t.staged, cloneEvent(e))
	return e.ID, nil
}

func (t *tx) SetLatest(_ context.Context, agentID string, eventID int64) error {
	if t.latest == nil {
		t.latest = make(map[string]int64)
	}
	t.latest[agentID] = eventID
	return nil
}

func yieldAll(evs []*travel.Event) iter.Seq2[*travel.Event, error] {
	return func(yield func(*travel.Event, error) bool) {
		for _, ev := range evs {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func cloneAgent(a *travel.Agent) *travel.Agent {
	c := *a
	if a.LatestEventID != nil {
		id := *a.LatestEventID
		c.LatestEventID = &id
	}
	return &c
}

func cloneEvent(e *travel.Event) *travel.Event {
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}

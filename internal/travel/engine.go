package travel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/nidhogg/tempus/internal/travel"

const (
	reasonTravel  = "cannot travel while already time traveling"
	reasonReturn  = "cannot return to present time while not time traveling"
	reasonForward = "cannot move forward while not time traveling"
	reasonBack    = "cannot move backward while not time traveling"
)

// Engine validates and applies relocations and answers location queries.
type Engine struct {
	store     Store
	clock     Clock
	publisher Publisher
	observer  Observer
	useIndex  bool
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewEngine creates an engine over store using the system clock.
func NewEngine(store Store, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		clock:    SystemClock{},
		observer: nopObserver{},
		useIndex: true,
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
	}
}

// SetClock replaces the wall clock.
func (e *Engine) SetClock(c Clock) { e.clock = c }

// SetPublisher attaches a feed that receives committed events.
func (e *Engine) SetPublisher(p Publisher) { e.publisher = p }

// SetObserver attaches a metrics observer.
func (e *Engine) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	e.observer = o
}

// SetTracerProvider replaces the global tracer provider for this engine.
func (e *Engine) SetTracerProvider(tp trace.TracerProvider) {
	e.tracer = tp.Tracer(tracerName)
}

// DisableIndex makes every current-state read scan the log.
func (e *Engine) DisableIndex() { e.useIndex = false }

// Travel moves a present-time agent to location at target.
func (e *Engine) Travel(ctx context.Context, agentID, location string, target time.Time) (*State, error) {
	location = strings.TrimSpace(location)
	return e.apply(ctx, transition{
		op:      "travel",
		agentID: agentID,
		validate: func() error {
			if location == "" {
				return Validation("location", "location is required")
			}
			return nil
		},
		build: func(cur *Event, now time.Time) (*Event, error) {
			if cur.Traveling() {
				return nil, Conflict(reasonTravel)
			}
			return &Event{
				Kind:       KindTravel,
				ToLocation: strPtr(location),
				Departure:  now,
				Arrival:    second(target),
			}, nil
		},
	})
}

// Return brings a traveling agent back to the present.
func (e *Engine) Return(ctx context.Context, agentID string) (*State, error) {
	return e.apply(ctx, transition{
		op:      "return",
		agentID: agentID,
		build: func(cur *Event, now time.Time) (*Event, error) {
			if !cur.Traveling() {
				return nil, Conflict(reasonReturn)
			}
			dep := Drift(cur, now)
			return &Event{
				Kind:         KindReturn,
				FromLocation: strPtr(*cur.ToLocation),
				Departure:    dep,
				Arrival:      now,
				Metadata: map[string]string{
					"duration_away": seconds(absSeconds(second(cur.Arrival), now)),
					"elapsed_real":  seconds(int64(Elapsed(cur, now) / time.Second)),
				},
			}, nil
		},
	})
}

// Forward shifts a traveling agent one week ahead at the same location.
func (e *Engine) Forward(ctx context.Context, agentID string) (*State, error) {
	return e.shift(ctx, "forward", KindForward, ShiftStep, reasonForward, agentID)
}

// Back shifts a traveling agent one week behind at the same location.
func (e *Engine) Back(ctx context.Context, agentID string) (*State, error) {
	return e.shift(ctx, "back", KindBack, -ShiftStep, reasonBack, agentID)
}

func (e *Engine) shift(ctx context.Context, op string, kind Kind, step time.Duration, reason, agentID string) (*State, error) {
	return e.apply(ctx, transition{
		op:      op,
		agentID: agentID,
		build: func(cur *Event, now time.Time) (*Event, error) {
			if !cur.Traveling() {
				return nil, Conflict(reason)
			}
			dep := Drift(cur, now)
			arr := dep.Add(step)
			return &Event{
				Kind:         kind,
				FromLocation: strPtr(*cur.ToLocation),
				ToLocation:   strPtr(*cur.ToLocation),
				Departure:    dep,
				Arrival:      arr,
				Metadata: map[string]string{
					"time_difference": seconds(absSeconds(dep, arr)),
					"elapsed_real":    seconds(int64(Elapsed(cur, now) / time.Second)),
				},
			}, nil
		},
	})
}

type transition struct {
	op       string
	agentID  string
	validate func() error
	build    func(cur *Event, now time.Time) (*Event, error)
}

// apply runs the shared transition template: read current state, check the
// precondition, append, move the index, all inside one per-agent update.
func (e *Engine) apply(ctx context.Context, t transition) (st *State, err error) {
	ctx, span := e.tracer.Start(ctx, "travel."+t.op,
		trace.WithAttributes(attribute.String("agent.id", t.agentID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		span.End()
		e.observer.Transition(t.op, outcome(err))
	}()

	if strings.TrimSpace(t.agentID) == "" {
		return nil, Validation("agent_id", "agent id is required")
	}
	if t.validate != nil {
		if err := t.validate(); err != nil {
			return nil, err
		}
	}

	now := second(e.clock.Now())
	var committed *Event
	err = e.store.Update(ctx, t.agentID, func(w Writer) error {
		agent, err := w.Agent(ctx, t.agentID)
		if err != nil {
			return err
		}
		cur, err := e.current(ctx, w, t.agentID)
		if err != nil {
			return err
		}
		ev, err := t.build(cur, now)
		if err != nil {
			return err
		}
		ev.AgentID = t.agentID
		ev.CreatedAt = now
		id, err := w.Append(ctx, ev)
		if err != nil {
			return err
		}
		if err := w.SetLatest(ctx, t.agentID, id); err != nil {
			return err
		}
		committed = ev
		st = newState(agent, ev)
		return nil
	})
	if err != nil {
		return nil, classify(t.op, err)
	}

	e.logger.Info("relocation recorded",
		zap.String("agent", t.agentID),
		zap.String("kind", string(committed.Kind)),
		zap.Int64("event_id", committed.ID),
		zap.Time("arrival", committed.Arrival))
	e.publish(ctx, committed)
	return st, nil
}

// current resolves the agent's latest event through the index, scanning the
// log when the entry is unset or does not point at one of the agent's events.
func (e *Engine) current(ctx context.Context, r Reader, agentID string) (*Event, error) {
	if e.useIndex {
		id, ok, err := r.LatestEventID(ctx, agentID)
		if err != nil {
			return nil, err
		}
		if ok {
			ev, err := r.EventByID(ctx, id)
			if err != nil {
				return nil, err
			}
			if ev != nil && ev.AgentID == agentID {
				return ev, nil
			}
		}
		e.observer.IndexFallback()
		e.logger.Debug("current-state index miss, scanning log", zap.String("agent", agentID))
	}
	return r.ScanLatest(ctx, agentID)
}

func (e *Engine) publish(ctx context.Context, ev *Event) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish relocation failed",
			zap.String("agent", ev.AgentID),
			zap.Int64("event_id", ev.ID),
			zap.Error(err))
	}
}

// State returns the agent's current state without modifying it.
func (e *Engine) State(ctx context.Context, agentID string) (*State, error) {
	var st *State
	err := e.store.View(ctx, func(r Reader) error {
		agent, err := r.Agent(ctx, agentID)
		if err != nil {
			return err
		}
		cur, err := e.current(ctx, r, agentID)
		if err != nil {
			return err
		}
		st = newState(agent, cur)
		return nil
	})
	if err != nil {
		return nil, classify("read state", err)
	}
	return st, nil
}

// Events returns the agent's full log in id order.
func (e *Engine) Events(ctx context.Context, agentID string) ([]*Event, error) {
	var events []*Event
	err := e.store.View(ctx, func(r Reader) error {
		if _, err := r.Agent(ctx, agentID); err != nil {
			return err
		}
		for ev, err := range r.ScanOrdered(ctx, agentID, 0) {
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, classify("list events", err)
	}
	return events, nil
}

// RebuildIndex points the agent's index entry at its latest logged event.
// It returns that event, or nil when the log is empty.
func (e *Engine) RebuildIndex(ctx context.Context, agentID string) (*Event, error) {
	var latest *Event
	err := e.store.Update(ctx, agentID, func(w Writer) error {
		if _, err := w.Agent(ctx, agentID); err != nil {
			return err
		}
		ev, err := w.ScanLatest(ctx, agentID)
		if err != nil || ev == nil {
			return err
		}
		latest = ev
		return w.SetLatest(ctx, agentID, ev.ID)
	})
	if err != nil {
		return nil, classify("rebuild index", err)
	}
	return latest, nil
}

// CreateAgent registers a new agent.
func (e *Engine) CreateAgent(ctx context.Context, name string) (*Agent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, Validation("name", "name is required")
	}
	a, err := e.store.CreateAgent(ctx, name)
	if err != nil {
		return nil, classify("create agent", err)
	}
	e.logger.Info("registered agent", zap.String("id", a.ID), zap.String("name", a.Name))
	return a, nil
}

// absSeconds measures the gap between two instants without time.Duration,
// which cannot span the centuries a trip may cover.
func absSeconds(a, b time.Time) int64 {
	d := b.Unix() - a.Unix()
	if d < 0 {
		return -d
	}
	return d
}

func seconds(n int64) string { return fmt.Sprintf("%d seconds", n) }

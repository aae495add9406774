package travel

import (
	"context"
	"iter"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// QueryCurrent projects the agent's current state into a location result.
func (e *Engine) QueryCurrent(ctx context.Context, agentID string) (res *LocationQueryResult, err error) {
	ctx, end := e.startQuery(ctx, "current", agentID)
	defer func() { end(err) }()

	now := second(e.clock.Now())
	err = e.store.View(ctx, func(r Reader) error {
		agent, err := r.Agent(ctx, agentID)
		if err != nil {
			return err
		}
		cur, err := e.current(ctx, r, agentID)
		if err != nil {
			return err
		}
		res = currentResult(agent, cur, now)
		return nil
	})
	if err != nil {
		return nil, classify("query current location", err)
	}
	return res, nil
}

// QueryAt reconstructs where the agent was at the subjective instant at.
// Every time.Time is a valid instant, including the zero value.
func (e *Engine) QueryAt(ctx context.Context, agentID string, at time.Time) (res *LocationQueryResult, err error) {
	ctx, end := e.startQuery(ctx, "at", agentID)
	defer func() { end(err) }()

	now := second(e.clock.Now())
	at = second(at)
	err = e.store.View(ctx, func(r Reader) error {
		agent, err := r.Agent(ctx, agentID)
		if err != nil {
			return err
		}
		intervals, err := reconstruct(r.ScanOrdered(ctx, agentID, 0), at, now)
		if err != nil {
			return err
		}
		res = intervalResult(agent, at, intervals)
		return nil
	})
	if err != nil {
		return nil, classify("query location at time", err)
	}
	return res, nil
}

func (e *Engine) startQuery(ctx context.Context, mode, agentID string) (context.Context, func(error)) {
	ctx, span := e.tracer.Start(ctx, "travel.query_"+mode,
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
		}
		span.End()
		e.observer.Query(mode, outcome(err))
	}
}

func currentResult(a *Agent, cur *Event, now time.Time) *LocationQueryResult {
	if cur == nil {
		return presentResult(a, now, EventPresent)
	}
	if !cur.Traveling() {
		res := presentResult(a, now, string(cur.Kind))
		res.DepartureTime = timePtr(cur.Arrival)
		return res
	}
	loc := *cur.ToLocation
	return &LocationQueryResult{
		AgentID:        a.ID,
		AgentName:      a.Name,
		QueryTimestamp: now,
		Location:       &loc,
		EventType:      string(cur.Kind),
		DepartureTime:  timePtr(cur.Departure),
		ArrivalTime:    timePtr(cur.Arrival),
		Metadata:       cur.Metadata,
		Locations: []LocationInterval{{
			EventID:  cur.ID,
			Kind:     cur.Kind,
			Location: loc,
			From:     second(cur.Arrival),
			Until:    Drift(cur, now),
		}},
	}
}

type match struct {
	ev       *Event
	interval LocationInterval
}

// reconstruct walks events in id order and returns every location span that
// contains at. Each span ends where the following event departs; the last one
// ends at its drift-corrected position relative to now. Forward and back keep
// the agent at one place, so their span covers the whole jump as well.
// Results are de-duplicated by location with the earliest event winning.
func reconstruct(events iter.Seq2[*Event, error], at, now time.Time) ([]match, error) {
	var (
		out  []match
		seen = map[string]bool{}
		prev *Event
	)
	consider := func(ev *Event, end time.Time) {
		if !ev.Traveling() {
			return
		}
		lo, hi := occupied(ev, end)
		if at.Before(lo) || at.After(hi) {
			return
		}
		loc := *ev.ToLocation
		if seen[loc] {
			return
		}
		seen[loc] = true
		out = append(out, match{ev: ev, interval: LocationInterval{
			EventID:  ev.ID,
			Kind:     ev.Kind,
			Location: loc,
			From:     lo,
			Until:    hi,
		}})
	}
	for ev, err := range events {
		if err != nil {
			return nil, err
		}
		if prev != nil {
			consider(prev, second(ev.Departure))
		}
		prev = ev
	}
	if prev != nil {
		consider(prev, Drift(prev, now))
	}
	return out, nil
}

func occupied(ev *Event, end time.Time) (lo, hi time.Time) {
	arr := second(ev.Arrival)
	switch ev.Kind {
	case KindForward, KindBack:
		dep := second(ev.Departure)
		return minTime(dep, arr, end), maxTime(dep, arr, end)
	default:
		return arr, maxTime(arr, end)
	}
}

func intervalResult(a *Agent, at time.Time, matches []match) *LocationQueryResult {
	if len(matches) == 0 {
		return presentResult(a, at, EventPresent)
	}
	first := matches[0].ev
	loc := *first.ToLocation
	res := &LocationQueryResult{
		AgentID:        a.ID,
		AgentName:      a.Name,
		QueryTimestamp: at,
		Location:       &loc,
		EventType:      string(first.Kind),
		DepartureTime:  timePtr(first.Departure),
		ArrivalTime:    timePtr(first.Arrival),
		Metadata:       first.Metadata,
		Locations:      make([]LocationInterval, 0, len(matches)),
	}
	for _, m := range matches {
		res.Locations = append(res.Locations, m.interval)
	}
	return res
}

func minTime(ts ...time.Time) time.Time {
	m := ts[0]
	for _, t := range ts[1:] {
		if t.Before(m) {
			m = t
		}
	}
	return m
}

func maxTime(ts ...time.Time) time.Time {
	m := ts[0]
	for _, t := range ts[1:] {
		if t.After(m) {
			m = t
		}
	}
	return m
}

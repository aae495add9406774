package travel_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/nidhogg/tempus/internal/store/memory"
	"github.com/nidhogg/tempus/internal/travel"
)

const rome = "41.9028,12.4964"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingObserver struct {
	mu          sync.Mutex
	transitions map[string]int
	fallbacks   int
}

func (o *countingObserver) Transition(op string, code travel.Code) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions[op+":"+string(code)]++
}

func (o *countingObserver) Query(string, travel.Code) {}

func (o *countingObserver) IndexFallback() {
	o.mu.Lock()
	o.fallbacks++
	o.mu.Unlock()
}

type testEnv struct {
	engine   *travel.Engine
	store    *memory.Store
	clock    *fakeClock
	observer *countingObserver
	agentID  string
}

func newEnv(t *testing.T, indexed bool) *testEnv {
	t.Helper()
	store := memory.New(zap.NewNop())
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	obs := &countingObserver{transitions: map[string]int{}}

	e := travel.NewEngine(store, zap.NewNop())
	e.SetClock(clock)
	e.SetObserver(obs)
	if !indexed {
		e.DisableIndex()
	}

	a, err := e.CreateAgent(context.Background(), "Marty")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return &testEnv{engine: e, store: store, clock: clock, observer: obs, agentID: a.ID}
}

// bothModes runs fn with the current-state index enabled and disabled.
func bothModes(t *testing.T, fn func(t *testing.T, env *testEnv)) {
	t.Helper()
	t.Run("indexed", func(t *testing.T) { fn(t, newEnv(t, true)) })
	t.Run("scan", func(t *testing.T) { fn(t, newEnv(t, false)) })
}

func (env *testEnv) events(t *testing.T) []*travel.Event {
	t.Helper()
	evs, err := env.engine.Events(context.Background(), env.agentID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	return evs
}

func date(y, m, d, h int) time.Time {
	return time.Date(y, time.Month(m), d, h, 0, 0, 0, time.UTC)
}

func mustTravel(t *testing.T, env *testEnv, loc string, at time.Time) *travel.State {
	t.Helper()
	st, err := env.engine.Travel(context.Background(), env.agentID, loc, at)
	if err != nil {
		t.Fatalf("travel: %v", err)
	}
	return st
}

func TestTravelThenQueryCurrent(t *testing.T) {
	bothModes(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		st := mustTravel(t, env, rome, date(80, 5, 1, 12))
		if !st.Traveling || st.CurrentLocation == nil || *st.CurrentLocation != rome {
			t.Fatalf("unexpected state %+v", st)
		}
		if st.Current.FromLocation != nil {
			t.Errorf("travel should depart from the present, got %v", *st.Current.FromLocation)
		}
		if !st.Current.Departure.Equal(env.clock.Now()) {
			t.Errorf("departure = %s, want now", st.Current.Departure)
		}

		res, err := env.engine.QueryCurrent(ctx, env.agentID)
		if err != nil {
			t.Fatalf("query current: %v", err)
		}
		if res.ActiveLocation() != rome || res.EventType != "travel" {
			t.Fatalf("unexpected result %+v", res)
		}
		if !res.IsTimeTraveling() || res.IsAtPresentTime() {
			t.Error("result should report time traveling")
		}
		if res.AgentName != "Marty" {
			t.Errorf("agent name = %q", res.AgentName)
		}
	})
}

func TestQueryCurrentNoEvents(t *testing.T) {
	bothModes(t, func(t *testing.T, env *testEnv) {
		res, err := env.engine.QueryCurrent(context.Background(), env.agentID)
		if err != nil {
			t.Fatalf("query current: %v", err)
		}
		if !res.IsAtPresentTime() || res.EventType != travel.EventPresent || len(res.Locations) != 0 {
			t.Fatalf("expected present, got %+v", res)
		}
	})
}

func TestDoubleTravelConflicts(t *testing.T) {
	bothModes(t, func(t *testing.T, env *testEnv) {
		mustTravel(t, env, rome, date(80, 5, 1, 12))
		_, err := env.engine.Travel(context.Background(), env.agentID, "Paris", date(1889, 5, 6, 10))
		if !errors.Is(err, travel.ErrStateConflict) {
			t.Fatalf("expected state conflict, got %v", err)
		}
		if err.Error() != "cannot travel while already time traveling" {
			t.Errorf("reason = %q", err.Error())
		}
		if n := len(env.events(t)); n != 1 {
			t.Fatalf("log has %d events, want 1", n)
		}
	})
}

func TestTransitionsRequireTraveling(t *testing.T) {
	tests := []struct {
		name   string
		op     func(*travel.Engine, context.Context, string) (*travel.State, error)
		reason string
	}{
		{"return", (*travel.Engine).Return, "cannot return to present time while not time traveling"},
		{"forward", (*travel.Engine).Forward, "cannot move forward while not time traveling"},
		{"back", (*travel.Engine).Back, "cannot move backward while not time traveling"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bothModes(t, func(t *testing.T, env *testEnv) {
				_, err := tt.op(env.engine, context.Background(), env.agentID)
				if travel.CodeOf(err) != travel.CodeStateConflict || err.Error() != tt.reason {
					t.Fatalf("expected conflict %q, got %v", tt.reason, err)
				}
				if n := len(env.events(t)); n != 0 {
					t.Fatalf("log has %d events, want 0", n)
				}
			})
		})
	}
}

func TestReturnRecordsDriftAndMetadata(t *testing.T) {
	bothModes(t, func(t *testing.T, env *testEnv) {
		mustTravel(t, env, rome, date(80, 5, 1, 12))
		env.clock.Advance(90 * time.Second)

		st, err := env.engine.Return(context.Background(), env.agentID)
		if err != nil {
			t.Fatalf("return: %v", err)
		}
		ev := st.Current
		if ev.Kind != travel.KindReturn || ev.ToLocation != nil || *ev.FromLocation != rome {
			t.Fatalf("unexpected return event %+v", ev)
		}
		if want := date(80, 5, 1, 12).Add(90 * time.Second); !ev.Departure.Equal(want) {
			t.Errorf("departure = %s, want %s", ev.Departure, want)
		}
		if !ev.Arrival.Equal(env.clock.Now()) {
			t.Errorf("arrival = %s, want now", ev.Arrival)
		}
		if ev.Metadata["elapsed_real"] != "90 seconds" {
			t.Errorf("elapsed_real = %q", ev.Metadata["elapsed_real"])
		}
		if ev.Metadata["duration_away"] == "" {
			t.Error("duration_away missing")
		}
		if st.Traveling || st.CurrentLocation != nil {
			t.Errorf("agent should be at present: %+v", st)
		}

		res, err := env.engine.QueryCurrent(context.Background(), env.agentID)
		if err != nil {
			t.Fatalf("query current: %v", err)
		}
		if res.Location != nil || res.EventType != "return" {
			t.Fatalf("expected null location with kind return, got %+v", res)
		}
		if res.DepartureTime == nil || !res.DepartureTime.Equal(ev.Arrival) {
			t.Errorf("departure time = %v, want return arrival", res.DepartureTime)
		}
	})
}

func TestForwardBackNetShift(t *testing.T) {
	start := date(80, 5, 1, 12)

	t.Run("frozen clock", func(t *testing.T) {
		bothModes(t, func(t *testing.T, env *testEnv) {
			mustTravel(t, env, rome, start)
			fwd, err := env.engine.Forward(context.Background(), env.agentID)
			if err != nil {
				t.Fatalf("forward: %v", err)
			}
			if want := start.Add(travel.ShiftStep); !fwd.Current.Arrival.Equal(want) {
				t.Fatalf("forward arrival = %s, want %s", fwd.Current.Arrival, want)
			}
			if fwd.Current.Metadata["time_difference"] != "604800 seconds" {
				t.Errorf("time_difference = %q", fwd.Current.Metadata["time_difference"])
			}
			back, err := env.engine.Back(context.Background(), env.agentID)
			if err != nil {
				t.Fatalf("back: %v", err)
			}
			if !back.Current.Arrival.Equal(start) {
				t.Fatalf("net shift = %s, want 0", back.Current.Arrival.Sub(start))
			}
			if *back.Current.ToLocation != rome || *back.Current.FromLocation != rome {
				t.Errorf("location changed: %+v", back.Current)
			}
		})
	})

	t.Run("drifting clock", func(t *testing.T) {
		bothModes(t, func(t *testing.T, env *testEnv) {
			mustTravel(t, env, rome, start)
			env.clock.Advance(10 * time.Second)
			if _, err := env.engine.Forward(context.Background(), env.agentID); err != nil {
				t.Fatalf("forward: %v", err)
			}
			env.clock.Advance(15 * time.Second)
			back, err := env.engine.Back(context.Background(), env.agentID)
			if err != nil {
				t.Fatalf("back: %v", err)
			}
			if got := back.Current.Arrival.Sub(start); got != 25*time.Second {
				t.Fatalf("net shift = %s, want 25s of real time", got)
			}
		})
	})
}

func TestDriftIgnoresBackwardClock(t *testing.T) {
	bothModes(t, func(t *testing.T, env *testEnv) {
		mustTravel(t, env, rome, date(80, 5, 1, 12))
		env.clock.Advance(-time.Hour)
		st, err := env.engine.Forward(context.Background(), env.agentID)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		if !st.Current.Departure.Equal(date(80, 5, 1, 12)) {
			t.Fatalf("departure = %s, want arrival unchanged", st.Current.Departure)
		}
		if st.Current.Metadata["elapsed_real"] != "0 seconds" {
			t.Errorf("elapsed_real = %q", st.Current.Metadata["elapsed_real"])
		}
	})
}

func TestRomeScenario(t *testing.T) {
	bothModes(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		mustTravel(t, env, rome, time.Date(80, 5, 1, 12, 0, 0, 0, time.UTC))

		st, err := env.engine.Forward(ctx, env.agentID)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		if want := date(80, 5, 8, 12); !st.Current.Arrival.Equal(want) {
			t.Fatalf("forward arrival = %s, want %s", st.Current.Arrival, want)
		}

		for _, at := range []time.Time{date(80, 5, 6, 12), date(80, 5, 5, 12)} {
			res, err := env.engine.QueryAt(ctx, env.agentID, at)
			if err != nil {
				t.Fatalf("query at %s: %v", at, err)
			}
			if res.ActiveLocation() != rome {
				t.Fatalf("query at %s: location = %v, want %s", at, res.Location, rome)
			}
			if len(res.Locations) != 1 {
				t.Errorf("query at %s: %d locations, want 1", at, len(res.Locations))
			}
		}

		if _, err := env.engine.Return(ctx, env.agentID); err != nil {
			t.Fatalf("return: %v", err)
		}
		res, err := env.engine.QueryCurrent(ctx, env.agentID)
		if err != nil {
			t.Fatalf("query current: %v", err)
		}
		if res.Location != nil || res.EventType != "return" {
			t.Fatalf("expected present after return, got %+v", res)
		}
	})
}

func TestQueryAtFollowsRealDrift(t *testing.T) {
	bothModes(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		mustTravel(t, env, rome, date(80, 5, 1, 12))

		res, err := env.engine.QueryAt(ctx, env.agentID, date(80, 5, 5, 12))
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if !res.IsAtPresentTime() {
			t.Fatalf("agent has not lived to May 5 yet, got %v", res.Location)
		}

		env.clock.Advance(5 * 24 * time.Hour)
		res, err = env.engine.QueryAt(ctx, env.agentID, date(80, 5, 5, 12))
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if res.ActiveLocation() != rome || res.EventType != "travel" {
			t.Fatalf("after five days of drift: %+v", res)
		}
	})
}

func TestQueryAtBeforeFirstArrival(t *testing.T) {
	bothModes(t, func(t *testing.T, env *testEnv) {
		mustTravel(t, env, rome, date(80, 5, 1, 12))
		res, err := env.engine.QueryAt(context.Background(), env.agentID, date(80, 4, 30, 12))
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if !res.IsAtPresentTime() || len(res.Locations) != 0 || res.EventType != travel.EventPresent {
			t.Fatalf("expected present, got %+v", res)
		}
	})
}

func TestQueryAtSeparateTrips(t *testing.T) {
	bothModes(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		mustTravel(t, env, rome, date(80, 5, 1, 12))
		env.clock.Advance(24 * time.Hour)
		if _, err := env.engine.Return(ctx, env.agentID); err != nil {
			t.Fatalf("return: %v", err)
		}
		mustTravel(t, env, "Giza", date(-2560, 1, 1, 0))
		env.clock.Advance(time.Hour)

		tests := []struct {
			at   time.Time
			want string
		}{
			{date(80, 5, 1, 12), rome},
			{date(80, 5, 2, 12), rome},
			{date(80, 5, 2, 13), ""},
			{date(-2560, 1, 1, 0), "Giza"},
			{date(-2560, 1, 1, 2), ""},
		}
		for _, tt := range tests {
			res, err := env.engine.QueryAt(ctx, env.agentID, tt.at)
			if err != nil {
				t.Fatalf("query at %s: %v", tt.at, err)
			}
			if res.ActiveLocation() != tt.want {
				t.Errorf("query at %s = %q, want %q", tt.at, res.ActiveLocation(), tt.want)
			}
		}
	})
}

func TestSeqHasNoGaps(t *testing.T) {
	bothModes(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		mustTravel(t, env, rome, date(80, 5, 1, 12))
		env.engine.Travel(ctx, env.agentID, "Paris", date(1900, 1, 1, 0))
		env.engine.Forward(ctx, env.agentID)
		env.engine.Back(ctx, env.agentID)
		env.engine.Return(ctx, env.agentID)
		env.engine.Return(ctx, env.agentID)
		mustTravel(t, env, "Paris", date(1900, 1, 1, 0))

		evs := env.events(t)
		if len(evs) != 5 {
			t.Fatalf("log has %d events, want 5", len(evs))
		}
		for i, ev := range evs {
			if ev.Seq != int64(i+1) {
				t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+1)
			}
			if i > 0 && ev.ID <= evs[i-1].ID {
				t.Errorf("id %d not after %d", ev.ID, evs[i-1].ID)
			}
		}
	})
}

func TestConcurrentTravelOneWins(t *testing.T) {
	bothModes(t, func(t *testing.T, env *testEnv) {
		const n = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := env.engine.Travel(context.Background(), env.agentID, rome, date(80, 5, 1, 12))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, travel.ErrStateConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if successes != 1 || conflicts != n-1 {
			t.Fatalf("successes=%d conflicts=%d", successes, conflicts)
		}
		if got := len(env.events(t)); got != 1 {
			t.Fatalf("log has %d events, want 1", got)
		}
		if got := env.observer.transitions["travel:OK"]; got != 1 {
			t.Errorf("observer saw %d successful travels", got)
		}
	})
}

func TestYearOneIsAnInstant(t *testing.T) {
	bothModes(t, func(t *testing.T, env *testEnv) {
		ctx := context.Background()
		yearOne := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
		st := mustTravel(t, env, rome, yearOne)
		if !st.Current.Arrival.Equal(yearOne) {
			t.Fatalf("arrival = %s, want %s", st.Current.Arrival, yearOne)
		}
		res, err := env.engine.QueryAt(ctx, env.agentID, yearOne)
		if err != nil {
			t.Fatalf("query at year one: %v", err)
		}
		if res.ActiveLocation() != rome {
			t.Fatalf("location = %q, want %q", res.ActiveLocation(), rome)
		}
	})
}

func TestInputValidation(t *testing.T) {
	env := newEnv(t, true)
	ctx := context.Background()
	tests := []struct {
		name  string
		call  func() error
		code  travel.Code
		field string
	}{
		{"empty agent", func() error {
			_, err := env.engine.Travel(ctx, "", rome, date(80, 5, 1, 12))
			return err
		}, travel.CodeValidation, "agent_id"},
		{"blank location", func() error {
			_, err := env.engine.Travel(ctx, env.agentID, "   ", date(80, 5, 1, 12))
			return err
		}, travel.CodeValidation, "location"},
		{"blank name", func() error {
			_, err := env.engine.CreateAgent(ctx, " ")
			return err
		}, travel.CodeValidation, "name"},
		{"unknown agent", func() error {
			_, err := env.engine.Return(ctx, "nobody")
			return err
		}, travel.CodeNotFound, ""},
		{"unknown agent query", func() error {
			_, err := env.engine.QueryAt(ctx, "nobody", date(80, 5, 1, 12))
			return err
		}, travel.CodeNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if travel.CodeOf(err) != tt.code {
				t.Fatalf("code = %s (%v), want %s", travel.CodeOf(err), err, tt.code)
			}
			var te *travel.Error
			if errors.As(err, &te) && te.Field != tt.field {
				t.Errorf("field = %q, want %q", te.Field, tt.field)
			}
		})
	}
	if n := len(env.events(t)); n != 0 {
		t.Fatalf("invalid input wrote %d events", n)
	}
}

func TestIndexFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("unset pointer", func(t *testing.T) {
		env := newEnv(t, true)
		mustTravel(t, env, rome, date(80, 5, 1, 12))
		env.store.ClearIndex(env.agentID)
		before := env.observer.fallbacks

		st, err := env.engine.State(ctx, env.agentID)
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if !st.Traveling || *st.CurrentLocation != rome {
			t.Fatalf("fallback lost current state: %+v", st)
		}
		if env.observer.fallbacks != before+1 {
			t.Errorf("fallbacks = %d, want %d", env.observer.fallbacks, before+1)
		}
	})

	t.Run("pointer to another agent", func(t *testing.T) {
		env := newEnv(t, true)
		other, err := env.engine.CreateAgent(ctx, "Doc")
		if err != nil {
			t.Fatalf("create agent: %v", err)
		}
		ost, err := env.engine.Travel(ctx, other.ID, "1955", date(1955, 11, 5, 6))
		if err != nil {
			t.Fatalf("travel: %v", err)
		}
		env.store.CorruptIndex(env.agentID, ost.Current.ID)

		// The index claims Marty is traveling; the log says otherwise.
		mustTravel(t, env, rome, date(80, 5, 1, 12))
		if n := len(env.events(t)); n != 1 {
			t.Fatalf("log has %d events, want 1", n)
		}
	})

	t.Run("pointer to missing event", func(t *testing.T) {
		env := newEnv(t, true)
		env.store.CorruptIndex(env.agentID, 9999)
		res, err := env.engine.QueryCurrent(ctx, env.agentID)
		if err != nil {
			t.Fatalf("query current: %v", err)
		}
		if !res.IsAtPresentTime() {
			t.Fatalf("expected present, got %+v", res)
		}
	})

	t.Run("rebuild", func(t *testing.T) {
		env := newEnv(t, true)
		st := mustTravel(t, env, rome, date(80, 5, 1, 12))
		env.store.ClearIndex(env.agentID)

		ev, err := env.engine.RebuildIndex(ctx, env.agentID)
		if err != nil {
			t.Fatalf("rebuild: %v", err)
		}
		if ev == nil || ev.ID != st.Current.ID {
			t.Fatalf("rebuilt to %v, want %d", ev, st.Current.ID)
		}
		id, ok, _ := env.store.LatestEventID(ctx, env.agentID)
		if !ok || id != st.Current.ID {
			t.Fatalf("index = %d ok=%v", id, ok)
		}
	})
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*travel.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e *travel.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func TestPublishAfterCommit(t *testing.T) {
	env := newEnv(t, true)
	pub := &recordingPublisher{}
	env.engine.SetPublisher(pub)

	mustTravel(t, env, rome, date(80, 5, 1, 12))
	env.engine.Return(context.Background(), env.agentID)
	env.engine.Return(context.Background(), env.agentID)

	if len(pub.events) != 2 {
		t.Fatalf("published %d events, want 2", len(pub.events))
	}
	if pub.events[0].ID == 0 || pub.events[1].Kind != travel.KindReturn {
		t.Errorf("unexpected published events %+v %+v", pub.events[0], pub.events[1])
	}

	pub.err = errors.New("redis down")
	if _, err := env.engine.Forward(context.Background(), env.agentID); !errors.Is(err, travel.ErrStateConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := env.engine.Travel(context.Background(), env.agentID, "Paris", date(1900, 1, 1, 0)); err != nil {
		t.Fatalf("publish failure must not fail the relocation: %v", err)
	}
	if n := len(env.events(t)); n != 3 {
		t.Fatalf("log has %d events, want 3", n)
	}
}

func TestTransitionSpans(t *testing.T) {
	env := newEnv(t, true)
	rec := tracetest.NewSpanRecorder()
	env.engine.SetTracerProvider(trace.NewTracerProvider(trace.WithSpanProcessor(rec)))

	mustTravel(t, env, rome, date(80, 5, 1, 12))
	env.engine.Travel(context.Background(), env.agentID, rome, date(80, 5, 1, 12))
	env.engine.QueryAt(context.Background(), env.agentID, date(80, 5, 1, 12))

	spans := rec.Ended()
	if len(spans) != 3 {
		t.Fatalf("recorded %d spans, want 3", len(spans))
	}
	if spans[0].Name() != "travel.travel" || spans[2].Name() != "travel.query_at" {
		t.Errorf("span names = %s, %s", spans[0].Name(), spans[2].Name())
	}
	if len(spans[1].Events()) == 0 {
		t.Error("failed travel should record its error on the span")
	}
}

// Package storetest is a behavioral suite shared by every travel.Store
// backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/tempus/internal/travel"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) travel.Store

// Run exercises the full Store contract against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AgentLifecycle", func(t *testing.T) { testAgentLifecycle(t, newStore(t)) })
	t.Run("AppendAssignsOrder", func(t *testing.T) { testAppendAssignsOrder(t, newStore(t)) })
	t.Run("FieldsRoundTrip", func(t *testing.T) { testFieldsRoundTrip(t, newStore(t)) })
	t.Run("ExtremeYearsRoundTrip", func(t *testing.T) { testExtremeYearsRoundTrip(t, newStore(t)) })
	t.Run("ScanOrderedFromID", func(t *testing.T) { testScanOrderedFromID(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollbackOnError(t, newStore(t)) })
	t.Run("RollbackOnCancel", func(t *testing.T) { testRollbackOnCancel(t, newStore(t)) })
	t.Run("WritesVisibleInsideUpdate", func(t *testing.T) { testWritesVisibleInsideUpdate(t, newStore(t)) })
	t.Run("ConcurrentAgents", func(t *testing.T) { testConcurrentAgents(t, newStore(t)) })
	t.Run("SameAgentSerialized", func(t *testing.T) { testSameAgentSerialized(t, newStore(t)) })
}

var base = time.Date(80, time.May, 1, 12, 0, 0, 0, time.UTC)

func loc(s string) *string { return &s }

func appendOne(t *testing.T, s travel.Store, agentID string, kind travel.Kind, to *string) *travel.Event {
	t.Helper()
	ev := &travel.Event{
		AgentID:    agentID,
		Kind:       kind,
		ToLocation: to,
		Departure:  base,
		Arrival:    base,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	err := s.Update(context.Background(), agentID, func(w travel.Writer) error {
		id, err := w.Append(context.Background(), ev)
		if err != nil {
			return err
		}
		return w.SetLatest(context.Background(), agentID, id)
	})
	if err != nil {
		t.Fatalf("append %s: %v", kind, err)
	}
	return ev
}

func collect(t *testing.T, s travel.Reader, agentID string, fromID int64) []*travel.Event {
	t.Helper()
	var out []*travel.Event
	for ev, err := range s.ScanOrdered(context.Background(), agentID, fromID) {
		if err != nil {
			t.Fatalf("scan ordered: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func testAgentLifecycle(t *testing.T, s travel.Store) {
	ctx := context.Background()
	a, err := s.CreateAgent(ctx, "Marty")
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if a.ID == "" || a.Name != "Marty" {
		t.Fatalf("unexpected agent %+v", a)
	}
	got, err := s.Agent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Name != "Marty" || got.LatestEventID != nil {
		t.Fatalf("unexpected agent %+v", got)
	}
	if _, ok, err := s.LatestEventID(ctx, a.ID); err != nil || ok {
		t.Fatalf("expected unset index, ok=%v err=%v", ok, err)
	}
	if ev, err := s.ScanLatest(ctx, a.ID); err != nil || ev != nil {
		t.Fatalf("expected empty log, ev=%v err=%v", ev, err)
	}

	_, err = s.Agent(ctx, "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, travel.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func testAppendAssignsOrder(t *testing.T, s travel.Store) {
	ctx := context.Background()
	a, _ := s.CreateAgent(ctx, "Doc")
	b, _ := s.CreateAgent(ctx, "Einstein")

	var lastID int64
	for i := 0; i < 4; i++ {
		for _, agentID := range []string{a.ID, b.ID} {
			ev := appendOne(t, s, agentID, travel.KindTravel, loc("Hill Valley"))
			if ev.ID <= lastID {
				t.Fatalf("id %d not greater than %d", ev.ID, lastID)
			}
			lastID = ev.ID
		}
	}

	for _, agentID := range []string{a.ID, b.ID} {
		evs := collect(t, s, agentID, 0)
		if len(evs) != 4 {
			t.Fatalf("expected 4 events, got %d", len(evs))
		}
		for i, ev := range evs {
			if ev.Seq != int64(i+1) {
				t.Errorf("event %d: seq = %d, want %d", ev.ID, ev.Seq, i+1)
			}
			if ev.AgentID != agentID {
				t.Errorf("event %d belongs to %s", ev.ID, ev.AgentID)
			}
			if i > 0 && ev.ID <= evs[i-1].ID {
				t.Errorf("events out of order: %d after %d", ev.ID, evs[i-1].ID)
			}
		}
		latest, err := s.ScanLatest(ctx, agentID)
		if err != nil || latest == nil {
			t.Fatalf("scan latest: %v", err)
		}
		if latest.ID != evs[3].ID {
			t.Errorf("scan latest = %d, want %d", latest.ID, evs[3].ID)
		}
		id, ok, err := s.LatestEventID(ctx, agentID)
		if err != nil || !ok || id != latest.ID {
			t.Errorf("index = %d ok=%v err=%v, want %d", id, ok, err, latest.ID)
		}
	}

	if ev, err := s.EventByID(ctx, lastID+1000); err != nil || ev != nil {
		t.Fatalf("expected missing event, ev=%v err=%v", ev, err)
	}
}

func testFieldsRoundTrip(t *testing.T, s travel.Store) {
	ctx := context.Background()
	a, _ := s.CreateAgent(ctx, "Marty")
	from := "41.9028,12.4964"
	want := &travel.Event{
		AgentID:      a.ID,
		Kind:         travel.KindForward,
		FromLocation: &from,
		ToLocation:   &from,
		Departure:    base,
		Arrival:      base.Add(travel.ShiftStep),
		Metadata:     map[string]string{"time_difference": "604800 seconds"},
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	err := s.Update(ctx, a.ID, func(w travel.Writer) error {
		_, err := w.Append(ctx, want)
		return err
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.EventByID(ctx, want.ID)
	if err != nil || got == nil {
		t.Fatalf("event by id: %v", err)
	}
	if got.Kind != want.Kind || got.AgentID != a.ID || got.Seq != 1 {
		t.Errorf("unexpected header %+v", got)
	}
	if got.FromLocation == nil || *got.FromLocation != from || got.ToLocation == nil || *got.ToLocation != from {
		t.Errorf("locations not preserved: %v -> %v", got.FromLocation, got.ToLocation)
	}
	if !got.Departure.Equal(want.Departure) || !got.Arrival.Equal(want.Arrival) {
		t.Errorf("times = %s..%s, want %s..%s", got.Departure, got.Arrival, want.Departure, want.Arrival)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("created_at = %s, want %s", got.CreatedAt, want.CreatedAt)
	}
	if got.Metadata["time_difference"] != "604800 seconds" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	ret := appendOne(t, s, a.ID, travel.KindReturn, nil)
	got, _ = s.EventByID(ctx, ret.ID)
	if got.ToLocation != nil || got.FromLocation != nil {
		t.Errorf("expected null locations, got %v -> %v", got.FromLocation, got.ToLocation)
	}
}

func testExtremeYearsRoundTrip(t *testing.T, s travel.Store) {
	ctx := context.Background()
	a, _ := s.CreateAgent(ctx, "Giza")
	place := "29.9792,31.1342"
	arrivals := []time.Time{
		time.Date(-2560, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(0, time.March, 1, 6, 30, 0, 0, time.UTC),
		time.Date(9999, time.December, 30, 12, 0, 0, 0, time.UTC),
		time.Date(10000, time.January, 6, 12, 0, 0, 0, time.UTC),
	}
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := s.Update(ctx, a.ID, func(w travel.Writer) error {
		for i, arr := range arrivals {
			dep := created
			if i > 0 {
				dep = arrivals[i-1]
			}
			id, err := w.Append(ctx, &travel.Event{
				AgentID:    a.ID,
				Kind:       travel.KindTravel,
				ToLocation: &place,
				Departure:  dep,
				Arrival:    arr,
				CreatedAt:  created,
			})
			if err != nil {
				return err
			}
			if err := w.SetLatest(ctx, a.ID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	evs := collect(t, s, a.ID, 0)
	if len(evs) != len(arrivals) {
		t.Fatalf("scanned %d events, want %d", len(evs), len(arrivals))
	}
	for i, ev := range evs {
		if !ev.Arrival.Equal(arrivals[i]) {
			t.Errorf("event %d arrival = %s, want %s", i, ev.Arrival, arrivals[i])
		}
		if i > 0 && !ev.Departure.Equal(arrivals[i-1]) {
			t.Errorf("event %d departure = %s, want %s", i, ev.Departure, arrivals[i-1])
		}
		if !ev.CreatedAt.Equal(created) {
			t.Errorf("event %d created_at = %s, want %s", i, ev.CreatedAt, created)
		}
	}

	latest, err := s.ScanLatest(ctx, a.ID)
	if err != nil || latest == nil {
		t.Fatalf("scan latest: ev=%v err=%v", latest, err)
	}
	if last := arrivals[len(arrivals)-1]; !latest.Arrival.Equal(last) {
		t.Errorf("latest arrival = %s, want %s", latest.Arrival, last)
	}
	byID, err := s.EventByID(ctx, evs[0].ID)
	if err != nil || byID == nil {
		t.Fatalf("event by id: ev=%v err=%v", byID, err)
	}
	if !byID.Arrival.Equal(arrivals[0]) {
		t.Errorf("event by id arrival = %s, want %s", byID.Arrival, arrivals[0])
	}
}

func testScanOrderedFromID(t *testing.T, s travel.Store) {
	a, _ := s.CreateAgent(context.Background(), "Doc")
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, appendOne(t, s, a.ID, travel.KindTravel, loc(fmt.Sprint(i))).ID)
	}
	evs := collect(t, s, a.ID, ids[2])
	if len(evs) != 3 || evs[0].ID != ids[2] {
		t.Fatalf("scan from %d returned %d events", ids[2], len(evs))
	}

	n := 0
	for range s.ScanOrdered(context.Background(), a.ID, 0) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("early stop consumed %d events", n)
	}
}

func testRollbackOnError(t *testing.T, s travel.Store) {
	ctx := context.Background()
	a, _ := s.CreateAgent(ctx, "Biff")
	boom := errors.New("boom")
	err := s.Update(ctx, a.ID, func(w travel.Writer) error {
		id, err := w.Append(ctx, &travel.Event{
			AgentID: a.ID, Kind: travel.KindTravel, ToLocation: loc("1955"),
			Departure: base, Arrival: base, CreatedAt: base,
		})
		if err != nil {
			return err
		}
		if err := w.SetLatest(ctx, a.ID, id); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if evs := collect(t, s, a.ID, 0); len(evs) != 0 {
		t.Fatalf("rolled back update left %d events", len(evs))
	}
	if _, ok, _ := s.LatestEventID(ctx, a.ID); ok {
		t.Fatal("rolled back update left an index entry")
	}

	ev := appendOne(t, s, a.ID, travel.KindTravel, loc("1985"))
	if ev.Seq != 1 {
		t.Fatalf("seq after rollback = %d, want 1", ev.Seq)
	}
}

func testRollbackOnCancel(t *testing.T, s travel.Store) {
	a, _ := s.CreateAgent(context.Background(), "Biff")
	ctx, cancel := context.WithCancel(context.Background())
	err := s.Update(ctx, a.ID, func(w travel.Writer) error {
		id, err := w.Append(ctx, &travel.Event{
			AgentID: a.ID, Kind: travel.KindTravel, ToLocation: loc("2015"),
			Departure: base, Arrival: base, CreatedAt: base,
		})
		if err != nil {
			return err
		}
		if err := w.SetLatest(ctx, a.ID, id); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if err == nil {
		t.Fatal("expected cancelled update to fail")
	}
	if evs := collect(t, s, a.ID, 0); len(evs) != 0 {
		t.Fatalf("cancelled update left %d events", len(evs))
	}
	if _, ok, _ := s.LatestEventID(context.Background(), a.ID); ok {
		t.Fatal("cancelled update left an index entry")
	}
}

func testWritesVisibleInsideUpdate(t *testing.T, s travel.Store) {
	ctx := context.Background()
	a, _ := s.CreateAgent(ctx, "Clara")
	err := s.Update(ctx, a.ID, func(w travel.Writer) error {
		id, err := w.Append(ctx, &travel.Event{
			AgentID: a.ID, Kind: travel.KindTravel, ToLocation: loc("1885"),
			Departure: base, Arrival: base, CreatedAt: base,
		})
		if err != nil {
			return err
		}
		if err := w.SetLatest(ctx, a.ID, id); err != nil {
			return err
		}
		got, ok, err := w.LatestEventID(ctx, a.ID)
		if err != nil || !ok || got != id {
			return fmt.Errorf("index inside update = %d ok=%v err=%v", got, ok, err)
		}
		ev, err := w.EventByID(ctx, id)
		if err != nil || ev == nil {
			return fmt.Errorf("event inside update: %v", err)
		}
		latest, err := w.ScanLatest(ctx, a.ID)
		if err != nil || latest == nil || latest.ID != id {
			return fmt.Errorf("scan latest inside update: %v %v", latest, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = s.View(ctx, func(r travel.Reader) error {
		if evs := collect(t, r, a.ID, 0); len(evs) != 1 {
			return fmt.Errorf("view saw %d events", len(evs))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testConcurrentAgents(t *testing.T, s travel.Store) {
	ctx := context.Background()
	const agents, perAgent = 4, 5
	ids := make([]string, agents)
	for i := range ids {
		a, err := s.CreateAgent(ctx, fmt.Sprintf("agent-%d", i))
		if err != nil {
			t.Fatalf("create agent: %v", err)
		}
		ids[i] = a.ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, agents*perAgent)
	for _, id := range ids {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			for j := 0; j < perAgent; j++ {
				errs <- s.Update(ctx, agentID, func(w travel.Writer) error {
					id, err := w.Append(ctx, &travel.Event{
						AgentID: agentID, Kind: travel.KindTravel, ToLocation: loc("x"),
						Departure: base, Arrival: base, CreatedAt: base,
					})
					if err != nil {
						return err
					}
					return w.SetLatest(ctx, agentID, id)
				})
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent update: %v", err)
		}
	}
	for _, id := range ids {
		evs := collect(t, s, id, 0)
		if len(evs) != perAgent {
			t.Fatalf("agent %s has %d events", id, len(evs))
		}
		for i, ev := range evs {
			if ev.Seq != int64(i+1) {
				t.Fatalf("agent %s seq gap at %d: %d", id, i, ev.Seq)
			}
		}
	}
}

func testSameAgentSerialized(t *testing.T, s travel.Store) {
	ctx := context.Background()
	a, _ := s.CreateAgent(ctx, "Jennifer")

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Update(ctx, a.ID, func(w travel.Writer) error {
				// Only the first writer to get in may append.
				if _, ok, err := w.LatestEventID(ctx, a.ID); err != nil || ok {
					return err
				}
				id, err := w.Append(ctx, &travel.Event{
					AgentID: a.ID, Kind: travel.KindTravel, ToLocation: loc("once"),
					Departure: base, Arrival: base, CreatedAt: base,
				})
				if err != nil {
					return err
				}
				return w.SetLatest(ctx, a.ID, id)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	if evs := collect(t, s, a.ID, 0); len(evs) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(evs))
	}
}

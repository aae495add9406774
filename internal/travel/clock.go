package travel

import "time"

// Clock supplies wall-clock time. Tests substitute a controllable clock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// second truncates t to whole-second UTC, the granularity all comparisons use.
func second(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Elapsed returns the whole seconds of real time between e being recorded
// and now. Clock skew never yields a negative value.
func Elapsed(e *Event, now time.Time) time.Duration {
	d := second(now).Sub(second(e.CreatedAt))
	if d < 0 {
		return 0
	}
	return d
}

// Drift advances e's arrival by the real time elapsed since e was recorded.
// While traveling the agent's subjective clock runs 1:1 with real time, so
// this is where the agent "is" now, and where the next event departs from.
func Drift(e *Event, now time.Time) time.Time {
	return second(e.Arrival).Add(Elapsed(e, now))
}

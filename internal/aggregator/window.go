package aggregator

import (
	"fmt"
	"time"
)

// Window - торговая сессия в минутах от полуночи, границы включительно.
// Нулевое значение пропускает все свечи.
type Window struct {
	start, end int
	loc        *time.Location
	set        bool
}

// ParseWindow разбирает границы вида "15:04" в зоне tz.
func ParseWindow(start, end, tz string) (Window, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Window{}, fmt.Errorf("aggregator: timezone %q: %w", tz, err)
	}
	s, err := minuteOfDay(start)
	if err != nil {
		return Window{}, fmt.Errorf("aggregator: session start: %w", err)
	}
	e, err := minuteOfDay(end)
	if err != nil {
		return Window{}, fmt.Errorf("aggregator: session end: %w", err)
	}
	if e < s {
		return Window{}, fmt.Errorf("aggregator: session end %s before start %s", end, start)
	}
	return Window{start: s, end: e, loc: loc, set: true}, nil
}

// Contains - попадает ли минута t в сессию.
func (w Window) Contains(t time.Time) bool {
	if !w.set {
		return true
	}
	lt := t.In(w.loc)
	m := lt.Hour()*60 + lt.Minute()
	return m >= w.start && m <= w.end
}

// Location - зона сессии; UTC для нулевого окна.
func (w Window) Location() *time.Location {
	if w.loc == nil {
		return time.UTC
	}
	return w.loc
}

func minuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

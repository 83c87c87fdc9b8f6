package calendar

import (
	"fmt"
	"time"
)

// Status is the trading status of an instrument at an instant.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusClosed   Status = "CLOSED"
	StatusRollover Status = "ROLLOVER"
)

// ClosureKind identifies which rule produced a closed interval.
type ClosureKind string

const (
	ClosureWeekly  ClosureKind = "WEEKLY"
	ClosureDaily   ClosureKind = "DAILY_BREAK"
	ClosureHoliday ClosureKind = "HOLIDAY"
)

// WeeklyClosure is the recurring weekend window. Times are offsets from UTC midnight.
type WeeklyClosure struct {
	CloseDay  time.Weekday
	CloseTime time.Duration
	OpenDay   time.Weekday
	OpenTime  time.Duration
}

// DailyBreak is a recurring intraday halt such as a rollover. End may be before Start
// when the break wraps midnight.
type DailyBreak struct {
	Start time.Duration
	End   time.Duration
}

// Holiday is a recurring full-day (UTC) closure.
type Holiday struct {
	Month time.Month
	Day   int
}

// SessionWindow describes when an instrument is expected to print bars.
// A window with no weekly closure, breaks or holidays trades continuously.
type SessionWindow struct {
	Name        string
	BarInterval time.Duration
	Weekly      *WeeklyClosure
	DailyBreaks []DailyBreak
	Holidays    []Holiday
}

// Interval is a half-open [Start, End) span.
type Interval struct {
	Start time.Time
	End   time.Time
	Kind  ClosureKind
}

// Duration returns End - Start.
func (i Interval) Duration() time.Duration { return i.End.Sub(i.Start) }

// Contains reports whether ts falls inside [Start, End).
func (i Interval) Contains(ts time.Time) bool {
	return !ts.Before(i.Start) && ts.Before(i.End)
}

const day = 24 * time.Hour

// FX returns the standard FX majors session: closed Friday 22:00 to Sunday 22:00 UTC,
// plus 25 December and 1 January.
func FX(interval time.Duration) SessionWindow {
	return SessionWindow{
		Name:        "fx",
		BarInterval: interval,
		Weekly: &WeeklyClosure{
			CloseDay: time.Friday, CloseTime: 22 * time.Hour,
			OpenDay: time.Sunday, OpenTime: 22 * time.Hour,
		},
		Holidays: []Holiday{{Month: time.December, Day: 25}, {Month: time.January, Day: 1}},
	}
}

// Metals returns the spot metals session: FX weekend timing closing an hour earlier
// with a daily 21:00-22:00 UTC rollover halt.
func Metals(interval time.Duration) SessionWindow {
	return SessionWindow{
		Name:        "metals",
		BarInterval: interval,
		Weekly: &WeeklyClosure{
			CloseDay: time.Friday, CloseTime: 21 * time.Hour,
			OpenDay: time.Sunday, OpenTime: 22 * time.Hour,
		},
		DailyBreaks: []DailyBreak{{Start: 21 * time.Hour, End: 22 * time.Hour}},
		Holidays:    []Holiday{{Month: time.December, Day: 25}, {Month: time.January, Day: 1}},
	}
}

// Continuous returns a session that never closes.
func Continuous(interval time.Duration) SessionWindow {
	return SessionWindow{Name: "continuous", BarInterval: interval}
}

// Validate checks the window for out-of-range values.
func (w SessionWindow) Validate() error {
	if w.BarInterval <= 0 {
		return fmt.Errorf("session %q: bar interval must be positive", w.Name)
	}
	if day%w.BarInterval != 0 && w.BarInterval%day != 0 {
		return fmt.Errorf("session %q: bar interval %s does not divide a day", w.Name, w.BarInterval)
	}
	if wc := w.Weekly; wc != nil {
		if !validClock(wc.CloseTime) || !validClock(wc.OpenTime) {
			return fmt.Errorf("session %q: weekly closure times must be within [0,24h)", w.Name)
		}
		if wc.CloseDay < time.Sunday || wc.CloseDay > time.Saturday || wc.OpenDay < time.Sunday || wc.OpenDay > time.Saturday {
			return fmt.Errorf("session %q: invalid weekday in weekly closure", w.Name)
		}
	}
	for i, b := range w.DailyBreaks {
		if !validClock(b.Start) || !validClock(b.End) || b.Start == b.End {
			return fmt.Errorf("session %q: daily break %d is invalid", w.Name, i)
		}
	}
	for i, h := range w.Holidays {
		if h.Month < time.January || h.Month > time.December || h.Day < 1 || h.Day > 31 {
			return fmt.Errorf("session %q: holiday %d has invalid date", w.Name, i)
		}
	}
	return nil
}

// OffGridBoundaries lists the weekly and daily closure edges that do not fall on the bar
// grid, formatted as HH:MM UTC. Gaps spanning such an edge cannot be split.
func (w SessionWindow) OffGridBoundaries() []string {
	step := w.BarInterval
	if step <= 0 {
		return nil
	}
	if step > day {
		step = day
	}
	var out []string
	add := func(edge string, d time.Duration) {
		if d%step != 0 {
			out = append(out, fmt.Sprintf("%s %02d:%02d", edge, int(d/time.Hour), int(d%time.Hour/time.Minute)))
		}
	}
	if wc := w.Weekly; wc != nil {
		add("weekly close", wc.CloseTime)
		add("weekly open", wc.OpenTime)
	}
	for _, b := range w.DailyBreaks {
		add("break start", b.Start)
		add("break end", b.End)
	}
	return out
}

func validClock(d time.Duration) bool { return d >= 0 && d < day }

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// closures enumerates the raw (unmerged) closed intervals that overlap [start, end).
func (w SessionWindow) closures(start, end time.Time) []Interval {
	var out []Interval
	// A weekly closure can begin up to a week before start.
	from := midnight(start).Add(-7 * day)
	for d := from; d.Before(end); d = d.Add(day) {
		if wc := w.Weekly; wc != nil && d.Weekday() == wc.CloseDay {
			s := d.Add(wc.CloseTime)
			ahead := (int(wc.OpenDay) - int(wc.CloseDay) + 7) % 7
			if ahead == 0 && wc.OpenTime <= wc.CloseTime {
				ahead = 7
			}
			e := d.Add(time.Duration(ahead)*day + wc.OpenTime)
			out = appendOverlap(out, Interval{Start: s, End: e, Kind: ClosureWeekly}, start, end)
		}
		for _, b := range w.DailyBreaks {
			s := d.Add(b.Start)
			e := d.Add(b.End)
			if b.End < b.Start {
				e = e.Add(day)
			}
			out = appendOverlap(out, Interval{Start: s, End: e, Kind: ClosureDaily}, start, end)
		}
		for _, h := range w.Holidays {
			if d.Month() == h.Month && d.Day() == h.Day {
				out = appendOverlap(out, Interval{Start: d, End: d.Add(day), Kind: ClosureHoliday}, start, end)
			}
		}
	}
	return out
}

func appendOverlap(out []Interval, iv Interval, start, end time.Time) []Interval {
	if iv.End.After(start) && iv.Start.Before(end) {
		out = append(out, iv)
	}
	return out
}

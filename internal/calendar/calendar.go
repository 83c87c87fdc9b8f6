// Package calendar maps an instrument and a UTC instant to its trading status.
// Every lookup is pure and deterministic.
package calendar

import (
	"fmt"
	"sort"
	"time"

	"replayGuard/internal/ports"
)

// Calendar resolves session windows by instrument.
type Calendar struct {
	sessions map[string]SessionWindow
}

// New creates a Calendar after validating every session window.
func New(sessions map[string]SessionWindow) (*Calendar, error) {
	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: calendar requires at least one session", ports.ErrConfigurationError)
	}
	c := &Calendar{sessions: make(map[string]SessionWindow, len(sessions))}
	for inst, w := range sessions {
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ports.ErrConfigurationError, inst, err)
		}
		c.sessions[inst] = w
	}
	return c, nil
}

// Session returns the window configured for instrument.
func (c *Calendar) Session(instrument string) (SessionWindow, error) {
	w, ok := c.sessions[instrument]
	if !ok {
		return SessionWindow{}, fmt.Errorf("%w: %s", ports.ErrUnknownInstrument, instrument)
	}
	return w, nil
}

// Instruments returns the configured instruments in sorted order.
func (c *Calendar) Instruments() []string {
	out := make([]string, 0, len(c.sessions))
	for k := range c.sessions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Status reports whether the instrument is open, closed or in a rollover break at ts.
// Weekly and holiday closures take precedence over daily breaks.
func (c *Calendar) Status(instrument string, ts time.Time) (Status, error) {
	w, err := c.Session(instrument)
	if err != nil {
		return "", err
	}
	return w.status(ts.UTC()), nil
}

func (w SessionWindow) status(ts time.Time) Status {
	st := StatusOpen
	for _, iv := range w.closures(ts, ts.Add(time.Nanosecond)) {
		if !iv.Contains(ts) {
			continue
		}
		if iv.Kind == ClosureDaily {
			st = StatusRollover
			continue
		}
		return StatusClosed
	}
	return st
}

// IsOpen reports whether a bar stamped ts is expected for the instrument.
func (c *Calendar) IsOpen(instrument string, ts time.Time) (bool, error) {
	st, err := c.Status(instrument, ts)
	if err != nil {
		return false, err
	}
	return st == StatusOpen, nil
}

// NextExpectedBar returns the first bar timestamp strictly after ts that falls on the
// instrument's bar grid inside an open session.
func (c *Calendar) NextExpectedBar(instrument string, ts time.Time) (time.Time, error) {
	w, err := c.Session(instrument)
	if err != nil {
		return time.Time{}, err
	}
	next := ts.UTC().Truncate(w.BarInterval).Add(w.BarInterval)
	// Bounded: each iteration skips a whole closure, and closures cannot chain for more than a few weeks.
	for i := 0; i < 64; i++ {
		closed := mergeIntervals(w.closures(next, next.Add(time.Nanosecond)))
		if len(closed) == 0 {
			return next, nil
		}
		next = ceil(closed[0].End, w.BarInterval)
	}
	return time.Time{}, fmt.Errorf("%s: no open bar found after %s", instrument, ts.Format(time.RFC3339))
}

// ClosedIntervals returns merged closures clipped to [start, end), ordered by start.
func (c *Calendar) ClosedIntervals(instrument string, start, end time.Time) ([]Interval, error) {
	w, err := c.Session(instrument)
	if err != nil {
		return nil, err
	}
	return w.merged(start.UTC(), end.UTC()), nil
}

// OpenDuration returns the time inside [start, end) during which the instrument trades.
func (c *Calendar) OpenDuration(instrument string, start, end time.Time) (time.Duration, error) {
	if !end.After(start) {
		return 0, nil
	}
	closed, err := c.ClosedIntervals(instrument, start, end)
	if err != nil {
		return 0, err
	}
	total := end.Sub(start)
	for _, iv := range closed {
		total -= iv.Duration()
	}
	return total, nil
}

// Split partitions [start, end) into its closure pieces and its open remainder.
// Together the two lists tile the span exactly.
func (c *Calendar) Split(instrument string, start, end time.Time) (closed, open []Interval, err error) {
	closed, err = c.ClosedIntervals(instrument, start, end)
	if err != nil {
		return nil, nil, err
	}
	cursor := start.UTC()
	for _, iv := range closed {
		if iv.Start.After(cursor) {
			open = append(open, Interval{Start: cursor, End: iv.Start})
		}
		cursor = iv.End
	}
	if end.After(cursor) {
		open = append(open, Interval{Start: cursor, End: end.UTC()})
	}
	return closed, open, nil
}

// OnGrid reports whether ts sits on the instrument's bar grid.
func (c *Calendar) OnGrid(instrument string, ts time.Time) (bool, error) {
	w, err := c.Session(instrument)
	if err != nil {
		return false, err
	}
	return ts.UTC().Truncate(w.BarInterval).Equal(ts.UTC()), nil
}

func (w SessionWindow) merged(start, end time.Time) []Interval {
	out := mergeIntervals(w.closures(start, end))
	for i := range out {
		if out[i].Start.Before(start) {
			out[i].Start = start
		}
		if out[i].End.After(end) {
			out[i].End = end
		}
	}
	return out
}

func mergeIntervals(raw []Interval) []Interval {
	if len(raw) == 0 {
		return nil
	}
	sort.Slice(raw, func(i, j int) bool { return raw[i].Start.Before(raw[j].Start) })
	out := []Interval{raw[0]}
	for _, iv := range raw[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			if iv.Kind != ClosureDaily {
				last.Kind = iv.Kind
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

func ceil(t time.Time, d time.Duration) time.Time {
	tr := t.Truncate(d)
	if tr.Equal(t) {
		return t
	}
	return tr.Add(d)
}

package quality

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"replayGuard/internal/calendar"
	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
)

// DetectorConfig holds the gap thresholds.
type DetectorConfig struct {
	// SpacingMultiple is how many bar intervals must elapse before a pair is a gap.
	SpacingMultiple float64
	// MinGap is the smallest reportable gap; shorter pieces are treated as noise.
	MinGap time.Duration
	// HighSeverity separates UNEXPECTED_MEDIUM from UNEXPECTED_HIGH.
	HighSeverity time.Duration
	// ApplySessionCalendar splits gaps against session closures. When false every gap
	// is classified by duration alone and expected hours are wall-clock hours.
	ApplySessionCalendar bool
}

// DefaultDetectorConfig returns the standard thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		SpacingMultiple:      1.0,
		MinGap:               4 * time.Hour,
		HighSeverity:         48 * time.Hour,
		ApplySessionCalendar: true,
	}
}

// Validate rejects out-of-range thresholds.
func (c DetectorConfig) Validate() error {
	switch {
	case c.SpacingMultiple < 1:
		return fmt.Errorf("%w: spacing multiple must be >= 1, got %v", ports.ErrConfigurationError, c.SpacingMultiple)
	case c.MinGap <= 0:
		return fmt.Errorf("%w: minimum gap must be positive", ports.ErrConfigurationError)
	case c.HighSeverity <= c.MinGap:
		return fmt.Errorf("%w: high severity threshold %s must exceed minimum gap %s",
			ports.ErrConfigurationError, c.HighSeverity, c.MinGap)
	}
	return nil
}

// Detector finds and classifies discontinuities in a candle series.
type Detector struct {
	cfg     DetectorConfig
	cal     *calendar.Calendar
	logger  ports.Logger
	metrics ports.Metrics
}

// NewDetector creates a Detector.
func NewDetector(cfg DetectorConfig, cal *calendar.Calendar, logger ports.Logger, metrics ports.Metrics) (*Detector, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cal == nil {
		return nil, errors.New("calendar is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	d := &Detector{cfg: cfg, cal: cal, logger: logger, metrics: metrics}
	if cfg.ApplySessionCalendar {
		d.warnOffGrid()
	}
	return d, nil
}

// warnOffGrid logs instruments whose closure edges miss the bar grid. Gaps across those
// edges are reported as unexpected and flagged for review.
func (d *Detector) warnOffGrid() {
	for _, inst := range d.cal.Instruments() {
		w, err := d.cal.Session(inst)
		if err != nil {
			continue
		}
		if edges := w.OffGridBoundaries(); len(edges) > 0 {
			d.logger.Warn(context.Background(), "Session closure edges are off the bar grid", map[string]interface{}{
				"instrument":  inst,
				"barInterval": w.BarInterval.String(),
				"edges":       edges,
			})
		}
	}
}

// Config returns the detector thresholds.
func (d *Detector) Config() DetectorConfig { return d.cfg }

// Detect walks consecutive candle pairs and returns classified gap records in time order.
func (d *Detector) Detect(ctx context.Context, instrument string, candles []domain.Candle) ([]domain.GapRecord, int, error) {
	if err := ValidateSeries(instrument, candles); err != nil {
		return nil, 0, err
	}
	session, err := d.cal.Session(instrument)
	if err != nil {
		return nil, 0, err
	}
	threshold := time.Duration(d.cfg.SpacingMultiple * float64(session.BarInterval))

	var (
		gaps      []domain.GapRecord
		ambiguous int
	)
	for i := 1; i < len(candles); i++ {
		prev, next := candles[i-1].Timestamp.UTC(), candles[i].Timestamp.UTC()
		elapsed := next.Sub(prev)
		if elapsed <= threshold || elapsed < d.cfg.MinGap {
			continue
		}
		records, amb, err := d.classify(ctx, instrument, session, prev, next)
		if err != nil {
			return nil, 0, err
		}
		if amb {
			ambiguous++
		}
		for _, g := range records {
			d.metrics.ObserveGap(instrument, string(g.Classification), g.Duration.Hours())
		}
		gaps = append(gaps, records...)
	}
	return gaps, ambiguous, nil
}

// classify turns one discontinuity [prev, next] into gap records.
func (d *Detector) classify(ctx context.Context, instrument string, session calendar.SessionWindow, prev, next time.Time) ([]domain.GapRecord, bool, error) {
	gctx := domain.GapContext{PrevBar: prev, NextBar: next, Elapsed: next.Sub(prev)}

	if !d.cfg.ApplySessionCalendar {
		gctx.ExpectedBars = int(gctx.Elapsed/session.BarInterval) - 1
		return []domain.GapRecord{d.record(instrument, prev, next, d.severity(next.Sub(prev)), gctx, false)}, false, nil
	}

	closed, open, err := d.cal.Split(instrument, prev, next)
	if err != nil {
		return nil, false, err
	}
	for _, iv := range closed {
		gctx.ClosureHours += iv.Duration().Hours()
	}
	gctx.ExpectedBars = expectedBars(open, session.BarInterval)

	onGrid, err := d.aligned(instrument, closed, prev, next)
	if err != nil {
		return nil, false, err
	}
	if len(closed) > 0 && len(open) > 0 && !onGrid {
		// Cannot say which side of the boundary the missing bars belong to.
		d.logger.Warn(ctx, "Ambiguous gap straddles closure boundary, classified unexpected", map[string]interface{}{
			"instrument": instrument,
			"start":      prev.Format(time.RFC3339),
			"end":        next.Format(time.RFC3339),
			"hours":      gctx.Elapsed.Hours(),
		})
		return []domain.GapRecord{d.record(instrument, prev, next, domain.GapUnexpectedMedium, gctx, true)}, true, nil
	}

	var records []domain.GapRecord
	for _, iv := range closed {
		if iv.Duration() < d.cfg.MinGap {
			continue
		}
		records = append(records, d.record(instrument, iv.Start, iv.End, domain.GapExpectedClosure, gctx, false))
	}
	for _, iv := range open {
		if iv.Duration() < d.cfg.MinGap {
			continue
		}
		records = append(records, d.record(instrument, iv.Start, iv.End, d.severity(iv.Duration()), gctx, false))
	}
	sortGaps(records)
	return records, false, nil
}

// aligned reports whether every closure boundary strictly inside the span sits on the bar grid.
func (d *Detector) aligned(instrument string, closed []calendar.Interval, prev, next time.Time) (bool, error) {
	for _, iv := range closed {
		for _, b := range []time.Time{iv.Start, iv.End} {
			if !b.After(prev) || !b.Before(next) {
				continue
			}
			ok, err := d.cal.OnGrid(instrument, b)
			if err != nil || !ok {
				return false, err
			}
		}
	}
	return true, nil
}

func (d *Detector) severity(dur time.Duration) domain.GapClassification {
	if dur < d.cfg.HighSeverity {
		return domain.GapUnexpectedMedium
	}
	return domain.GapUnexpectedHigh
}

func (d *Detector) record(instrument string, start, end time.Time, cls domain.GapClassification, gctx domain.GapContext, review bool) domain.GapRecord {
	return domain.GapRecord{
		Instrument:      instrument,
		Start:           start,
		End:             end,
		Duration:        end.Sub(start),
		Classification:  cls,
		CoverageContext: gctx,
		NeedsReview:     review,
	}
}

// expectedBars counts grid bars strictly inside the open pieces of a gap, excluding the
// bar that opens the span.
func expectedBars(open []calendar.Interval, interval time.Duration) int {
	n := 0
	for i, iv := range open {
		first := iv.Start.Truncate(interval)
		if first.Before(iv.Start) {
			first = first.Add(interval)
		}
		if i == 0 {
			first = first.Add(interval)
		}
		if iv.End.After(first) {
			n += int((iv.End.Sub(first) + interval - 1) / interval)
		}
	}
	return n
}

func sortGaps(g []domain.GapRecord) {
	sort.SliceStable(g, func(i, j int) bool { return g[i].Start.Before(g[j].Start) })
}

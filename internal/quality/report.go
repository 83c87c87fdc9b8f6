package quality

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"replayGuard/internal/calendar"
	"replayGuard/internal/domain"
	"replayGuard/internal/ports"

	"golang.org/x/sync/errgroup"
)

// Window bounds an analysis run. A zero Start or End is taken from the series itself.
type Window struct {
	Start time.Time
	End   time.Time
}

// Analyzer builds completeness reports from the gap detector and the anomaly scanner.
type Analyzer struct {
	detector *Detector
	scanner  *Scanner
	cal      *calendar.Calendar
	logger   ports.Logger
	metrics  ports.Metrics
	workers  int
}

// NewAnalyzer creates an Analyzer. workers bounds the per-instrument parallelism.
func NewAnalyzer(detector *Detector, scanner *Scanner, logger ports.Logger, workers int) (*Analyzer, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if detector == nil || scanner == nil {
		return nil, errors.New("detector and scanner are required")
	}
	if workers <= 0 {
		workers = 1
	}
	return &Analyzer{
		detector: detector,
		scanner:  scanner,
		cal:      detector.cal,
		logger:   logger,
		metrics:  detector.metrics,
		workers:  workers,
	}, nil
}

// Analyze produces the completeness report of one instrument over the window.
// Only gaps between bars inside the window are counted; the window edges are not.
func (a *Analyzer) Analyze(ctx context.Context, instrument string, candles []domain.Candle, w Window) (*domain.CompletenessReport, error) {
	if err := ValidateSeries(instrument, candles); err != nil {
		return nil, err
	}
	session, err := a.cal.Session(instrument)
	if err != nil {
		return nil, err
	}
	candles = clip(candles, w)
	if w.Start.IsZero() && len(candles) > 0 {
		w.Start = candles[0].Timestamp
	}
	if w.End.IsZero() && len(candles) > 0 {
		w.End = candles[len(candles)-1].Timestamp.Add(session.BarInterval)
	}
	if !w.End.After(w.Start) {
		return nil, fmt.Errorf("%w: %s: analysis window is empty", ports.ErrInvalidRequest, instrument)
	}

	expected := w.End.Sub(w.Start)
	if a.detector.cfg.ApplySessionCalendar {
		if expected, err = a.cal.OpenDuration(instrument, w.Start, w.End); err != nil {
			return nil, err
		}
	}

	gaps, ambiguous, err := a.detector.Detect(ctx, instrument, candles)
	if err != nil {
		return nil, err
	}

	report := &domain.CompletenessReport{
		Instrument:         instrument,
		WindowStart:        w.Start,
		WindowEnd:          w.End,
		TotalExpectedHours: expected.Hours(),
		Gaps:               gaps,
		AmbiguousGaps:      ambiguous,
	}
	for _, g := range gaps {
		if g.Classification.IsUnexpected() {
			report.MissingHours += g.Duration.Hours()
		}
	}
	if len(candles) == 0 {
		report.MissingHours = report.TotalExpectedHours
	}
	report.CompletenessPct = completeness(report.TotalExpectedHours, report.MissingHours)

	report.Anomalies = a.scanner.Scan(candles)
	report.AnomalyCount = len(report.Anomalies)
	for _, an := range report.Anomalies {
		a.metrics.ObserveAnomaly(instrument, string(an.Kind))
	}
	a.metrics.ObserveCompleteness(instrument, report.CompletenessPct)

	a.logger.Info(ctx, "Completeness analysis finished", map[string]interface{}{
		"instrument":    instrument,
		"expectedHours": report.TotalExpectedHours,
		"missingHours":  report.MissingHours,
		"completeness":  report.CompletenessPct,
		"gaps":          len(report.Gaps),
		"ambiguousGaps": report.AmbiguousGaps,
		"anomalyCount":  report.AnomalyCount,
	})
	return report, nil
}

// AnalyzeAll analyzes every instrument in parallel. A failing instrument does not stop the
// others; all failures are joined into the returned error alongside the successful reports.
func (a *Analyzer) AnalyzeAll(ctx context.Context, series map[string][]domain.Candle, w Window) (map[string]*domain.CompletenessReport, error) {
	instruments := make([]string, 0, len(series))
	for inst := range series {
		instruments = append(instruments, inst)
	}
	sort.Strings(instruments)

	var (
		mu      sync.Mutex
		reports = make(map[string]*domain.CompletenessReport, len(series))
		errs    = make([]error, len(instruments))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, inst := range instruments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			report, err := a.Analyze(gctx, inst, series[inst], w)
			a.metrics.ObserveDuration("quality_analyze", time.Since(start))
			if err != nil {
				a.logger.Error(gctx, err, "Quality analysis failed", map[string]interface{}{"instrument": inst})
				errs[i] = fmt.Errorf("analyze %s: %w", inst, err)
				return nil
			}
			mu.Lock()
			reports[inst] = report
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, errors.Join(errs...)
}

func completeness(expected, missing float64) float64 {
	if expected <= 0 {
		return 100
	}
	pct := 100 * (expected - missing) / expected
	if pct < 0 {
		return 0
	}
	return pct
}

func clip(candles []domain.Candle, w Window) []domain.Candle {
	lo, hi := 0, len(candles)
	if !w.Start.IsZero() {
		lo = sort.Search(len(candles), func(i int) bool { return !candles[i].Timestamp.Before(w.Start) })
	}
	if !w.End.IsZero() {
		hi = sort.Search(len(candles), func(i int) bool { return !candles[i].Timestamp.Before(w.End) })
	}
	if lo >= hi {
		return nil
	}
	return candles[lo:hi]
}

// Annotations exposes a completeness report to the replay as per-bar quality flags.
// A nil *Annotations reports every bar as clean.
type Annotations struct {
	anomalous map[int64]struct{}
	resumes   map[int64]struct{}
}

// NewAnnotations indexes the anomalies and high-severity outages of a report.
func NewAnnotations(report *domain.CompletenessReport) *Annotations {
	a := &Annotations{anomalous: map[int64]struct{}{}, resumes: map[int64]struct{}{}}
	if report == nil {
		return a
	}
	for _, an := range report.Anomalies {
		a.anomalous[an.Timestamp.UnixNano()] = struct{}{}
	}
	for _, g := range report.Gaps {
		if g.Classification == domain.GapUnexpectedHigh {
			a.resumes[g.CoverageContext.NextBar.UnixNano()] = struct{}{}
		}
	}
	return a
}

// Anomalous reports whether the bar at ts was flagged by the scanner.
func (a *Annotations) Anomalous(ts time.Time) bool {
	if a == nil {
		return false
	}
	_, ok := a.anomalous[ts.UnixNano()]
	return ok
}

// ResumesAfterOutage reports whether ts is the first bar after an UNEXPECTED_HIGH gap.
func (a *Annotations) ResumesAfterOutage(ts time.Time) bool {
	if a == nil {
		return false
	}
	_, ok := a.resumes[ts.UnixNano()]
	return ok
}

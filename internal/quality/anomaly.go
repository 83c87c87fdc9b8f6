package quality

import (
	"fmt"
	"math"
	"sort"

	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
)

// madScale makes the MAD a consistent estimator of the standard deviation for normal data.
const madScale = 1.4826

// ScannerConfig defines the robust bounds used by the Scanner.
type ScannerConfig struct {
	WindowSize    int     // trailing bars compared against
	MinDataPoints int     // bars required before a bar can be flagged
	MADThreshold  float64 // robust z-score bound
	SpikeRatio    float64 // value/median ratio that flags a spike even when MAD is zero
}

// DefaultScannerConfig returns the standard scanner bounds.
func DefaultScannerConfig() ScannerConfig {
	return ScannerConfig{WindowSize: 24, MinDataPoints: 12, MADThreshold: 5.0, SpikeRatio: 8.0}
}

// Validate rejects out-of-range bounds.
func (c ScannerConfig) Validate() error {
	var errs []string
	if c.WindowSize < 3 {
		errs = append(errs, fmt.Sprintf("window size must be >= 3, got %d", c.WindowSize))
	}
	if c.MinDataPoints < 3 || c.MinDataPoints > c.WindowSize {
		errs = append(errs, fmt.Sprintf("min data points must be within [3, window], got %d", c.MinDataPoints))
	}
	if c.MADThreshold <= 0 {
		errs = append(errs, "MAD threshold must be positive")
	}
	if c.SpikeRatio <= 1 {
		errs = append(errs, "spike ratio must be > 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ports.ErrConfigurationError, errs)
	}
	return nil
}

// Scanner flags statistically extreme bars. It never modifies the input.
type Scanner struct {
	cfg ScannerConfig
}

// NewScanner creates a Scanner.
func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scanner{cfg: cfg}, nil
}

// Scan returns anomaly records for candles in time order. Corrupt bars are reported and
// excluded from the trailing windows of later bars.
func (s *Scanner) Scan(candles []domain.Candle) []domain.AnomalyRecord {
	var (
		out       []domain.AnomalyRecord
		volumes   = make([]float64, 0, s.cfg.WindowSize)
		ranges    = make([]float64, 0, s.cfg.WindowSize)
		prevClose float64
	)
	for _, c := range candles {
		if reason := corruption(c); reason != "" {
			out = append(out, domain.AnomalyRecord{
				Instrument: c.Instrument,
				Timestamp:  c.Timestamp,
				Kind:       domain.AnomalyCorruptBar,
				Severity:   "critical",
				Reason:     reason,
			})
			continue
		}
		tr := c.TrueRange(prevClose)
		if rec, ok := s.check(c, domain.AnomalyVolumeSpike, c.Volume, volumes); ok {
			out = append(out, rec)
		}
		if rec, ok := s.check(c, domain.AnomalyRangeSpike, tr, ranges); ok {
			out = append(out, rec)
		}
		volumes = push(volumes, c.Volume, s.cfg.WindowSize)
		ranges = push(ranges, tr, s.cfg.WindowSize)
		prevClose = c.Close
	}
	return out
}

// check compares value against the trailing window, which does not include the bar itself.
func (s *Scanner) check(c domain.Candle, kind domain.AnomalyKind, value float64, window []float64) (domain.AnomalyRecord, bool) {
	if len(window) < s.cfg.MinDataPoints {
		return domain.AnomalyRecord{}, false
	}
	med := median(window)
	mad := madScale * medianAbsDeviation(window, med)

	rec := domain.AnomalyRecord{
		Instrument: c.Instrument,
		Timestamp:  c.Timestamp,
		Kind:       kind,
		Value:      value,
		Median:     med,
	}
	if mad > 0 {
		rec.Score = (value - med) / mad
		if rec.Score > s.cfg.MADThreshold {
			rec.Severity = s.severityLevel(rec.Score)
			rec.Reason = fmt.Sprintf("%s %.6g is %.2f robust deviations above median %.6g", kind, value, rec.Score, med)
			return rec, true
		}
	}
	if med > 0 && value > med*s.cfg.SpikeRatio {
		rec.Severity = "warning"
		rec.Reason = fmt.Sprintf("%s %.6g is %.2fx median %.6g", kind, value, value/med, med)
		return rec, true
	}
	return domain.AnomalyRecord{}, false
}

func corruption(c domain.Candle) string {
	fields := [...]struct {
		name string
		v    float64
	}{{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close}, {"volume", c.Volume}}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Sprintf("%s is %v", f.name, f.v)
		}
	}
	switch {
	case c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0:
		return "non-positive price"
	case c.High < c.Low:
		return fmt.Sprintf("high %.6g below low %.6g", c.High, c.Low)
	case c.Open > c.High || c.Open < c.Low || c.Close > c.High || c.Close < c.Low:
		return "open or close outside high/low range"
	case c.Volume < 0:
		return "negative volume"
	}
	return ""
}

func (s *Scanner) severityLevel(score float64) string {
	switch {
	case score > 2*s.cfg.MADThreshold:
		return "critical"
	case score > 1.5*s.cfg.MADThreshold:
		return "high"
	default:
		return "medium"
	}
}

func push(window []float64, v float64, size int) []float64 {
	window = append(window, v)
	if len(window) > size {
		window = window[1:]
	}
	return window
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

func medianAbsDeviation(values []float64, med float64) float64 {
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - med)
	}
	return median(dev)
}

package domain

import "time"

// GapClassification is the tagged severity of a discontinuity in a candle series.
type GapClassification string

const (
	GapExpectedClosure  GapClassification = "EXPECTED_CLOSURE"
	GapUnexpectedMedium GapClassification = "UNEXPECTED_MEDIUM"
	GapUnexpectedHigh   GapClassification = "UNEXPECTED_HIGH"
)

// IsUnexpected reports whether the classification counts toward missing hours.
func (c GapClassification) IsUnexpected() bool {
	return c == GapUnexpectedMedium || c == GapUnexpectedHigh
}

// GapRecord describes one classified missing span. Records are never mutated after creation.
type GapRecord struct {
	Instrument     string
	Start          time.Time
	End            time.Time
	Duration       time.Duration // always End - Start
	Classification GapClassification
	// CoverageContext carries the bars that bound the discontinuity the record was cut from.
	CoverageContext GapContext
	// NeedsReview marks a gap whose expected/unexpected split was ambiguous.
	NeedsReview bool
}

// GapContext is the surrounding coverage of a gap record.
type GapContext struct {
	PrevBar      time.Time     // last bar before the discontinuity
	NextBar      time.Time     // first bar after the discontinuity
	Elapsed      time.Duration // NextBar - PrevBar
	ExpectedBars int           // bars the calendar expected inside the discontinuity
	ClosureHours float64       // closure time inside the discontinuity
}

// AnomalyKind identifies which statistic flagged a bar.
type AnomalyKind string

const (
	AnomalyVolumeSpike AnomalyKind = "VOLUME_SPIKE"
	AnomalyRangeSpike  AnomalyKind = "RANGE_SPIKE"
	AnomalyCorruptBar  AnomalyKind = "CORRUPT_BAR"
)

// AnomalyRecord is quality metadata for one suspect bar. The bar itself is left untouched.
type AnomalyRecord struct {
	Instrument string
	Timestamp  time.Time
	Kind       AnomalyKind
	Value      float64
	Median     float64
	Score      float64 // robust z-score; 0 for corrupt bars
	Severity   string
	Reason     string
}

// CompletenessReport is the per-instrument quality outcome of one analysis run.
type CompletenessReport struct {
	Instrument         string
	WindowStart        time.Time
	WindowEnd          time.Time
	TotalExpectedHours float64
	MissingHours       float64
	CompletenessPct    float64
	Gaps               []GapRecord
	Anomalies          []AnomalyRecord
	AnomalyCount       int
	AmbiguousGaps      int
}

// UnexpectedGaps returns the records that count toward missing hours.
func (r *CompletenessReport) UnexpectedGaps() []GapRecord {
	out := make([]GapRecord, 0, len(r.Gaps))
	for _, g := range r.Gaps {
		if g.Classification.IsUnexpected() {
			out = append(out, g)
		}
	}
	return out
}

package ports

import (
	"context"
	"time"

	"replayGuard/internal/domain"
)

// RunRecord is the header row of one persisted pipeline run.
type RunRecord struct {
	ID         string
	Kind       string // quality, backtest, optimize, validate
	StartedAt  time.Time
	FinishedAt time.Time
	// Params and Metrics are JSON documents.
	Params  string
	Metrics string
	Passed  bool
}

// RunRepository persists the artifacts produced by a pipeline run.
type RunRepository interface {
	// CreateRun stores the run header. The ID is assigned by the caller.
	CreateRun(ctx context.Context, run *RunRecord) error
	// SaveReports stores completeness reports with their gap and anomaly records.
	SaveReports(ctx context.Context, runID string, reports []*domain.CompletenessReport) error
	// SaveTrades appends trade records and returns the number written.
	SaveTrades(ctx context.Context, runID string, trades []domain.TradeRecord) (int, error)
	// SaveEquityCurve stores the equity curve of a backtest.
	SaveEquityCurve(ctx context.Context, runID string, points []domain.EquityPoint) error
	// SaveDriftResults stores drift comparison rows.
	SaveDriftResults(ctx context.Context, runID string, results []domain.DriftResult) error
	// FindRun retrieves a run header by ID. Returns nil, nil if not found.
	FindRun(ctx context.Context, id string) (*RunRecord, error)
	// FindTradesByRun retrieves the trade log of a run ordered by exit time.
	FindTradesByRun(ctx context.Context, runID string) ([]domain.TradeRecord, error)
	// FindEquityCurve retrieves the equity curve of a run in order.
	FindEquityCurve(ctx context.Context, runID string) ([]domain.EquityPoint, error)
	// FindGapsByRun retrieves the gap records of one instrument ordered by start.
	FindGapsByRun(ctx context.Context, runID, instrument string) ([]domain.GapRecord, error)
	// FindDriftResults retrieves the drift rows of a run.
	FindDriftResults(ctx context.Context, runID string) ([]domain.DriftResult, error)
	// Close releases the underlying connection.
	Close() error
}

// CandleSource provides historical candles for an instrument.
type CandleSource interface {
	GetCandles(ctx context.Context, instrument, interval string, start, end time.Time) ([]domain.Candle, error)
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"replayGuard/config"
	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
	"replayGuard/internal/quality"
	"replayGuard/internal/strategy/analytics"
	"replayGuard/internal/strategy/backtesting"
	"replayGuard/internal/strategy/optimization"
	"replayGuard/internal/utils"
	"replayGuard/internal/validation"
)

// Run kinds recorded in the artifact store.
const (
	KindQuality  = "quality"
	KindBacktest = "backtest"
	KindOptimize = "optimize"
	KindValidate = "validate"
)

// ReplayService wires quality analysis, replay, optimization and drift validation to the
// artifact store. Every operation persists one run and returns its ID.
type ReplayService struct {
	settings *config.Settings
	logger   ports.Logger
	metrics  ports.Metrics
	repo     ports.RunRepository
	analyzer *quality.Analyzer
	runner   *backtesting.Runner

	newID func() string
	now   func() time.Time
}

// NewReplayService creates a new application service instance.
func NewReplayService(
	settings *config.Settings,
	logger ports.Logger,
	metrics ports.Metrics,
	repo ports.RunRepository,
) (*ReplayService, error) {
	if settings == nil || logger == nil || repo == nil {
		return nil, fmt.Errorf("missing required dependencies for ReplayService")
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	cal, err := settings.Calendar()
	if err != nil {
		return nil, err
	}
	detector, err := quality.NewDetector(settings.DetectorConfig(), cal, logger, metrics)
	if err != nil {
		return nil, err
	}
	scanner, err := quality.NewScanner(settings.ScannerConfig())
	if err != nil {
		return nil, err
	}
	analyzer, err := quality.NewAnalyzer(detector, scanner, logger, settings.Quality.Workers)
	if err != nil {
		return nil, err
	}
	model, err := settings.CostModel()
	if err != nil {
		return nil, err
	}
	runner, err := backtesting.NewRunner(model, logger, metrics)
	if err != nil {
		return nil, err
	}

	return &ReplayService{
		settings: settings,
		logger:   logger,
		metrics:  metrics,
		repo:     repo,
		analyzer: analyzer,
		runner:   runner,
		newID:    func() string { return uuid.New().String() },
		now:      time.Now,
	}, nil
}

// LoadSeries reads the candle CSV of each instrument. An empty list loads every configured
// instrument.
func (s *ReplayService) LoadSeries(instruments []string) (map[string][]domain.Candle, error) {
	if len(instruments) == 0 {
		instruments = s.settings.InstrumentNames()
	}
	series := make(map[string][]domain.Candle, len(instruments))
	for _, inst := range instruments {
		is, ok := s.settings.Instruments[inst]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ports.ErrUnknownInstrument, inst)
		}
		if is.Data == "" {
			return nil, fmt.Errorf("%w: no data file configured for %s", ports.ErrConfigurationError, inst)
		}
		candles, err := utils.ReadCandlesFromCSV(is.Data, inst)
		if err != nil {
			return nil, fmt.Errorf("failed to load candles for %s: %w", inst, err)
		}
		series[inst] = candles
	}
	return series, nil
}

// QualityOutcome is the result of a quality run.
type QualityOutcome struct {
	RunID   string
	Reports map[string]*domain.CompletenessReport
}

// Quality analyzes every series and persists the reports that succeeded. Instruments that
// fail are reported in the returned error alongside the outcome.
func (s *ReplayService) Quality(ctx context.Context, series map[string][]domain.Candle, w quality.Window) (*QualityOutcome, error) {
	started := s.now()
	reports, analyzeErr := s.analyzer.AnalyzeAll(ctx, series, w)

	summary := make(map[string]float64, len(reports))
	list := make([]*domain.CompletenessReport, 0, len(reports))
	for _, inst := range sortedKeys(reports) {
		summary[inst] = reports[inst].CompletenessPct
		list = append(list, reports[inst])
	}

	run, err := s.createRun(ctx, KindQuality, started, w, summary, analyzeErr == nil)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveReports(ctx, run.ID, list); err != nil {
		return nil, fmt.Errorf("failed to persist quality reports: %w", err)
	}

	s.logger.Info(ctx, "Quality run completed", map[string]interface{}{
		"runID":       run.ID,
		"instruments": len(series),
		"reports":     len(list),
	})
	return &QualityOutcome{RunID: run.ID, Reports: reports}, analyzeErr
}

// BacktestOutcome is the result of a backtest run.
type BacktestOutcome struct {
	RunID   string
	Result  *backtesting.BacktestResult
	Metrics *analytics.RunMetrics
	Reports map[string]*domain.CompletenessReport
}

// Backtest annotates the series with quality flags, replays them and persists the trade log,
// equity curve and metrics. Any instrument failing quality analysis fails the run.
func (s *ReplayService) Backtest(ctx context.Context, series map[string][]domain.Candle) (*BacktestOutcome, error) {
	started := s.now()
	reports, annotations, err := s.annotate(ctx, series)
	if err != nil {
		return nil, err
	}

	cfg := s.settings.BacktestConfig()
	result, err := s.runner.Run(ctx, cfg, series, annotations)
	if err != nil {
		return nil, fmt.Errorf("backtest failed: %w", err)
	}
	metrics := analytics.AnalyzePerformance(result.Trades, result.InitialEquity,
		analytics.Span{Start: result.Start, End: result.End})

	run, err := s.createRun(ctx, KindBacktest, started, cfg, metrics, true)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.SaveTrades(ctx, run.ID, result.Trades); err != nil {
		return nil, fmt.Errorf("failed to persist trades: %w", err)
	}
	if err := s.repo.SaveEquityCurve(ctx, run.ID, result.EquityCurve); err != nil {
		return nil, fmt.Errorf("failed to persist equity curve: %w", err)
	}

	s.logger.Info(ctx, "Backtest run completed", map[string]interface{}{
		"runID":       run.ID,
		"trades":      metrics.TotalTrades,
		"totalReturn": metrics.TotalReturn,
		"maxDrawdown": metrics.MaxDrawdown,
		"winRate":     metrics.WinRate,
	})
	return &BacktestOutcome{RunID: run.ID, Result: result, Metrics: metrics, Reports: reports}, nil
}

// OptimizeOutcome is the result of an optimizer run.
type OptimizeOutcome struct {
	RunID  string
	Result *optimization.OptimizationResult
}

// Optimize searches the configured parameter ranges over the quality-annotated series.
// A cancelled search still persists the trials that completed.
func (s *ReplayService) Optimize(ctx context.Context, series map[string][]domain.Candle) (*OptimizeOutcome, error) {
	started := s.now()
	optimizer, err := optimization.NewOptimizer(s.settings.Optimizer, s.logger, s.metrics)
	if err != nil {
		return nil, err
	}
	_, annotations, err := s.annotate(ctx, series)
	if err != nil {
		return nil, err
	}

	evaluate := optimization.BacktestEvaluator(s.runner, s.settings.BacktestConfig(), series, annotations)
	result, optErr := optimizer.Optimize(ctx, evaluate)
	if result == nil {
		return nil, optErr
	}

	// persist with a fresh context so a cancelled search still records its trace
	persistCtx := context.WithoutCancel(ctx)
	run, err := s.createRun(persistCtx, KindOptimize, started, s.settings.Optimizer, result, result.Best != nil && !result.Cancelled)
	if err != nil {
		return nil, err
	}
	fields := map[string]interface{}{"runID": run.ID, "trials": len(result.Trace), "cancelled": result.Cancelled}
	if result.Best != nil {
		fields["bestScore"] = result.Best.Score
		fields["bestParams"] = result.Best.Params
	}
	s.logger.Info(ctx, "Optimization run completed", fields)
	return &OptimizeOutcome{RunID: run.ID, Result: result}, optErr
}

// ValidateOutcome is the result of a drift validation run.
type ValidateOutcome struct {
	RunID  string
	Report *validation.Report
}

// Validate compares the metrics of a persisted backtest run with live metrics and
// stress-tests its trade log.
func (s *ReplayService) Validate(ctx context.Context, backtestRunID string, live *analytics.RunMetrics) (*ValidateOutcome, error) {
	backtest, trades, err := s.LoadBacktest(ctx, backtestRunID)
	if err != nil {
		return nil, err
	}
	return s.ValidateMetrics(ctx, backtest, live, trades, map[string]string{"backtestRunID": backtestRunID})
}

// ValidateMetrics compares backtest and live metrics directly. params is recorded with the run.
func (s *ReplayService) ValidateMetrics(ctx context.Context, backtest, live *analytics.RunMetrics, trades []domain.TradeRecord, params interface{}) (*ValidateOutcome, error) {
	started := s.now()
	validator, err := validation.NewValidator(s.settings.Drift, s.logger, s.metrics)
	if err != nil {
		return nil, err
	}
	report, err := validator.ValidateWithStress(ctx, backtest, live, trades)
	if err != nil {
		return nil, err
	}

	run, err := s.createRun(ctx, KindValidate, started, params, report, report.Passed)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveDriftResults(ctx, run.ID, report.Results); err != nil {
		return nil, fmt.Errorf("failed to persist drift results: %w", err)
	}
	return &ValidateOutcome{RunID: run.ID, Report: report}, nil
}

// LoadBacktest reads the metrics and trade log of a persisted backtest run.
func (s *ReplayService) LoadBacktest(ctx context.Context, runID string) (*analytics.RunMetrics, []domain.TradeRecord, error) {
	run, err := s.repo.FindRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, fmt.Errorf("%w: run %s", ports.ErrNotFound, runID)
	}
	if run.Kind != KindBacktest {
		return nil, nil, fmt.Errorf("%w: run %s is a %s run, not a backtest", ports.ErrInvalidRequest, runID, run.Kind)
	}
	var metrics analytics.RunMetrics
	if err := json.Unmarshal([]byte(run.Metrics), &metrics); err != nil {
		return nil, nil, fmt.Errorf("failed to decode metrics of run %s: %w", runID, err)
	}
	trades, err := s.repo.FindTradesByRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return &metrics, trades, nil
}

// ExportBacktest writes the trade log and equity curve of an outcome as CSV files in dir.
func (s *ReplayService) ExportBacktest(outcome *BacktestOutcome, dir string) ([]string, error) {
	if outcome == nil || outcome.Result == nil {
		return nil, fmt.Errorf("%w: nothing to export", ports.ErrInvalidRequest)
	}
	tradesFile := filepath.Join(dir, fmt.Sprintf("trades_%s.csv", outcome.RunID))
	equityFile := filepath.Join(dir, fmt.Sprintf("equity_%s.csv", outcome.RunID))
	if err := utils.WriteTradesToCSV(outcome.Result.Trades, tradesFile); err != nil {
		return nil, fmt.Errorf("failed to export trades: %w", err)
	}
	if err := utils.WriteEquityToCSV(outcome.Result.EquityCurve, equityFile); err != nil {
		return nil, fmt.Errorf("failed to export equity curve: %w", err)
	}
	return []string{tradesFile, equityFile}, nil
}

// annotate runs quality analysis and turns each report into replay annotations.
func (s *ReplayService) annotate(ctx context.Context, series map[string][]domain.Candle) (map[string]*domain.CompletenessReport, map[string]backtesting.BarQuality, error) {
	reports, err := s.analyzer.AnalyzeAll(ctx, series, quality.Window{})
	if err != nil {
		return nil, nil, fmt.Errorf("quality analysis failed: %w", err)
	}
	annotations := make(map[string]backtesting.BarQuality, len(reports))
	for inst, r := range reports {
		annotations[inst] = quality.NewAnnotations(r)
		if r.AmbiguousGaps > 0 {
			s.logger.Warn(ctx, "Series has gaps flagged for review", map[string]interface{}{
				"instrument": inst, "ambiguousGaps": r.AmbiguousGaps,
			})
		}
	}
	return reports, annotations, nil
}

func (s *ReplayService) createRun(ctx context.Context, kind string, started time.Time, params, metrics interface{}, passed bool) (*ports.RunRecord, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run params: %w", err)
	}
	m, err := json.Marshal(metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to encode run metrics: %w", err)
	}
	run := &ports.RunRecord{
		ID:         s.newID(),
		Kind:       kind,
		StartedAt:  started,
		FinishedAt: s.now(),
		Params:     string(p),
		Metrics:    string(m),
		Passed:     passed,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		if errors.Is(err, ports.ErrDuplicateEntry) {
			return nil, fmt.Errorf("run id collision for %s: %w", run.ID, err)
		}
		return nil, fmt.Errorf("failed to persist %s run: %w", kind, err)
	}
	s.metrics.ObserveDuration(kind+"_run", run.FinishedAt.Sub(started))
	return run, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

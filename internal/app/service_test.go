package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replayGuard/config"
	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
	"replayGuard/internal/quality"
	"replayGuard/internal/strategy/analytics"
	"replayGuard/internal/utils"
)

// Mock implementations
type mockLogger struct {
	mu       sync.Mutex
	warnMsgs []string
	errorMsg []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsg = append(m.errorMsg, msg)
}

type mockRepo struct {
	mu        sync.Mutex
	runs      map[string]*ports.RunRecord
	reports   map[string][]*domain.CompletenessReport
	trades    map[string][]domain.TradeRecord
	equity    map[string][]domain.EquityPoint
	drift     map[string][]domain.DriftResult
	createErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		runs:    map[string]*ports.RunRecord{},
		reports: map[string][]*domain.CompletenessReport{},
		trades:  map[string][]domain.TradeRecord{},
		equity:  map[string][]domain.EquityPoint{},
		drift:   map[string][]domain.DriftResult{},
	}
}

func (m *mockRepo) CreateRun(ctx context.Context, run *ports.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.runs[run.ID]; ok {
		return ports.ErrDuplicateEntry
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockRepo) SaveReports(ctx context.Context, runID string, reports []*domain.CompletenessReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[runID] = append(m.reports[runID], reports...)
	return nil
}

func (m *mockRepo) SaveTrades(ctx context.Context, runID string, trades []domain.TradeRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[runID] = append(m.trades[runID], trades...)
	return len(trades), nil
}

func (m *mockRepo) SaveEquityCurve(ctx context.Context, runID string, points []domain.EquityPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity[runID] = append([]domain.EquityPoint(nil), points...)
	return nil
}

func (m *mockRepo) SaveDriftResults(ctx context.Context, runID string, results []domain.DriftResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drift[runID] = append([]domain.DriftResult(nil), results...)
	return nil
}

func (m *mockRepo) FindRun(ctx context.Context, id string) (*ports.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (m *mockRepo) FindTradesByRun(ctx context.Context, runID string) ([]domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.TradeRecord(nil), m.trades[runID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExitTime.Before(out[j].ExitTime) })
	return out, nil
}

func (m *mockRepo) FindEquityCurve(ctx context.Context, runID string) ([]domain.EquityPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity[runID], nil
}

func (m *mockRepo) FindGapsByRun(ctx context.Context, runID, instrument string) ([]domain.GapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reports[runID] {
		if r.Instrument == instrument {
			return r.Gaps, nil
		}
	}
	return nil, nil
}

func (m *mockRepo) FindDriftResults(ctx context.Context, runID string) ([]domain.DriftResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drift[runID], nil
}

func (m *mockRepo) Close() error { return nil }

func (m *mockRepo) runsOfKind(kind string) []*ports.RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ports.RunRecord
	for _, r := range m.runs {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

var t0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func trendCandles(inst string, n int, slope float64) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := range out {
		px := 1.1 + slope*float64(i) + 0.002*math.Sin(float64(i)/2)
		out[i] = domain.Candle{Instrument: inst, Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open: px, High: px + 0.0005, Low: px - 0.0005, Close: px, Volume: 100}
	}
	return out
}

const settingsTemplate = `
instruments:
  EUR_USD:
    session: continuous
    data: %s
    costs: &costs
      base_spread: 0.0002
      commission_rate: 0.0001
      slippage_bps: 0.5
      volatility_multiplier: 0.5
      liquidity_multiplier: 0.2
      slippage_dispersion: 0.3
  GBP_USD:
    session: continuous
    data: %s
    costs: *costs
drift:
  stress_samples: 200
%s
`

type fixture struct {
	svc    *ReplayService
	repo   *mockRepo
	logger *mockLogger
	dir    string
}

func newFixture(t *testing.T, extra string) *fixture {
	t.Helper()
	dir := t.TempDir()
	eur := filepath.Join(dir, "EUR_USD.csv")
	gbp := filepath.Join(dir, "GBP_USD.csv")
	require.NoError(t, utils.WriteCandlesToCSV(trendCandles("EUR_USD", 200, 0.0004), eur))
	require.NoError(t, utils.WriteCandlesToCSV(trendCandles("GBP_USD", 180, 0.0003), gbp))

	settings, err := config.ParseSettings([]byte(fmt.Sprintf(settingsTemplate, eur, gbp, extra)))
	require.NoError(t, err)

	repo := newMockRepo()
	logger := &mockLogger{}
	svc, err := NewReplayService(settings, logger, nil, repo)
	require.NoError(t, err)

	n := 0
	svc.newID = func() string { n++; return fmt.Sprintf("run-%d", n) }
	return &fixture{svc: svc, repo: repo, logger: logger, dir: dir}
}

func TestNewReplayService_RequiresDependencies(t *testing.T) {
	settings, err := config.ParseSettings([]byte(fmt.Sprintf(settingsTemplate, "a.csv", "b.csv", "")))
	require.NoError(t, err)

	tests := []struct {
		name     string
		settings *config.Settings
		logger   ports.Logger
		repo     ports.RunRepository
	}{
		{"nil settings", nil, &mockLogger{}, newMockRepo()},
		{"nil logger", settings, nil, newMockRepo()},
		{"nil repo", settings, &mockLogger{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReplayService(tt.settings, tt.logger, nil, tt.repo)
			assert.Error(t, err)
		})
	}
}

func TestLoadSeries(t *testing.T) {
	f := newFixture(t, "")

	series, err := f.svc.LoadSeries(nil)
	require.NoError(t, err)
	assert.Len(t, series["EUR_USD"], 200)
	assert.Len(t, series["GBP_USD"], 180)

	_, err = f.svc.LoadSeries([]string{"USD_JPY"})
	assert.ErrorIs(t, err, ports.ErrUnknownInstrument)
}

func TestQuality_PersistsReports(t *testing.T) {
	f := newFixture(t, "")
	series, err := f.svc.LoadSeries(nil)
	require.NoError(t, err)

	// cut a 10 hour hole into EUR_USD
	eur := series["EUR_USD"]
	series["EUR_USD"] = append(append([]domain.Candle(nil), eur[:50]...), eur[60:]...)

	out, err := f.svc.Quality(context.Background(), series, quality.Window{})
	require.NoError(t, err)
	require.Len(t, out.Reports, 2)

	assert.Equal(t, 100.0, out.Reports["GBP_USD"].CompletenessPct)
	gaps := out.Reports["EUR_USD"].UnexpectedGaps()
	require.Len(t, gaps, 1)
	assert.Equal(t, 11*time.Hour, gaps[0].Duration)
	assert.Less(t, out.Reports["EUR_USD"].CompletenessPct, 100.0)

	runs := f.repo.runsOfKind(KindQuality)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Passed)
	assert.Contains(t, runs[0].Metrics, `"GBP_USD":100`)
	assert.Len(t, f.repo.reports[out.RunID], 2)
}

func TestQuality_DisorderedInstrumentIsIsolated(t *testing.T) {
	f := newFixture(t, "")
	series, err := f.svc.LoadSeries(nil)
	require.NoError(t, err)
	gbp := series["GBP_USD"]
	gbp[10], gbp[11] = gbp[11], gbp[10]

	out, err := f.svc.Quality(context.Background(), series, quality.Window{})
	require.Error(t, err)
	var orderErr *ports.DataOrderingError
	require.True(t, errors.As(err, &orderErr))
	assert.Equal(t, "GBP_USD", orderErr.Instrument)

	require.NotNil(t, out)
	assert.Contains(t, out.Reports, "EUR_USD")
	assert.NotContains(t, out.Reports, "GBP_USD")
	runs := f.repo.runsOfKind(KindQuality)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Passed)
}

func TestBacktest_PersistsArtifacts(t *testing.T) {
	f := newFixture(t, "")
	series, err := f.svc.LoadSeries(nil)
	require.NoError(t, err)

	out, err := f.svc.Backtest(context.Background(), series)
	require.NoError(t, err)
	require.NotEmpty(t, out.Result.Trades)
	assert.Equal(t, len(out.Result.Trades), out.Metrics.TotalTrades)
	assert.InDelta(t, out.Result.FinalEquity, out.Metrics.FinalEquity, 1e-6)

	assert.Len(t, f.repo.trades[out.RunID], len(out.Result.Trades))
	assert.Len(t, f.repo.equity[out.RunID], len(out.Result.Trades)+1)

	metrics, trades, err := f.svc.LoadBacktest(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, out.Metrics.TotalTrades, metrics.TotalTrades)
	assert.Equal(t, out.Metrics.TotalReturn, metrics.TotalReturn)
	assert.Len(t, trades, len(out.Result.Trades))

	files, err := f.svc.ExportBacktest(out, filepath.Join(f.dir, "out"))
	require.NoError(t, err)
	for _, file := range files {
		_, err := os.Stat(file)
		assert.NoError(t, err)
	}
	exported, err := utils.ReadTradesFromCSV(files[0])
	require.NoError(t, err)
	assert.Len(t, exported, len(out.Result.Trades))
}

func TestBacktest_DisorderedSeriesFails(t *testing.T) {
	f := newFixture(t, "")
	series, err := f.svc.LoadSeries(nil)
	require.NoError(t, err)
	series["EUR_USD"][5].Timestamp = series["EUR_USD"][4].Timestamp

	_, err = f.svc.Backtest(context.Background(), series)
	assert.ErrorIs(t, err, ports.ErrDataOrdering)
	assert.Empty(t, f.repo.runsOfKind(KindBacktest))
}

func TestValidate(t *testing.T) {
	f := newFixture(t, "")
	series, err := f.svc.LoadSeries(nil)
	require.NoError(t, err)
	bt, err := f.svc.Backtest(context.Background(), series)
	require.NoError(t, err)

	t.Run("matching live metrics pass", func(t *testing.T) {
		live := *bt.Metrics
		out, err := f.svc.Validate(context.Background(), bt.RunID, &live)
		require.NoError(t, err)
		assert.True(t, out.Report.Passed)
		assert.Empty(t, out.Report.Breaches)
		assert.Len(t, f.repo.drift[out.RunID], len(out.Report.Results))
		assert.Contains(t, f.repo.runs[out.RunID].Params, bt.RunID)
	})

	t.Run("return drift beyond tolerance fails", func(t *testing.T) {
		live := *bt.Metrics
		live.TotalReturn = bt.Metrics.TotalReturn + 0.05
		out, err := f.svc.Validate(context.Background(), bt.RunID, &live)
		require.NoError(t, err)
		assert.False(t, out.Report.Passed)
		assert.Contains(t, out.Report.Breaches, string(analytics.MetricTotalReturn))
		assert.False(t, f.repo.runs[out.RunID].Passed)
	})

	t.Run("unknown run", func(t *testing.T) {
		_, err := f.svc.Validate(context.Background(), "missing", bt.Metrics)
		assert.ErrorIs(t, err, ports.ErrNotFound)
	})

	t.Run("non-backtest run", func(t *testing.T) {
		q, err := f.svc.Quality(context.Background(), series, quality.Window{})
		require.NoError(t, err)
		_, err = f.svc.Validate(context.Background(), q.RunID, bt.Metrics)
		assert.ErrorIs(t, err, ports.ErrInvalidRequest)
	})
}

func TestOptimize(t *testing.T) {
	f := newFixture(t, `
optimizer:
  workers: 2
  ranges:
    - {name: fast_period, min: 5, max: 8, step: 3, is_int: true}
    - {name: reward_risk, min: 1.5, max: 2.5, step: 1}
`)
	series, err := f.svc.LoadSeries(nil)
	require.NoError(t, err)

	out, err := f.svc.Optimize(context.Background(), series)
	require.NoError(t, err)
	assert.Len(t, out.Result.Trace, 4)
	require.NotNil(t, out.Result.Best)

	runs := f.repo.runsOfKind(KindOptimize)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Passed)
	assert.Contains(t, runs[0].Metrics, `"trace"`)
	assert.Contains(t, runs[0].Params, `"fast_period"`)
}

func TestOptimize_RequiresRanges(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.svc.Optimize(context.Background(), nil)
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
}

func TestRunPersistenceFailure(t *testing.T) {
	f := newFixture(t, "")
	f.repo.createErr = ports.ErrDBConnection
	series, err := f.svc.LoadSeries(nil)
	require.NoError(t, err)

	_, err = f.svc.Backtest(context.Background(), series)
	assert.ErrorIs(t, err, ports.ErrDBConnection)
}

package backtesting

import (
	"context"
	"errors"
	"testing"
	"time"

	"replayGuard/internal/domain"
	"replayGuard/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flagAll struct{ anomalous, outage bool }

func (f flagAll) Anomalous(time.Time) bool          { return f.anomalous }
func (f flagAll) ResumesAfterOutage(time.Time) bool { return f.outage }

func twoInstruments() map[string][]domain.Candle {
	return map[string][]domain.Candle{
		"EUR_USD": trendCandles("EUR_USD", 200, 0.0004),
		"GBP_USD": trendCandles("GBP_USD", 180, 0.0003),
	}
}

func newTestRunner(t *testing.T, instruments ...string) *Runner {
	t.Helper()
	r, err := NewRunner(testModel(t, instruments...), &mockLogger{}, nil)
	require.NoError(t, err)
	return r
}

func TestRunner_RoundTrip(t *testing.T) {
	r := newTestRunner(t, "EUR_USD", "GBP_USD")
	res, err := r.Run(context.Background(), DefaultBacktestConfig(), twoInstruments(), nil)
	require.NoError(t, err)

	require.NotEmpty(t, res.Trades)
	assert.Equal(t, 380, res.Bars)
	assert.Equal(t, []string{"EUR_USD", "GBP_USD"}, res.Instruments)

	sum := 0.0
	positions := make(map[int64]bool)
	for _, tr := range res.Trades {
		assert.False(t, positions[tr.PositionID], "one trade per position")
		positions[tr.PositionID] = true
		assert.False(t, tr.ExitTime.Before(tr.EntryTime))
		assert.InDelta(t, tr.GrossPNL-tr.PNL, tr.Costs.Total(), 1e-9)
		sum += tr.PNL
	}

	// Nothing is left open and equity reconciles with the trade log.
	assert.Zero(t, res.Risk.OpenPositions)
	assert.InDelta(t, 0, res.Risk.TotalExposure, 1e-6)
	assert.InDelta(t, res.InitialEquity+sum, res.FinalEquity, 1e-6)
	require.Len(t, res.EquityCurve, len(res.Trades)+1)
	assert.Equal(t, res.FinalEquity, res.EquityCurve[len(res.EquityCurve)-1].Equity)
}

func TestRunner_Deterministic(t *testing.T) {
	r := newTestRunner(t, "EUR_USD", "GBP_USD")
	cfg := DefaultBacktestConfig()

	first, err := r.Run(context.Background(), cfg, twoInstruments(), nil)
	require.NoError(t, err)
	cfg.Workers = 1
	second, err := r.Run(context.Background(), cfg, twoInstruments(), nil)
	require.NoError(t, err)

	assert.Equal(t, first.Trades, second.Trades)
	assert.Equal(t, first.FinalEquity, second.FinalEquity)
}

func TestRunner_MissingCostModelFailsRun(t *testing.T) {
	r := newTestRunner(t, "GBP_USD")
	_, err := r.Run(context.Background(), DefaultBacktestConfig(), twoInstruments(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrCostModelUnavailable))
}

func TestRunner_DisorderedSeries(t *testing.T) {
	series := twoInstruments()
	bad := series["GBP_USD"]
	bad[10], bad[11] = bad[11], bad[10]

	r := newTestRunner(t, "EUR_USD", "GBP_USD")
	_, err := r.Run(context.Background(), DefaultBacktestConfig(), series, nil)
	var orderErr *ports.DataOrderingError
	require.True(t, errors.As(err, &orderErr))
	assert.Equal(t, "GBP_USD", orderErr.Instrument)
}

func TestRunner_AnomalousBarsSuppressEntries(t *testing.T) {
	r := newTestRunner(t, "EUR_USD", "GBP_USD")
	res, err := r.Run(context.Background(), DefaultBacktestConfig(), twoInstruments(), map[string]BarQuality{
		"EUR_USD": flagAll{anomalous: true},
		"GBP_USD": flagAll{anomalous: true},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, res.InitialEquity, res.FinalEquity)
}

func TestRunner_OutageRewarmBlocksEntries(t *testing.T) {
	// Re-warming on every bar keeps the indicators cold for the whole replay.
	r := newTestRunner(t, "EUR_USD", "GBP_USD")
	res, err := r.Run(context.Background(), DefaultBacktestConfig(), twoInstruments(), map[string]BarQuality{
		"EUR_USD": flagAll{outage: true},
		"GBP_USD": flagAll{outage: true},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
}

func TestRunner_ShortSeriesStaysFlat(t *testing.T) {
	tests := []struct {
		name      string
		bars      int
		wantWarns int
	}{
		{"shorter than lookback", DefaultBacktestConfig().Strategy.Lookback(), 1},
		{"exactly warm", DefaultBacktestConfig().Strategy.Lookback() + 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &mockLogger{}
			r, err := NewRunner(testModel(t, "EUR_USD"), logger, nil)
			require.NoError(t, err)

			series := map[string][]domain.Candle{"EUR_USD": trendCandles("EUR_USD", tt.bars, 0.0004)}
			res, err := r.Run(context.Background(), DefaultBacktestConfig(), series, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.bars, res.Bars)
			assert.Len(t, logger.warns, tt.wantWarns)
			if tt.wantWarns > 0 {
				assert.Empty(t, res.Trades)
			}
		})
	}
}

func TestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newTestRunner(t, "EUR_USD", "GBP_USD")
	_, err := r.Run(ctx, DefaultBacktestConfig(), twoInstruments(), nil)
	assert.True(t, errors.Is(err, ports.ErrContextCanceled))
}

func TestRunner_RejectsEmptyInput(t *testing.T) {
	r := newTestRunner(t, "EUR_USD")
	_, err := r.Run(context.Background(), DefaultBacktestConfig(), nil, nil)
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))

	_, err = NewRunner(nil, &mockLogger{}, nil)
	assert.Error(t, err)
	_, err = NewRunner(testModel(t, "EUR_USD"), nil, nil)
	assert.Error(t, err)
}

func TestBacktestConfig_WithParams(t *testing.T) {
	cfg, err := DefaultBacktestConfig().WithParams(map[string]float64{
		"fast_period": 5,
		"reward_risk": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Strategy.FastPeriod)
	assert.Equal(t, 3.0, cfg.Ledger.RewardRisk)

	_, err = DefaultBacktestConfig().WithParams(map[string]float64{"risk_per_trade": 0.5})
	assert.Error(t, err)
	assert.Contains(t, AllParamNames(), "min_signal_strength")
}

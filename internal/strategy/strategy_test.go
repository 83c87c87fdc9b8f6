package strategy

import (
	"context"
	"math"
	"testing"
	"time"

	"replayGuard/internal/domain"
	"replayGuard/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct {
	debugMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.debugMsgs = append(m.debugMsgs, msg)
}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func upRibbon(confidence float64) domain.IndicatorSnapshot {
	return domain.IndicatorSnapshot{
		Close:      1.0012,
		PrevClose:  1.0008,
		Fast:       1.0010,
		Medium:     1.0005,
		Slow:       1.0000,
		PrevFast:   1.0009,
		Momentum:   0.3,
		RSI:        58,
		Confidence: confidence,
		Warm:       true,
	}
}

func TestDecide_RibbonScenario(t *testing.T) {
	cfg := DefaultConfig()

	got := cfg.Decide(domain.Flat, upRibbon(0.6))
	assert.Equal(t, Decision{Direction: domain.Long, Entry: true}, got)

	got = cfg.Decide(domain.Flat, upRibbon(0.2))
	assert.False(t, got.Entry)
	assert.Equal(t, domain.Flat, got.Direction)
}

func TestDecide_Transitions(t *testing.T) {
	cfg := DefaultConfig()
	down := func() domain.IndicatorSnapshot {
		s := upRibbon(0.6)
		s.Fast, s.Medium, s.Slow = 0.9990, 0.9995, 1.0000
		s.PrevFast, s.PrevClose, s.Close = 0.9991, 0.9992, 0.9988
		s.Momentum = -0.3
		s.RSI = 40
		return s
	}

	tests := []struct {
		name  string
		state domain.Direction
		snap  func() domain.IndicatorSnapshot
		want  Decision
	}{
		{"short to long reversal", domain.Short, func() domain.IndicatorSnapshot { return upRibbon(0.6) },
			Decision{Direction: domain.Long, Entry: true}},
		{"already long holds", domain.Long, func() domain.IndicatorSnapshot { return upRibbon(0.6) },
			Decision{Direction: domain.Long}},
		{"flat to short", domain.Flat, down, Decision{Direction: domain.Short, Entry: true}},
		{"long exits on misalignment", domain.Long, func() domain.IndicatorSnapshot {
			s := upRibbon(0.6)
			s.Fast = 1.0004
			return s
		}, Decision{Direction: domain.Flat, Reason: domain.CloseReasonMisalignment}},
		{"no cross no entry", domain.Flat, func() domain.IndicatorSnapshot {
			s := upRibbon(0.6)
			s.PrevClose = 1.0011
			return s
		}, Decision{Direction: domain.Flat}},
		{"momentum must confirm", domain.Flat, func() domain.IndicatorSnapshot {
			s := upRibbon(0.6)
			s.Momentum = -0.1
			return s
		}, Decision{Direction: domain.Flat}},
		{"overbought blocks entry", domain.Flat, func() domain.IndicatorSnapshot {
			s := upRibbon(0.6)
			s.RSI = 80
			return s
		}, Decision{Direction: domain.Flat}},
		{"cold snapshot is flat", domain.Long, func() domain.IndicatorSnapshot {
			s := upRibbon(0.9)
			s.Warm = false
			return s
		}, Decision{Direction: domain.Flat}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.Decide(tt.state, tt.snap()))
		})
	}
}

func TestConfig_Confidence(t *testing.T) {
	cfg := DefaultConfig()

	// Spread 0.001 of 0.002 scores 0.5; momentum 0.35 of 0.5 scores 0.7.
	got := cfg.Confidence(1.0010, 1.0005, 1.0000, 0.35)
	assert.InDelta(t, 0.6, got, 1e-9)

	assert.Equal(t, 1.0, cfg.Confidence(1.1, 1.05, 1.0, 5))
	assert.Zero(t, cfg.Confidence(1, 1, 1, 0))
}

func TestConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"fast not below medium", func(c *Config) { c.FastPeriod = c.MediumPeriod }},
		{"min strength above one", func(c *Config) { c.MinSignalStrength = 1.2 }},
		{"negative min strength", func(c *Config) { c.MinSignalStrength = -0.1 }},
		{"oversold above fifty", func(c *Config) { c.RSIOversold = 60 }},
		{"negative momentum threshold", func(c *Config) { c.MomentumThreshold = -1 }},
		{"zero separation scale", func(c *Config) { c.SeparationScale = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ports.ErrConfigurationError)
		})
	}
}

func TestConfig_WithParams(t *testing.T) {
	cfg, err := DefaultConfig().WithParams(map[string]float64{
		"fast_period":         5,
		"min_signal_strength": 0.5,
		"stop_atr_multiple":   3, // not a strategy key
	})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.FastPeriod)
	assert.Equal(t, 0.5, cfg.MinSignalStrength)

	_, err = DefaultConfig().WithParams(map[string]float64{"fast_period": 30})
	assert.ErrorIs(t, err, ports.ErrConfigurationError)
	assert.Contains(t, ParamNames(), "slow_period")
}

func trendCandles(n int, slope float64) []domain.Candle {
	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Candle, n)
	for i := range out {
		px := 1.1 + slope*float64(i) + 0.002*math.Sin(float64(i)/2)
		out[i] = domain.Candle{Instrument: "EUR_USD", Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open: px, High: px + 0.0005, Low: px - 0.0005, Close: px, Volume: 100}
	}
	return out
}

func TestEngine_WarmUpReportsFlat(t *testing.T) {
	logger := &mockLogger{}
	e, err := NewEngine(DefaultConfig(), "EUR_USD", logger)
	require.NoError(t, err)

	for i, c := range trendCandles(DefaultConfig().Lookback(), 0.0005) {
		ev := e.OnCandle(context.Background(), c, false)
		assert.Equal(t, domain.Flat, ev.Direction, "bar %d", i)
		assert.False(t, ev.Entry)
		assert.False(t, ev.State.Warm)
	}
	assert.Contains(t, logger.debugMsgs, "Warming up indicators")
}

func TestEngine_TrendProducesEntryAndSuppression(t *testing.T) {
	candles := trendCandles(200, 0.0004)
	run := func(suppress bool) int {
		e, err := NewEngine(DefaultConfig(), "EUR_USD", &mockLogger{})
		require.NoError(t, err)
		entries := 0
		for _, c := range candles {
			ev := e.OnCandle(context.Background(), c, suppress)
			assert.GreaterOrEqual(t, ev.Confidence, 0.0)
			assert.LessOrEqual(t, ev.Confidence, 1.0)
			if ev.Entry {
				entries++
				assert.Equal(t, domain.Long, ev.Direction)
				assert.GreaterOrEqual(t, ev.Confidence, DefaultConfig().MinSignalStrength)
			}
		}
		return entries
	}
	assert.Greater(t, run(false), 0)
	assert.Zero(t, run(true))
}

func TestEngine_RewarmKeepsState(t *testing.T) {
	e, err := NewEngine(DefaultConfig(), "EUR_USD", &mockLogger{})
	require.NoError(t, err)
	for _, c := range trendCandles(80, 0.0004) {
		e.OnCandle(context.Background(), c, false)
	}
	e.Sync(domain.Long)
	e.Rewarm(context.Background())
	assert.Equal(t, domain.Long, e.State())
	assert.Zero(t, e.ATR())

	ev := e.OnCandle(context.Background(), trendCandles(81, 0.0004)[80], false)
	assert.False(t, ev.State.Warm)
	assert.Equal(t, domain.Long, e.State())
}

func TestNewEngine_RequiresLogger(t *testing.T) {
	_, err := NewEngine(DefaultConfig(), "EUR_USD", nil)
	assert.Error(t, err)
}

package backtesting

import (
	"context"
	"errors"
	"testing"
	"time"

	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
	"replayGuard/internal/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_CostAttribution(t *testing.T) {
	tests := []struct {
		name      string
		direction domain.Direction
		exitPrice float64
	}{
		{"long winner", domain.Long, 105},
		{"long loser", domain.Long, 98},
		{"short winner", domain.Short, 96},
		{"short loser", domain.Short, 103},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l, rm := newTestLedger(t, risk.DefaultRiskConfig(), "XAU_USD")

			rec, err := l.OnSignal(ctx, entry("XAU_USD", tt.direction, t0, 100, 2))
			require.NoError(t, err)
			assert.Nil(t, rec)

			pos := l.Position("XAU_USD")
			require.NotNil(t, pos)
			if tt.direction == domain.Long {
				assert.Greater(t, pos.EntryPrice, 100.0)
			} else {
				assert.Less(t, pos.EntryPrice, 100.0)
			}

			rec, err = l.OnSignal(ctx, exit("XAU_USD", t0.Add(5*time.Hour), tt.exitPrice, domain.CloseReasonMisalignment))
			require.NoError(t, err)
			require.NotNil(t, rec)

			assert.Greater(t, rec.Costs.Spread, 0.0)
			assert.Greater(t, rec.Costs.Slippage, 0.0)
			assert.Greater(t, rec.Costs.Commission, 0.0)
			assert.InDelta(t, rec.GrossPNL-rec.PNL, rec.Costs.Total(), 1e-9)
			assert.Equal(t, tt.direction.Sign()*(tt.exitPrice-100)*rec.Size, rec.GrossPNL)
			assert.Equal(t, domain.CloseReasonMisalignment, rec.CloseReason)
			assert.False(t, rec.ExitTime.Before(rec.EntryTime))

			assert.Nil(t, l.Position("XAU_USD"))
			assert.InDelta(t, 100000+rec.PNL, rm.Equity(), 1e-9)
			curve := l.EquityCurve()
			require.Len(t, curve, 2)
			assert.Equal(t, rm.Equity(), curve[1].Equity)
		})
	}
}

func TestLedger_Sizing(t *testing.T) {
	l, _ := newTestLedger(t, risk.DefaultRiskConfig(), "XAU_USD")
	_, err := l.OnSignal(context.Background(), entry("XAU_USD", domain.Long, t0, 100, 2))
	require.NoError(t, err)

	pos := l.Position("XAU_USD")
	require.NotNil(t, pos)
	// 1% of 100k over a 2*ATR stop distance of 4.
	assert.InDelta(t, 250.0, pos.Size, 1e-9)
	assert.InDelta(t, pos.EntryPrice-4, pos.StopPrice, 1e-9)
	assert.InDelta(t, pos.EntryPrice+8, pos.TargetPrice, 1e-9)
	assert.Equal(t, 100000.0, pos.EquityAtEntry)
}

func TestLedger_StopFallsBackToPct(t *testing.T) {
	l, _ := newTestLedger(t, risk.DefaultRiskConfig(), "XAU_USD")
	_, err := l.OnSignal(context.Background(), entry("XAU_USD", domain.Short, t0, 100, 0))
	require.NoError(t, err)

	pos := l.Position("XAU_USD")
	require.NotNil(t, pos)
	assert.InDelta(t, pos.EntryPrice+0.5, pos.StopPrice, 1e-9)
}

func TestLedger_ExposureCap(t *testing.T) {
	ctx := context.Background()
	cfg := risk.RiskConfig{MaxTradesPerDay: 5, MaxOpenPositions: 5, MaxExposurePct: 30}
	l, rm := newTestLedger(t, cfg, "XAU_USD", "XAG_USD", "XPT_USD")

	for _, inst := range []string{"XAU_USD", "XAG_USD", "XPT_USD"} {
		_, err := l.OnSignal(ctx, entry(inst, domain.Long, t0, 100, 2))
		require.NoError(t, err)
		assert.LessOrEqual(t, rm.GetStats().TotalExposure, rm.ExposureCap()+1e-9)
	}

	first, second := l.Position("XAU_USD"), l.Position("XAG_USD")
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Less(t, second.Notional(), first.Notional(), "second entry is scaled down")
	assert.InDelta(t, 30000.0, first.Notional()+second.Notional(), 1e-6)
	assert.Nil(t, l.Position("XPT_USD"), "no capacity left")
	assert.Equal(t, 1, rm.GetStats().Rejections)
}

func TestLedger_GateRejectionIsNotAnError(t *testing.T) {
	ctx := context.Background()
	cfg := risk.RiskConfig{MaxTradesPerDay: 5, MaxOpenPositions: 1, MaxExposurePct: 100}
	l, _ := newTestLedger(t, cfg, "XAU_USD", "XAG_USD")

	_, err := l.OnSignal(ctx, entry("XAU_USD", domain.Long, t0, 100, 2))
	require.NoError(t, err)
	rec, err := l.OnSignal(ctx, entry("XAG_USD", domain.Long, t0, 100, 2))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, domain.Flat, l.Direction("XAG_USD"))
}

func TestLedger_UnknownInstrumentFails(t *testing.T) {
	l, rm := newTestLedger(t, risk.DefaultRiskConfig(), "XAU_USD")

	_, err := l.OnSignal(context.Background(), entry("EUR_USD", domain.Long, t0, 1.1, 0.001))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrCostModelUnavailable))
	var cmErr *ports.CostModelUnavailableError
	require.True(t, errors.As(err, &cmErr))
	assert.Equal(t, "EUR_USD", cmErr.Instrument)

	assert.Nil(t, l.Position("EUR_USD"))
	assert.Zero(t, rm.GetStats().Reservations)
}

func TestLedger_Reversal(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, risk.DefaultRiskConfig(), "XAU_USD")

	_, err := l.OnSignal(ctx, entry("XAU_USD", domain.Long, t0, 100, 2))
	require.NoError(t, err)
	rec, err := l.OnSignal(ctx, entry("XAU_USD", domain.Short, t0.Add(time.Hour), 101, 2))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.CloseReasonTrendReversal, rec.CloseReason)
	assert.Equal(t, domain.Long, rec.Direction)
	assert.Equal(t, domain.Short, l.Direction("XAU_USD"))

	// Same-direction entries are ignored while open.
	rec, err = l.OnSignal(ctx, entry("XAU_USD", domain.Short, t0.Add(2*time.Hour), 100, 2))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Len(t, l.Trades(), 1)
}

func TestLedger_CheckExits(t *testing.T) {
	bar := func(open, high, low, close float64) domain.Candle {
		return domain.Candle{Instrument: "XAU_USD", Timestamp: t0.Add(time.Hour),
			Open: open, High: high, Low: low, Close: close, Volume: 100}
	}

	tests := []struct {
		name      string
		direction domain.Direction
		candle    func(stop, target float64) domain.Candle
		reason    domain.CloseReason
		exitAt    func(stop, target float64, c domain.Candle) float64
	}{
		{
			name:      "long stop",
			direction: domain.Long,
			candle:    func(s, _ float64) domain.Candle { return bar(s+1, s+2, s-0.5, s+0.5) },
			reason:    domain.CloseReasonStopLoss,
			exitAt:    func(s, _ float64, _ domain.Candle) float64 { return s },
		},
		{
			name:      "long target",
			direction: domain.Long,
			candle:    func(_, tp float64) domain.Candle { return bar(tp-1, tp+0.5, tp-2, tp) },
			reason:    domain.CloseReasonTakeProfit,
			exitAt:    func(_, tp float64, _ domain.Candle) float64 { return tp },
		},
		{
			name:      "long gaps through stop exits at open",
			direction: domain.Long,
			candle:    func(s, _ float64) domain.Candle { return bar(s-1, s-0.5, s-2, s-1) },
			reason:    domain.CloseReasonStopLoss,
			exitAt:    func(_, _ float64, c domain.Candle) float64 { return c.Open },
		},
		{
			name:      "both inside bar takes the stop",
			direction: domain.Long,
			candle:    func(s, tp float64) domain.Candle { return bar(s+1, tp+1, s-1, s+1) },
			reason:    domain.CloseReasonStopLoss,
			exitAt:    func(s, _ float64, _ domain.Candle) float64 { return s },
		},
		{
			name:      "short stop",
			direction: domain.Short,
			candle:    func(s, _ float64) domain.Candle { return bar(s-1, s+0.5, s-2, s-1) },
			reason:    domain.CloseReasonStopLoss,
			exitAt:    func(s, _ float64, _ domain.Candle) float64 { return s },
		},
		{
			name:      "short gaps through target exits at open",
			direction: domain.Short,
			candle:    func(_, tp float64) domain.Candle { return bar(tp-1, tp-0.5, tp-2, tp-1) },
			reason:    domain.CloseReasonTakeProfit,
			exitAt:    func(_, _ float64, c domain.Candle) float64 { return c.Open },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			l, _ := newTestLedger(t, risk.DefaultRiskConfig(), "XAU_USD")
			_, err := l.OnSignal(ctx, entry("XAU_USD", tt.direction, t0, 100, 2))
			require.NoError(t, err)
			pos := l.Position("XAU_USD")
			require.NotNil(t, pos)

			c := tt.candle(pos.StopPrice, pos.TargetPrice)
			rec, err := l.CheckExits(ctx, c)
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, tt.reason, rec.CloseReason)
			assert.InDelta(t, tt.exitAt(pos.StopPrice, pos.TargetPrice, c), rec.ExitSignalPrice, 1e-9)
			assert.Equal(t, c.Timestamp, rec.ExitTime)
		})
	}
}

func TestLedger_CheckExitsInsideRange(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, risk.DefaultRiskConfig(), "XAU_USD")
	_, err := l.OnSignal(ctx, entry("XAU_USD", domain.Long, t0, 100, 2))
	require.NoError(t, err)

	rec, err := l.CheckExits(ctx, domain.Candle{Instrument: "XAU_USD", Timestamp: t0.Add(time.Hour),
		Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 100})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NotNil(t, l.Position("XAU_USD"))
}

func TestLedgerConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*LedgerConfig)
	}{
		{"zero equity", func(c *LedgerConfig) { c.InitialEquity = 0 }},
		{"risk above 10%", func(c *LedgerConfig) { c.RiskPerTrade = 0.2 }},
		{"negative reward risk", func(c *LedgerConfig) { c.RewardRisk = -1 }},
		{"stop pct of one", func(c *LedgerConfig) { c.StopPct = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultLedgerConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ports.ErrConfigurationError))
		})
	}

	cfg, err := DefaultLedgerConfig().WithParams(map[string]float64{"reward_risk": 3, "fast_period": 5})
	require.NoError(t, err)
	assert.Equal(t, 3.0, cfg.RewardRisk)
}

package backtesting

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"replayGuard/internal/costs"
	"replayGuard/internal/domain"
	"replayGuard/internal/risk"

	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct {
	mu        sync.Mutex
	debugMsgs []string
	warns     []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugMsgs = append(m.debugMsgs, msg)
}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warns = append(m.warns, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

var t0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func testCosts() costs.InstrumentCosts {
	return costs.InstrumentCosts{
		BaseSpread:           0.0002,
		InstrumentFactor:     1,
		DefaultFactor:        1,
		CommissionRate:       0.0001,
		SlippageBps:          0.5,
		VolatilityMultiplier: 0.5,
		LiquidityMultiplier:  0.2,
		SlippageDispersion:   0.3,
	}
}

func testModel(t *testing.T, instruments ...string) *costs.Model {
	t.Helper()
	table := make(map[string]costs.InstrumentCosts, len(instruments))
	for _, inst := range instruments {
		table[inst] = testCosts()
	}
	m, err := costs.NewModel(table)
	require.NoError(t, err)
	return m
}

func newTestLedger(t *testing.T, riskCfg risk.RiskConfig, instruments ...string) (*Ledger, *risk.RiskManager) {
	t.Helper()
	cfg := DefaultLedgerConfig()
	rm, err := risk.NewRiskManager(riskCfg, cfg.InitialEquity)
	require.NoError(t, err)
	l, err := NewLedger(cfg, testModel(t, instruments...).NewQuoter(7), rm, &mockLogger{}, nil)
	require.NoError(t, err)
	l.Start(t0)
	return l, rm
}

func entry(inst string, dir domain.Direction, ts time.Time, price, atr float64) domain.SignalEvent {
	return domain.SignalEvent{
		Instrument: inst,
		Timestamp:  ts,
		Direction:  dir,
		Confidence: 0.6,
		Entry:      true,
		State:      domain.IndicatorSnapshot{Close: price, ATR: atr, Warm: true},
	}
}

func exit(inst string, ts time.Time, price float64, reason domain.CloseReason) domain.SignalEvent {
	return domain.SignalEvent{
		Instrument: inst,
		Timestamp:  ts,
		Direction:  domain.Flat,
		Reason:     reason,
		State:      domain.IndicatorSnapshot{Close: price, Warm: true},
	}
}

func trendCandles(inst string, n int, slope float64) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := range out {
		px := 1.1 + slope*float64(i) + 0.002*math.Sin(float64(i)/2)
		out[i] = domain.Candle{Instrument: inst, Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open: px, High: px + 0.0005, Low: px - 0.0005, Close: px, Volume: 100}
	}
	return out
}

package quality

import (
	"context"
	"sync"
	"testing"
	"time"

	"replayGuard/internal/calendar"
	"replayGuard/internal/domain"

	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger and records warnings.
type mockLogger struct {
	mu    sync.Mutex
	warns []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warns = append(m.warns, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func utc(y int, mo time.Month, d, h int) time.Time {
	return time.Date(y, mo, d, h, 0, 0, 0, time.UTC)
}

// hourly returns n hourly candles starting at start.
func hourly(instrument string, start time.Time, n int) []domain.Candle {
	out := make([]domain.Candle, n)
	for i := range out {
		px := 1.1000 + float64(i%5)*0.0001
		out[i] = domain.Candle{
			Instrument: instrument,
			Timestamp:  start.Add(time.Duration(i) * time.Hour),
			Open:       px,
			High:       px + 0.0005 + float64(i%3)*0.0001,
			Low:        px - 0.0005,
			Close:      px,
			Volume:     100 + float64(i%4)*5,
		}
	}
	return out
}

func newTestCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	cal, err := calendar.New(map[string]calendar.SessionWindow{
		"EUR_USD": calendar.FX(time.Hour),
		"BTCUSDT": calendar.Continuous(time.Hour),
		"ODD_FX": {
			Name:        "odd",
			BarInterval: time.Hour,
			Weekly: &calendar.WeeklyClosure{
				CloseDay: time.Friday, CloseTime: 21*time.Hour + 30*time.Minute,
				OpenDay: time.Sunday, OpenTime: 22 * time.Hour,
			},
		},
	})
	require.NoError(t, err)
	return cal
}

func newTestAnalyzer(t *testing.T, cfg DetectorConfig) (*Analyzer, *mockLogger) {
	t.Helper()
	logger := &mockLogger{}
	det, err := NewDetector(cfg, newTestCalendar(t), logger, nil)
	require.NoError(t, err)
	sc, err := NewScanner(DefaultScannerConfig())
	require.NoError(t, err)
	an, err := NewAnalyzer(det, sc, logger, 4)
	require.NoError(t, err)
	return an, logger
}

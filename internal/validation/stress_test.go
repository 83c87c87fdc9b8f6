package validation

import (
	"context"
	"errors"
	"testing"

	"replayGuard/internal/domain"
	"replayGuard/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tradesWithReturns(returns ...float64) []domain.TradeRecord {
	out := make([]domain.TradeRecord, len(returns))
	for i, r := range returns {
		out[i] = domain.TradeRecord{ID: int64(i + 1), ReturnPct: r, PNL: r * 10000}
	}
	return out
}

// oneBigLoss survives any ordering of its own trades but not a resample that repeats the loss.
func oneBigLoss() []domain.TradeRecord {
	returns := []float64{-0.25}
	for i := 0; i < 10; i++ {
		returns = append(returns, 0.05)
	}
	return tradesWithReturns(returns...)
}

func TestStressTest_ReportsMinimumAcrossMethods(t *testing.T) {
	v, _ := newTestValidator(t)

	res, err := v.StressTest(context.Background(), oneBigLoss(), nil, 500)
	require.NoError(t, err)

	require.Len(t, res.Methods, 3)
	assert.Equal(t, 1.0, res.Methods[MethodShuffle])
	assert.Less(t, res.Methods[MethodBootstrap], 1.0)

	lowest := 1.0
	for _, rate := range res.Methods {
		assert.GreaterOrEqual(t, rate, 0.0)
		if rate < lowest {
			lowest = rate
		}
	}
	assert.Equal(t, lowest, res.Survival)
	assert.Equal(t, lowest, res.Methods[res.WorstMethod])
	assert.NotEqual(t, MethodShuffle, res.WorstMethod)
	assert.Equal(t, 0.3, res.Threshold)
	assert.Equal(t, 500, res.Samples)
}

func TestStressTest_Deterministic(t *testing.T) {
	v, _ := newTestValidator(t)
	first, err := v.StressTest(context.Background(), oneBigLoss(), nil, 200)
	require.NoError(t, err)
	second, err := v.StressTest(context.Background(), oneBigLoss(), nil, 200)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStressTest_Extremes(t *testing.T) {
	v, _ := newTestValidator(t)
	ctx := context.Background()

	res, err := v.StressTest(ctx, nil, nil, 100)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Survival, "no trades cannot draw down")

	res, err = v.StressTest(ctx, tradesWithReturns(0.01, 0.02, 0.03), nil, 100)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Survival)

	res, err = v.StressTest(ctx, tradesWithReturns(-0.2, -0.2, -0.2), []Method{MethodShuffle}, 100)
	require.NoError(t, err)
	assert.Zero(t, res.Survival)
	assert.Equal(t, MethodShuffle, res.WorstMethod)
}

func TestStressTest_InvalidInput(t *testing.T) {
	v, _ := newTestValidator(t)
	_, err := v.StressTest(context.Background(), oneBigLoss(), nil, 0)
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))

	_, err = v.StressTest(context.Background(), oneBigLoss(), []Method{"jackknife"}, 10)
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = v.StressTest(ctx, oneBigLoss(), nil, 10)
	assert.True(t, errors.Is(err, ports.ErrContextCanceled))
}

func TestValidateWithStress_LowSurvivalFails(t *testing.T) {
	v, logger := newTestValidator(t)

	report, err := v.ValidateWithStress(context.Background(), runMetrics(), runMetrics(), oneBigLoss())
	require.NoError(t, err)
	require.NotNil(t, report.Stress)
	assert.False(t, report.Passed)
	assert.Equal(t, []string{"survival_rate"}, report.Breaches)
	assert.Contains(t, logger.warns, "Stress survival below minimum")
}

func TestResampleKeepsLength(t *testing.T) {
	v, _ := newTestValidator(t)
	for _, m := range AllMethods {
		rate, err := v.survival(context.Background(), []float64{0.01, -0.01, 0.02}, m, 10, 3)
		require.NoError(t, err, m)
		assert.Equal(t, 1.0, rate, m)
	}
	assert.InDelta(t, 0.36, pathDrawdown([]float64{0.1, -0.2, -0.2}), 1e-9)
}

func TestStressTest_MethodsKeepTheirOwnSeed(t *testing.T) {
	v, _ := newTestValidator(t)
	ctx := context.Background()
	returns := make([]float64, 0, 11)
	for _, tr := range oneBigLoss() {
		returns = append(returns, tr.ReturnPct)
	}

	res, err := v.StressTest(ctx, oneBigLoss(), nil, 300)
	require.NoError(t, err)

	for i, m := range AllMethods {
		t.Run(string(m), func(t *testing.T) {
			want, err := v.survival(ctx, returns, m, 300, v.config.Seed+int64(i))
			require.NoError(t, err)
			assert.Equal(t, want, res.Methods[m])
		})
	}
}

// Package validation compares backtest results with live trading and stress-tests
// the trade sequence by resampling.
package validation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
	"replayGuard/internal/strategy/analytics"
)

// toleranceEpsilon absorbs float noise at the exact tolerance boundary.
const toleranceEpsilon = 1e-12

// Tolerances is the allowed relative delta per metric. Only listed metrics are compared.
type Tolerances map[analytics.MetricName]float64

// DefaultTolerances returns win rate 5%, return 10%, drawdown 5% and trade frequency 20%.
func DefaultTolerances() Tolerances {
	return Tolerances{
		analytics.MetricWinRate:        0.05,
		analytics.MetricTotalReturn:    0.10,
		analytics.MetricMaxDrawdown:    0.05,
		analytics.MetricTradeFrequency: 0.20,
	}
}

// Validate rejects negative tolerances and unknown metrics.
func (t Tolerances) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: at least one drift tolerance is required", ports.ErrConfigurationError)
	}
	known := make(map[analytics.MetricName]bool, len(analytics.MetricNames))
	for _, name := range analytics.MetricNames {
		known[name] = true
	}
	var errs []string
	for name, tol := range t {
		if !known[name] {
			errs = append(errs, fmt.Sprintf("unknown metric %q", name))
		}
		if tol < 0 || math.IsNaN(tol) {
			errs = append(errs, fmt.Sprintf("tolerance for %s must be >= 0, got %v", name, tol))
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("%w: drift: %s", ports.ErrConfigurationError, strings.Join(errs, "; "))
	}
	return nil
}

// Report is the outcome of one validation.
type Report struct {
	Results  []domain.DriftResult `json:"results"`
	Breaches []string             `json:"breaches,omitempty"`
	Stress   *StressResult        `json:"stress,omitempty"`
	// Passed is false when any metric breaches its tolerance or survival falls below the minimum.
	Passed bool `json:"passed"`
}

// RelativeDelta is (backtest - live) / |live|, or the plain difference when live is zero.
func RelativeDelta(backtest, live float64) float64 {
	if live == 0 {
		return backtest - live
	}
	return (backtest - live) / math.Abs(live)
}

// Compare computes one DriftResult per tolerated metric, in report order.
func Compare(backtest, live *analytics.RunMetrics, tol Tolerances) []domain.DriftResult {
	results := make([]domain.DriftResult, 0, len(tol))
	for _, name := range analytics.MetricNames {
		limit, ok := tol[name]
		if !ok {
			continue
		}
		bt, _ := backtest.Value(name)
		lv, _ := live.Value(name)
		delta := RelativeDelta(bt, lv)
		results = append(results, domain.DriftResult{
			Metric:          string(name),
			LiveValue:       lv,
			BacktestValue:   bt,
			RelativeDelta:   delta,
			Tolerance:       limit,
			WithinTolerance: math.Abs(delta) <= limit+toleranceEpsilon,
		})
	}
	return results
}

// Validator checks backtests against live metrics.
type Validator struct {
	config     Config
	tolerances Tolerances
	logger     ports.Logger
	metrics    ports.Metrics
}

// NewValidator creates a validator.
func NewValidator(config Config, logger ports.Logger, metrics ports.Metrics) (*Validator, error) {
	if logger == nil {
		return nil, errors.New("logger is required for drift validator")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	tol := make(Tolerances, len(config.Tolerances))
	for k, v := range config.Tolerances {
		tol[analytics.MetricName(k)] = v
	}
	if len(tol) == 0 {
		tol = DefaultTolerances()
	}
	return &Validator{config: config, tolerances: tol, logger: logger, metrics: metrics}, nil
}

// Tolerances returns the configured tolerance bands.
func (v *Validator) Tolerances() Tolerances {
	out := make(Tolerances, len(v.tolerances))
	for k, t := range v.tolerances {
		out[k] = t
	}
	return out
}

// Validate compares backtest and live metrics. Every breach is logged and listed in the report.
func (v *Validator) Validate(ctx context.Context, backtest, live *analytics.RunMetrics) (*Report, error) {
	if backtest == nil || live == nil {
		return nil, fmt.Errorf("%w: backtest and live metrics are required", ports.ErrInvalidRequest)
	}
	report := &Report{Results: Compare(backtest, live, v.tolerances), Passed: true}
	for _, r := range report.Results {
		if r.WithinTolerance {
			continue
		}
		report.Passed = false
		report.Breaches = append(report.Breaches, r.Metric)
		v.logger.Warn(ctx, "Drift tolerance breached", map[string]interface{}{
			"metric":         r.Metric,
			"live":           r.LiveValue,
			"backtest":       r.BacktestValue,
			"relative_delta": r.RelativeDelta,
			"tolerance":      r.Tolerance,
		})
	}
	v.logger.Info(ctx, "Drift validation completed", map[string]interface{}{
		"metrics":  len(report.Results),
		"breaches": len(report.Breaches),
		"passed":   report.Passed,
	})
	return report, nil
}

// ValidateWithStress runs Validate and StressTest and folds the survival rate into the verdict.
func (v *Validator) ValidateWithStress(ctx context.Context, backtest, live *analytics.RunMetrics, trades []domain.TradeRecord) (*Report, error) {
	report, err := v.Validate(ctx, backtest, live)
	if err != nil {
		return nil, err
	}
	stress, err := v.StressTest(ctx, trades, v.config.Methods, v.config.StressSamples)
	if err != nil {
		return nil, err
	}
	report.Stress = stress
	if stress.Survival < v.config.MinSurvival {
		report.Passed = false
		report.Breaches = append(report.Breaches, "survival_rate")
		v.logger.Warn(ctx, "Stress survival below minimum", map[string]interface{}{
			"survival":     stress.Survival,
			"minimum":      v.config.MinSurvival,
			"worst_method": stress.WorstMethod,
		})
	}
	return report, nil
}

// LoadLiveMetrics reads live-trading metrics from a YAML file keyed by metric name.
func LoadLiveMetrics(path string) (*analytics.RunMetrics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read live metrics: %w", err)
	}
	var m analytics.RunMetrics
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: live metrics %s: %v", ports.ErrInvalidRequest, path, err)
	}
	return &m, nil
}

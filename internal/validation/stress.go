package validation

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
	"replayGuard/internal/strategy/analytics"
)

// Method is a trade-sequence resampling scheme.
type Method string

const (
	// MethodBootstrap draws trades independently with replacement.
	MethodBootstrap Method = "bootstrap"
	// MethodBlockBootstrap draws circular blocks of consecutive trades, keeping streaks intact.
	MethodBlockBootstrap Method = "block_bootstrap"
	// MethodShuffle permutes the original trades.
	MethodShuffle Method = "shuffle"
)

// AllMethods lists every resampling scheme.
var AllMethods = []Method{MethodBootstrap, MethodBlockBootstrap, MethodShuffle}

// Config holds drift tolerances and stress-test settings.
type Config struct {
	Tolerances           map[string]float64 `yaml:"tolerances"`
	StressSamples        int                `yaml:"stress_samples" default:"1000" validate:"gte=1"`
	BlockSize            int                `yaml:"block_size" default:"5" validate:"gte=1"`
	CatastrophicDrawdown float64            `yaml:"catastrophic_drawdown" default:"0.3" validate:"gt=0,lt=1"`
	MinSurvival          float64            `yaml:"min_survival" default:"0.95" validate:"gte=0,lte=1"`
	Methods              []Method           `yaml:"methods"`
	Seed                 int64              `yaml:"seed" default:"1"`
}

// DefaultConfig returns the standard tolerances with 1000 samples per method.
func DefaultConfig() Config {
	tol := make(map[string]float64)
	for k, v := range DefaultTolerances() {
		tol[string(k)] = v
	}
	return Config{
		Tolerances:           tol,
		StressSamples:        1000,
		BlockSize:            5,
		CatastrophicDrawdown: 0.3,
		MinSurvival:          0.95,
		Methods:              AllMethods,
		Seed:                 1,
	}
}

// Validate rejects out-of-range settings.
func (c Config) Validate() error {
	tol := make(Tolerances, len(c.Tolerances))
	for k, v := range c.Tolerances {
		tol[analytics.MetricName(k)] = v
	}
	var errs []string
	if len(tol) > 0 {
		if err := tol.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.StressSamples < 1 {
		errs = append(errs, "stress samples must be >= 1")
	}
	if c.BlockSize < 1 {
		errs = append(errs, "block size must be >= 1")
	}
	if c.CatastrophicDrawdown <= 0 || c.CatastrophicDrawdown >= 1 {
		errs = append(errs, fmt.Sprintf("catastrophic drawdown must be within (0,1), got %v", c.CatastrophicDrawdown))
	}
	if c.MinSurvival < 0 || c.MinSurvival > 1 {
		errs = append(errs, fmt.Sprintf("min survival must be within [0,1], got %v", c.MinSurvival))
	}
	for _, m := range c.Methods {
		if !knownMethod(m) {
			errs = append(errs, fmt.Sprintf("unknown resampling method %q", m))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: validation: %s", ports.ErrConfigurationError, strings.Join(errs, "; "))
	}
	return nil
}

// StressResult holds survival rates per method and their minimum.
type StressResult struct {
	Samples   int                `json:"samples"`
	Threshold float64            `json:"threshold"`
	Methods   map[Method]float64 `json:"methods"`
	// Survival is the lowest survival rate across methods.
	Survival    float64 `json:"survival"`
	WorstMethod Method  `json:"worst_method"`
}

// StressTest resamples the trade sequence n times per method and reports the fraction of
// resampled equity paths whose drawdown stays below the catastrophic threshold.
// Paths compound each trade's return on equity at entry. Methods run in parallel, each with
// its own seeded source, so results depend only on the seed.
func (v *Validator) StressTest(ctx context.Context, trades []domain.TradeRecord, methods []Method, n int) (*StressResult, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: sample count must be >= 1", ports.ErrInvalidRequest)
	}
	if len(methods) == 0 {
		methods = AllMethods
	}
	for _, m := range methods {
		if !knownMethod(m) {
			return nil, fmt.Errorf("%w: unknown resampling method %q", ports.ErrInvalidRequest, m)
		}
	}

	started := time.Now()
	returns := make([]float64, len(trades))
	for i, t := range trades {
		returns[i] = t.ReturnPct
	}

	rates := make([]float64, len(methods))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range methods {
		g.Go(func() error {
			rate, err := v.survival(gctx, returns, m, n, v.config.Seed+int64(i))
			rates[i] = rate
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &StressResult{
		Samples:   n,
		Threshold: v.config.CatastrophicDrawdown,
		Methods:   make(map[Method]float64, len(methods)),
		Survival:  math.Inf(1),
	}
	for i, m := range methods {
		result.Methods[m] = rates[i]
		if rates[i] < result.Survival {
			result.Survival, result.WorstMethod = rates[i], m
		}
	}

	v.metrics.ObserveDuration("stress_test", time.Since(started))
	v.logger.Info(ctx, "Stress test completed", map[string]interface{}{
		"trades":       len(trades),
		"samples":      n,
		"survival":     result.Survival,
		"worst_method": result.WorstMethod,
	})
	return result, nil
}

func (v *Validator) survival(ctx context.Context, returns []float64, m Method, n int, seed int64) (float64, error) {
	if len(returns) == 0 {
		return 1, nil
	}
	rng := rand.New(rand.NewSource(seed))
	path := make([]float64, len(returns))
	survived := 0
	for s := 0; s < n; s++ {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ports.ErrContextCanceled, err)
		}
		resample(rng, m, returns, path, v.config.BlockSize)
		if pathDrawdown(path) < v.config.CatastrophicDrawdown {
			survived++
		}
	}
	return float64(survived) / float64(n), nil
}

// resample fills out with a resampled copy of returns.
func resample(rng *rand.Rand, m Method, returns, out []float64, block int) {
	n := len(returns)
	switch m {
	case MethodBootstrap:
		for i := range out {
			out[i] = returns[rng.Intn(n)]
		}
	case MethodBlockBootstrap:
		for i := 0; i < n; {
			start := rng.Intn(n)
			for j := 0; j < block && i < n; j++ {
				out[i] = returns[(start+j)%n]
				i++
			}
		}
	case MethodShuffle:
		copy(out, returns)
		rng.Shuffle(n, func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
}

// pathDrawdown compounds returns from unit equity and returns the maximum drawdown.
func pathDrawdown(returns []float64) float64 {
	equity, peak, worst := 1.0, 1.0, 0.0
	for _, r := range returns {
		equity *= 1 + r
		if equity <= 0 {
			return 1
		}
		if equity > peak {
			peak = equity
		}
		worst = math.Max(worst, (peak-equity)/peak)
	}
	return worst
}

func knownMethod(m Method) bool {
	for _, k := range AllMethods {
		if k == m {
			return true
		}
	}
	return false
}

package optimization

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
	"replayGuard/internal/strategy/analytics"
	"replayGuard/internal/strategy/backtesting"
)

// ParameterRange defines a range for a parameter to optimize
type ParameterRange struct {
	Name  string  `yaml:"name"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	Step  float64 `yaml:"step"`
	IsInt bool    `yaml:"is_int"`
}

// Method selects how candidates are chosen.
type Method string

const (
	MethodGrid       Method = "grid"
	MethodSequential Method = "sequential"
)

// ObjectiveWeights define score = Return*total_return - Drawdown*max_drawdown
// - Frequency*max(0, trade_frequency - MaxFrequency).
type ObjectiveWeights struct {
	Return       float64 `yaml:"return" default:"1" validate:"gte=0"`
	Drawdown     float64 `yaml:"drawdown" default:"1" validate:"gte=0"`
	Frequency    float64 `yaml:"frequency" default:"0.1" validate:"gte=0"`
	MaxFrequency float64 `yaml:"max_frequency" default:"5" validate:"gte=0"`
}

// DefaultObjective weighs return and drawdown equally and penalises more than five trades a day.
func DefaultObjective() ObjectiveWeights {
	return ObjectiveWeights{Return: 1, Drawdown: 1, Frequency: 0.1, MaxFrequency: 5}
}

// Score evaluates the objective.
func (w ObjectiveWeights) Score(m *analytics.RunMetrics) float64 {
	return w.Return*m.TotalReturn - w.Drawdown*m.MaxDrawdown - w.Frequency*math.Max(0, m.TradeFrequency-w.MaxFrequency)
}

// OptimizerConfig holds configuration for the optimizer
type OptimizerConfig struct {
	ParameterRanges []ParameterRange `yaml:"ranges"`
	Method          Method           `yaml:"method" default:"grid"`
	Objective       ObjectiveWeights `yaml:"objective"`
	Workers         int              `yaml:"workers" default:"4"`
	// Budget caps sequential trials. Grid search always runs the full grid.
	Budget         int     `yaml:"budget" default:"30"`
	InitialSamples int     `yaml:"initial_samples" default:"8"`
	Exploration    float64 `yaml:"exploration" default:"1"`
	// Bandwidth is the kernel width in units of each normalised parameter range.
	Bandwidth float64 `yaml:"bandwidth" default:"0.2"`
	Seed      int64   `yaml:"seed" default:"1"`
}

// Validate rejects unusable optimizer settings.
func (c OptimizerConfig) Validate() error {
	var errs []string
	if len(c.ParameterRanges) == 0 {
		errs = append(errs, "at least one parameter range is required")
	}
	seen := make(map[string]bool)
	for _, r := range c.ParameterRanges {
		if r.Name == "" || seen[r.Name] {
			errs = append(errs, fmt.Sprintf("parameter name %q is empty or repeated", r.Name))
		}
		seen[r.Name] = true
		if r.Step <= 0 || r.Max < r.Min {
			errs = append(errs, fmt.Sprintf("parameter %s needs min <= max and a positive step", r.Name))
		}
	}
	if c.Method != MethodGrid && c.Method != MethodSequential {
		errs = append(errs, fmt.Sprintf("unknown method %q", c.Method))
	}
	if c.Workers < 1 {
		errs = append(errs, "workers must be >= 1")
	}
	if c.Method == MethodSequential {
		if c.Budget < 1 || c.InitialSamples < 1 {
			errs = append(errs, "budget and initial samples must be >= 1")
		}
		if c.Exploration < 0 || c.Bandwidth <= 0 {
			errs = append(errs, "exploration must be >= 0 and bandwidth > 0")
		}
	}
	w := c.Objective
	if w.Return < 0 || w.Drawdown < 0 || w.Frequency < 0 || w.MaxFrequency < 0 {
		errs = append(errs, "objective weights must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: optimizer: %s", ports.ErrConfigurationError, strings.Join(errs, "; "))
	}
	return nil
}

// Evaluator runs one trial.
type Evaluator func(ctx context.Context, params map[string]float64) (*analytics.RunMetrics, error)

// Trial is one evaluated parameter set.
type Trial struct {
	Index    int                   `json:"index"`
	Params   map[string]float64    `json:"params"`
	Metrics  *analytics.RunMetrics `json:"metrics,omitempty"`
	Score    float64               `json:"score"`
	Err      error                 `json:"-"`
	Error    string                `json:"error,omitempty"`
	Duration time.Duration         `json:"duration"`
}

// OK reports whether the trial produced metrics.
func (t Trial) OK() bool { return t.Err == nil && t.Metrics != nil }

// OptimizationResult holds the best trial and the full trace in issue order.
type OptimizationResult struct {
	Best      *Trial  `json:"best,omitempty"`
	Trace     []Trial `json:"trace"`
	Cancelled bool    `json:"cancelled"`
}

// Optimizer implements strategy parameter optimization
type Optimizer struct {
	config  OptimizerConfig
	logger  ports.Logger
	metrics ports.Metrics
}

// NewOptimizer creates a new optimizer instance
func NewOptimizer(config OptimizerConfig, logger ports.Logger, metrics ports.Metrics) (*Optimizer, error) {
	if logger == nil {
		return nil, errors.New("logger is required for optimizer")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Optimizer{config: config, logger: logger, metrics: metrics}, nil
}

// Optimize evaluates candidates until the grid or budget is exhausted or ctx is cancelled.
// After cancellation no new trial starts; trials already running finish and are recorded.
func (o *Optimizer) Optimize(ctx context.Context, evaluate Evaluator) (*OptimizationResult, error) {
	started := time.Now()
	candidates := o.generateParameterCombinations()

	var (
		trace     []Trial
		cancelled bool
	)
	if o.config.Method == MethodSequential {
		trace, cancelled = o.sequential(ctx, candidates, evaluate)
	} else {
		trace, cancelled = o.runBatch(ctx, candidates, 0, evaluate)
	}

	result := &OptimizationResult{Trace: trace, Cancelled: cancelled}
	for i := range trace {
		t := &trace[i]
		if t.OK() && (result.Best == nil || t.Score > result.Best.Score) {
			result.Best = t
		}
	}

	o.metrics.ObserveDuration("optimize", time.Since(started))
	fields := map[string]interface{}{
		"method":    o.config.Method,
		"trials":    len(trace),
		"cancelled": cancelled,
	}
	if result.Best == nil {
		o.logger.Warn(ctx, "Optimization finished without a successful trial", fields)
		return result, fmt.Errorf("%w: %d trials", ports.ErrNoTrials, len(trace))
	}
	fields["best_score"] = result.Best.Score
	fields["best_params"] = result.Best.Params
	o.logger.Info(ctx, "Optimization completed", fields)
	return result, nil
}

// runBatch evaluates params on a bounded pool. Trial indexes start at offset.
func (o *Optimizer) runBatch(ctx context.Context, params []map[string]float64, offset int, evaluate Evaluator) ([]Trial, bool) {
	trials := make([]Trial, len(params))
	sem := make(chan struct{}, o.config.Workers)
	var wg sync.WaitGroup

	issued, cancelled := 0, false
issue:
	for i, p := range params {
		select {
		case <-ctx.Done():
			cancelled = true
			break issue
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			<-sem
			cancelled = true
			break
		}
		issued++
		wg.Add(1)
		go func(i int, p map[string]float64) {
			defer wg.Done()
			defer func() { <-sem }()
			trials[i] = o.runTrial(context.WithoutCancel(ctx), offset+i, p, evaluate)
		}(i, p)
	}
	wg.Wait()
	return trials[:issued], cancelled
}

func (o *Optimizer) runTrial(ctx context.Context, index int, params map[string]float64, evaluate Evaluator) Trial {
	start := time.Now()
	t := Trial{Index: index, Params: params}
	m, err := evaluate(ctx, params)
	t.Duration = time.Since(start)
	if err == nil && m == nil {
		err = errors.New("evaluator returned no metrics")
	}
	if err != nil {
		t.Err, t.Error = err, err.Error()
		o.metrics.ObserveTrial("failed")
		o.logger.Warn(ctx, "Optimization trial failed", map[string]interface{}{
			"trial":  index,
			"params": params,
			"error":  err.Error(),
		})
		return t
	}
	t.Metrics = m
	t.Score = o.config.Objective.Score(m)
	o.metrics.ObserveTrial("ok")
	return t
}

// sequential runs seeded random initial samples, then repeatedly evaluates the unexplored
// candidates with the highest upper confidence bound under a Nadaraya-Watson score model.
func (o *Optimizer) sequential(ctx context.Context, candidates []map[string]float64, evaluate Evaluator) ([]Trial, bool) {
	rng := rand.New(rand.NewSource(o.config.Seed))
	order := rng.Perm(len(candidates))
	budget := min(o.config.Budget, len(candidates))

	points := make([][]float64, len(candidates))
	for i, c := range candidates {
		points[i] = o.normalise(c)
	}
	tried := make(map[int]bool, budget)
	var trace []Trial

	run := func(picks []int) bool {
		batch := make([]map[string]float64, len(picks))
		for i, idx := range picks {
			batch[i] = candidates[idx]
			tried[idx] = true
		}
		done, cancelled := o.runBatch(ctx, batch, len(trace), evaluate)
		trace = append(trace, done...)
		return cancelled
	}

	initial := order[:min(o.config.InitialSamples, budget)]
	if run(initial) {
		return trace, true
	}

	for len(trace) < budget {
		var xs [][]float64
		var ys []float64
		for _, t := range trace {
			if t.OK() {
				xs = append(xs, o.normalise(t.Params))
				ys = append(ys, t.Score)
			}
		}
		scale := stddev(ys)
		if scale == 0 {
			scale = 1
		}

		type scored struct {
			idx int
			ucb float64
		}
		var pool []scored
		for idx := range candidates {
			if tried[idx] {
				continue
			}
			mean, weight := o.estimate(points[idx], xs, ys)
			pool = append(pool, scored{idx, mean + o.config.Exploration*scale/math.Sqrt(1+weight)})
		}
		if len(pool) == 0 {
			break
		}
		sort.SliceStable(pool, func(i, j int) bool {
			if pool[i].ucb != pool[j].ucb {
				return pool[i].ucb > pool[j].ucb
			}
			return pool[i].idx < pool[j].idx
		})

		n := min(o.config.Workers, budget-len(trace), len(pool))
		picks := make([]int, n)
		for i := range picks {
			picks[i] = pool[i].idx
		}
		if run(picks) {
			return trace, true
		}
	}
	return trace, false
}

// estimate returns the kernel-weighted mean score at x and the total kernel weight.
func (o *Optimizer) estimate(x []float64, xs [][]float64, ys []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	h2 := 2 * o.config.Bandwidth * o.config.Bandwidth
	sumW, sumWY, fallback := 0.0, 0.0, 0.0
	for i, p := range xs {
		d2 := 0.0
		for k := range p {
			d2 += (p[k] - x[k]) * (p[k] - x[k])
		}
		w := math.Exp(-d2 / h2)
		sumW += w
		sumWY += w * ys[i]
		fallback += ys[i]
	}
	if sumW < 1e-12 {
		return fallback / float64(len(ys)), sumW
	}
	return sumWY / sumW, sumW
}

func (o *Optimizer) normalise(params map[string]float64) []float64 {
	out := make([]float64, len(o.config.ParameterRanges))
	for i, r := range o.config.ParameterRanges {
		if r.Max > r.Min {
			out[i] = (params[r.Name] - r.Min) / (r.Max - r.Min)
		}
	}
	return out
}

// generateParameterCombinations generates all possible parameter combinations
func (o *Optimizer) generateParameterCombinations() []map[string]float64 {
	var combinations []map[string]float64
	var currentCombination map[string]float64

	var generate func(int)
	generate = func(paramIndex int) {
		if paramIndex == len(o.config.ParameterRanges) {
			combination := make(map[string]float64, len(currentCombination))
			for k, v := range currentCombination {
				combination[k] = v
			}
			combinations = append(combinations, combination)
			return
		}

		param := o.config.ParameterRanges[paramIndex]
		for i := 0; ; i++ {
			value := param.Min + float64(i)*param.Step
			if value > param.Max+param.Step/2 {
				break
			}
			if value > param.Max {
				value = param.Max
			}
			if param.IsInt {
				value = math.Round(value)
			}
			currentCombination[param.Name] = value
			generate(paramIndex + 1)
		}
	}

	currentCombination = make(map[string]float64)
	generate(0)
	return combinations
}

// BacktestEvaluator replays the series with each trial's parameters applied to base.
func BacktestEvaluator(runner *backtesting.Runner, base backtesting.BacktestConfig, series map[string][]domain.Candle, annotations map[string]backtesting.BarQuality) Evaluator {
	return func(ctx context.Context, params map[string]float64) (*analytics.RunMetrics, error) {
		cfg, err := base.WithParams(params)
		if err != nil {
			return nil, err
		}
		res, err := runner.Run(ctx, cfg, series, annotations)
		if err != nil {
			return nil, err
		}
		return analytics.AnalyzePerformance(res.Trades, res.InitialEquity, analytics.Span{Start: res.Start, End: res.End}), nil
	}
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	v := 0.0
	for _, x := range xs {
		v += (x - mean) * (x - mean)
	}
	return math.Sqrt(v / float64(len(xs)-1))
}

package backtesting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"replayGuard/internal/costs"
	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
	"replayGuard/internal/quality"
	"replayGuard/internal/risk"
	"replayGuard/internal/strategy"
)

// BarQuality exposes the quality annotations a replay consults per bar.
type BarQuality interface {
	Anomalous(ts time.Time) bool
	ResumesAfterOutage(ts time.Time) bool
}

// BacktestConfig holds everything a single replay needs besides the candles.
type BacktestConfig struct {
	Strategy strategy.Config
	Ledger   LedgerConfig
	Risk     risk.RiskConfig
	// VolumeWindow is the number of bars in the rolling median volume used for slippage.
	VolumeWindow int
	// Workers bounds parallel signal computation per bar.
	Workers int
}

// DefaultBacktestConfig returns standard replay settings.
func DefaultBacktestConfig() BacktestConfig {
	return BacktestConfig{
		Strategy:     strategy.DefaultConfig(),
		Ledger:       DefaultLedgerConfig(),
		Risk:         risk.DefaultRiskConfig(),
		VolumeWindow: 24,
		Workers:      4,
	}
}

// WithParams applies optimizer parameters to the strategy and ledger sections.
func (c BacktestConfig) WithParams(params map[string]float64) (BacktestConfig, error) {
	out := c
	var err error
	if out.Strategy, err = c.Strategy.WithParams(params); err != nil {
		return c, err
	}
	if out.Ledger, err = c.Ledger.WithParams(params); err != nil {
		return c, err
	}
	return out, nil
}

// AllParamNames lists every parameter accepted by BacktestConfig.WithParams.
func AllParamNames() []string {
	out := append(strategy.ParamNames(), ParamNames()...)
	sort.Strings(out)
	return out
}

// BacktestResult is the outcome of one replay.
type BacktestResult struct {
	Instruments   []string
	Start, End    time.Time
	Bars          int
	InitialEquity float64
	FinalEquity   float64
	Trades        []domain.TradeRecord
	EquityCurve   []domain.EquityPoint
	Risk          risk.RiskStats
}

// Runner replays several instruments on a shared clock.
type Runner struct {
	model   *costs.Model
	logger  ports.Logger
	metrics ports.Metrics
}

// NewRunner creates a runner bound to a cost model.
func NewRunner(model *costs.Model, logger ports.Logger, metrics ports.Metrics) (*Runner, error) {
	if logger == nil {
		return nil, errors.New("logger is required for backtest runner")
	}
	if model == nil {
		return nil, fmt.Errorf("%w: cost model is required", ports.ErrCostModelUnavailable)
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Runner{model: model, logger: logger, metrics: metrics}, nil
}

type lane struct {
	instrument string
	candles    []domain.Candle
	next       int
	engine     *strategy.Engine
	quality    BarQuality
	volumes    []float64
}

// Run replays the series. At every timestamp, stops and targets are checked first, then signals
// are computed in parallel, then fills are applied one instrument at a time in name order.
// annotations may be nil or miss instruments.
func (r *Runner) Run(ctx context.Context, cfg BacktestConfig, series map[string][]domain.Candle, annotations map[string]BarQuality) (*BacktestResult, error) {
	started := time.Now()
	if len(series) == 0 {
		return nil, fmt.Errorf("%w: no instruments to replay", ports.ErrInvalidRequest)
	}
	if cfg.VolumeWindow <= 0 {
		cfg.VolumeWindow = 24
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	riskMgr, err := risk.NewRiskManager(cfg.Risk, cfg.Ledger.InitialEquity)
	if err != nil {
		return nil, err
	}
	ledger, err := NewLedger(cfg.Ledger, r.model.NewQuoter(cfg.Ledger.Seed), riskMgr, r.logger, r.metrics)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(series))
	for inst := range series {
		names = append(names, inst)
	}
	sort.Strings(names)

	lanes := make([]*lane, 0, len(names))
	var clock []time.Time
	seen := make(map[int64]struct{})
	for _, inst := range names {
		candles := series[inst]
		if err := quality.ValidateSeries(inst, candles); err != nil {
			return nil, err
		}
		if len(candles) == 0 {
			continue
		}
		engine, err := strategy.NewEngine(cfg.Strategy, inst, r.logger)
		if err != nil {
			return nil, err
		}
		if need := cfg.Strategy.Lookback() + 1; len(candles) < need {
			// The engine stays FLAT for the whole series.
			err := fmt.Errorf("%w: %s has %d candles, needs %d", ports.ErrInsufficientHistory, inst, len(candles), need)
			r.logger.Warn(ctx, "Series shorter than indicator lookback, no signals", map[string]interface{}{
				"instrument": inst,
				"error":      err.Error(),
			})
		}
		l := &lane{instrument: inst, candles: candles, engine: engine}
		if annotations != nil {
			l.quality = annotations[inst]
		}
		lanes = append(lanes, l)
		for _, c := range candles {
			key := c.Timestamp.UnixNano()
			if _, ok := seen[key]; !ok {
				seen[key] = struct{}{}
				clock = append(clock, c.Timestamp)
			}
		}
	}
	if len(clock) == 0 {
		return nil, fmt.Errorf("%w: all series are empty", ports.ErrInvalidRequest)
	}
	sort.Slice(clock, func(i, j int) bool { return clock[i].Before(clock[j]) })

	r.logger.Info(ctx, "Starting backtest", map[string]interface{}{
		"instruments": names,
		"start":       clock[0],
		"end":         clock[len(clock)-1],
		"steps":       len(clock),
	})

	ledger.Start(clock[0])
	last := make(map[string]domain.Candle, len(lanes))
	bars := 0
	active := make([]*lane, 0, len(lanes))
	events := make([]domain.SignalEvent, len(lanes))

	for _, ts := range clock {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ports.ErrContextCanceled, err)
		}

		active = active[:0]
		for _, l := range lanes {
			if l.next < len(l.candles) && l.candles[l.next].Timestamp.Equal(ts) {
				active = append(active, l)
			}
		}

		// Exits for positions carried into this bar.
		for _, l := range active {
			c := l.candles[l.next]
			l.mark(c, cfg.VolumeWindow, ledger)
			if l.quality != nil && l.quality.ResumesAfterOutage(ts) {
				l.engine.Rewarm(ctx)
			}
			rec, err := ledger.CheckExits(ctx, c)
			if err != nil {
				return nil, err
			}
			if rec != nil {
				l.engine.Sync(domain.Flat)
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.Workers)
		for i, l := range active {
			g.Go(func() error {
				c := l.candles[l.next]
				suppress := l.quality != nil && l.quality.Anomalous(c.Timestamp)
				events[i] = l.engine.OnCandle(gctx, c, suppress)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for i, l := range active {
			if _, err := ledger.OnSignal(ctx, events[i]); err != nil {
				return nil, err
			}
			l.engine.Sync(ledger.Direction(l.instrument))
			last[l.instrument] = l.candles[l.next]
			l.next++
			bars++
		}
	}

	if _, err := ledger.CloseAll(ctx, last, domain.CloseReasonEndOfData); err != nil {
		return nil, err
	}

	result := &BacktestResult{
		Instruments:   names,
		Start:         clock[0],
		End:           clock[len(clock)-1],
		Bars:          bars,
		InitialEquity: cfg.Ledger.InitialEquity,
		FinalEquity:   riskMgr.Equity(),
		Trades:        ledger.Trades(),
		EquityCurve:   ledger.EquityCurve(),
		Risk:          riskMgr.GetStats(),
	}
	r.metrics.ObserveDuration("backtest", time.Since(started))
	r.logger.Info(ctx, "Backtest completed", map[string]interface{}{
		"trades":       len(result.Trades),
		"final_equity": result.FinalEquity,
		"rejections":   result.Risk.Rejections,
	})
	return result, nil
}

func (l *lane) mark(c domain.Candle, window int, ledger *Ledger) {
	l.volumes = append(l.volumes, c.Volume)
	if len(l.volumes) > window {
		l.volumes = l.volumes[len(l.volumes)-window:]
	}
	ledger.Mark(l.instrument, costs.MarketState{
		Price:        c.Close,
		ATR:          l.engine.ATR(),
		Volume:       c.Volume,
		MedianVolume: median(l.volumes),
	})
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

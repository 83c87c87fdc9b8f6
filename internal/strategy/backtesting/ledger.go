package backtesting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"replayGuard/internal/costs"
	"replayGuard/internal/domain"
	"replayGuard/internal/ports"
	"replayGuard/internal/risk"
)

// LedgerConfig holds sizing and exit parameters.
type LedgerConfig struct {
	InitialEquity float64 `yaml:"initial_equity" default:"100000" validate:"gt=0"`
	// RiskPerTrade is the fraction of equity lost if the stop is hit.
	RiskPerTrade    float64 `yaml:"risk_per_trade" default:"0.01" validate:"gt=0,lte=0.1"`
	StopATRMultiple float64 `yaml:"stop_atr_multiple" default:"2" validate:"gt=0"`
	// StopPct is the stop distance as a fraction of price when ATR is unavailable.
	StopPct    float64 `yaml:"stop_pct" default:"0.005" validate:"gt=0,lt=1"`
	RewardRisk float64 `yaml:"reward_risk" default:"2" validate:"gt=0"`
	// Seed drives the slippage sampler.
	Seed int64 `yaml:"seed" default:"1"`
}

// DefaultLedgerConfig returns standard sizing.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		InitialEquity:   100000,
		RiskPerTrade:    0.01,
		StopATRMultiple: 2,
		StopPct:         0.005,
		RewardRisk:      2,
		Seed:            1,
	}
}

// Validate rejects out-of-range sizing.
func (c LedgerConfig) Validate() error {
	var errs []string
	if c.InitialEquity <= 0 {
		errs = append(errs, "initial equity must be positive")
	}
	if c.RiskPerTrade <= 0 || c.RiskPerTrade > 0.1 {
		errs = append(errs, fmt.Sprintf("risk per trade must be within (0,0.1], got %v", c.RiskPerTrade))
	}
	if c.StopATRMultiple <= 0 || c.RewardRisk <= 0 {
		errs = append(errs, "stop ATR multiple and reward/risk must be positive")
	}
	if c.StopPct <= 0 || c.StopPct >= 1 {
		errs = append(errs, "stop pct must be within (0,1)")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: ledger: %s", ports.ErrConfigurationError, strings.Join(errs, "; "))
	}
	return nil
}

var ledgerParams = map[string]func(*LedgerConfig, float64){
	"risk_per_trade":    func(c *LedgerConfig, v float64) { c.RiskPerTrade = v },
	"stop_atr_multiple": func(c *LedgerConfig, v float64) { c.StopATRMultiple = v },
	"stop_pct":          func(c *LedgerConfig, v float64) { c.StopPct = v },
	"reward_risk":       func(c *LedgerConfig, v float64) { c.RewardRisk = v },
}

// ParamNames lists the keys accepted by LedgerConfig.WithParams.
func ParamNames() []string {
	out := make([]string, 0, len(ledgerParams))
	for k := range ledgerParams {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// WithParams returns a validated copy with the known keys applied; other keys are ignored.
func (c LedgerConfig) WithParams(params map[string]float64) (LedgerConfig, error) {
	out := c
	for k, v := range params {
		if set, ok := ledgerParams[k]; ok {
			set(&out, v)
		}
	}
	return out, out.Validate()
}

// Ledger simulates fills for one run. It owns every open position; nothing else mutates them.
// Calls must be serialized by the caller.
type Ledger struct {
	cfg     LedgerConfig
	quoter  *costs.Quoter
	risk    *risk.RiskManager
	logger  ports.Logger
	metrics ports.Metrics

	positions map[string]*domain.Position
	market    map[string]costs.MarketState
	trades    []domain.TradeRecord
	equity    []domain.EquityPoint
	nextID    int64
}

// NewLedger creates a ledger. The risk manager must be dedicated to this run.
func NewLedger(cfg LedgerConfig, quoter *costs.Quoter, riskMgr *risk.RiskManager, logger ports.Logger, metrics ports.Metrics) (*Ledger, error) {
	if logger == nil {
		return nil, errors.New("logger is required for ledger")
	}
	if quoter == nil || riskMgr == nil {
		return nil, errors.New("quoter and risk manager are required for ledger")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Ledger{
		cfg:       cfg,
		quoter:    quoter,
		risk:      riskMgr,
		logger:    logger,
		metrics:   metrics,
		positions: make(map[string]*domain.Position),
		market:    make(map[string]costs.MarketState),
	}, nil
}

// Mark records the market context of the instrument's latest bar.
func (l *Ledger) Mark(instrument string, state costs.MarketState) {
	l.market[instrument] = state
}

// Position returns a copy of the open position, or nil.
func (l *Ledger) Position(instrument string) *domain.Position {
	p, ok := l.positions[instrument]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// Direction returns the open position's direction, or FLAT.
func (l *Ledger) Direction(instrument string) domain.Direction {
	if p, ok := l.positions[instrument]; ok {
		return p.Direction
	}
	return domain.Flat
}

// Trades returns the trade log in close order.
func (l *Ledger) Trades() []domain.TradeRecord {
	return append([]domain.TradeRecord(nil), l.trades...)
}

// EquityCurve returns one point per close, preceded by the starting point.
func (l *Ledger) EquityCurve() []domain.EquityPoint {
	return append([]domain.EquityPoint(nil), l.equity...)
}

// Start records the initial equity point.
func (l *Ledger) Start(ts time.Time) {
	l.equity = append(l.equity, domain.EquityPoint{Time: ts, Equity: l.risk.Equity()})
}

// CheckExits closes the instrument's position if the bar traded through its stop or target.
// The stop wins when both are inside the bar. A bar that opens beyond a level exits at the open.
func (l *Ledger) CheckExits(ctx context.Context, c domain.Candle) (*domain.TradeRecord, error) {
	p, ok := l.positions[c.Instrument]
	if !ok {
		return nil, nil
	}

	var (
		price  float64
		reason domain.CloseReason
	)
	switch p.Direction {
	case domain.Long:
		if c.Low <= p.StopPrice {
			price, reason = math.Min(c.Open, p.StopPrice), domain.CloseReasonStopLoss
		} else if c.High >= p.TargetPrice {
			price, reason = math.Max(c.Open, p.TargetPrice), domain.CloseReasonTakeProfit
		}
	case domain.Short:
		if c.High >= p.StopPrice {
			price, reason = math.Max(c.Open, p.StopPrice), domain.CloseReasonStopLoss
		} else if c.Low <= p.TargetPrice {
			price, reason = math.Min(c.Open, p.TargetPrice), domain.CloseReasonTakeProfit
		}
	}
	if reason == "" {
		return nil, nil
	}
	return l.close(ctx, p, price, c.Timestamp, reason)
}

// OnSignal applies a signal event. An entry against an open opposite position closes it first
// and returns that trade. Entries rejected by a portfolio gate are skipped without error.
func (l *Ledger) OnSignal(ctx context.Context, ev domain.SignalEvent) (*domain.TradeRecord, error) {
	p, open := l.positions[ev.Instrument]

	if !ev.Entry {
		if open && ev.Direction == domain.Flat && ev.Reason != "" {
			return l.close(ctx, p, ev.State.Close, ev.Timestamp, ev.Reason)
		}
		return nil, nil
	}

	var closed *domain.TradeRecord
	if open {
		if p.Direction == ev.Direction {
			return nil, nil
		}
		rec, err := l.close(ctx, p, ev.State.Close, ev.Timestamp, domain.CloseReasonTrendReversal)
		if err != nil {
			return nil, err
		}
		closed = rec
	}
	if err := l.open(ctx, ev); err != nil {
		return closed, err
	}
	return closed, nil
}

// CloseAll closes every open position at its instrument's last price, in instrument order.
func (l *Ledger) CloseAll(ctx context.Context, last map[string]domain.Candle, reason domain.CloseReason) ([]domain.TradeRecord, error) {
	names := make([]string, 0, len(l.positions))
	for inst := range l.positions {
		names = append(names, inst)
	}
	sort.Strings(names)

	var out []domain.TradeRecord
	for _, inst := range names {
		c, ok := last[inst]
		if !ok {
			return out, fmt.Errorf("no closing bar for %s", inst)
		}
		rec, err := l.close(ctx, l.positions[inst], c.Close, c.Timestamp, reason)
		if err != nil {
			return out, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (l *Ledger) open(ctx context.Context, ev domain.SignalEvent) error {
	signal := ev.State.Close
	state := l.market[ev.Instrument]
	state.Price = signal
	if ev.State.ATR > 0 {
		state.ATR = ev.State.ATR
	}

	side := ev.Direction.EntrySide()
	quote, err := l.quoter.Quote(ev.Instrument, ev.Timestamp, side, state)
	if err != nil {
		return fmt.Errorf("entry %s at %s: %w", ev.Instrument, ev.Timestamp.Format(time.RFC3339), err)
	}
	fill := quote.FillPrice(signal, side)

	stopDist := signal * l.cfg.StopPct
	if state.ATR > 0 {
		stopDist = state.ATR * l.cfg.StopATRMultiple
	}

	equity := l.risk.Equity()
	size := equity * l.cfg.RiskPerTrade / stopDist
	granted, err := l.risk.Reserve(ctx, ev.Instrument, ev.Timestamp, size*fill)
	if err != nil {
		if errors.Is(err, ports.ErrInvalidRequest) {
			return err
		}
		l.logger.Debug(ctx, "Entry rejected by portfolio gate", map[string]interface{}{
			"instrument": ev.Instrument,
			"direction":  ev.Direction,
			"reason":     err.Error(),
		})
		return nil
	}
	if granted < size*fill {
		l.logger.Debug(ctx, "Entry scaled down to exposure cap", map[string]interface{}{
			"instrument": ev.Instrument,
			"requested":  size * fill,
			"granted":    granted,
			"cap":        l.risk.ExposureCap(),
		})
	}
	size = granted / fill

	commission, err := l.quoter.Model().Commission(ev.Instrument, granted)
	if err != nil {
		l.risk.Release(ctx, granted, 0)
		return fmt.Errorf("entry %s at %s: %w", ev.Instrument, ev.Timestamp.Format(time.RFC3339), err)
	}

	l.nextID++
	sign := ev.Direction.Sign()
	pos := &domain.Position{
		ID:            l.nextID,
		Instrument:    ev.Instrument,
		Direction:     ev.Direction,
		SignalPrice:   signal,
		EntryPrice:    fill,
		Size:          size,
		StopPrice:     fill - sign*stopDist,
		TargetPrice:   fill + sign*stopDist*l.cfg.RewardRisk,
		OpenedAt:      ev.Timestamp,
		Status:        domain.StatusOpen,
		EquityAtEntry: equity,
		EntryCosts: domain.CostBreakdown{
			Spread:     size * quote.Spread / 2,
			Slippage:   size * quote.Slippage,
			Commission: commission,
		},
	}
	l.positions[ev.Instrument] = pos

	l.logger.Debug(ctx, "Position opened", map[string]interface{}{
		"instrument": ev.Instrument,
		"direction":  ev.Direction,
		"fill":       fill,
		"size":       size,
		"stop":       pos.StopPrice,
		"target":     pos.TargetPrice,
		"confidence": ev.Confidence,
	})
	return nil
}

func (l *Ledger) close(ctx context.Context, p *domain.Position, signal float64, ts time.Time, reason domain.CloseReason) (*domain.TradeRecord, error) {
	state := l.market[p.Instrument]
	state.Price = signal
	side := p.Direction.ExitSide()
	quote, err := l.quoter.Quote(p.Instrument, ts, side, state)
	if err != nil {
		return nil, fmt.Errorf("exit %s at %s: %w", p.Instrument, ts.Format(time.RFC3339), err)
	}
	fill := quote.FillPrice(signal, side)
	commission, err := l.quoter.Model().Commission(p.Instrument, p.Size*fill)
	if err != nil {
		return nil, fmt.Errorf("exit %s at %s: %w", p.Instrument, ts.Format(time.RFC3339), err)
	}

	sign := p.Direction.Sign()
	costs := p.EntryCosts.Add(domain.CostBreakdown{
		Spread:     p.Size * quote.Spread / 2,
		Slippage:   p.Size * quote.Slippage,
		Commission: commission,
	})
	gross := sign * (signal - p.SignalPrice) * p.Size
	pnl := sign*(fill-p.EntryPrice)*p.Size - costs.Commission

	rec := domain.TradeRecord{
		ID:               int64(len(l.trades) + 1),
		PositionID:       p.ID,
		Instrument:       p.Instrument,
		Direction:        p.Direction,
		Size:             p.Size,
		EntrySignalPrice: p.SignalPrice,
		EntryPrice:       p.EntryPrice,
		ExitSignalPrice:  signal,
		ExitPrice:        fill,
		EntryTime:        p.OpenedAt,
		ExitTime:         ts,
		GrossPNL:         gross,
		PNL:              pnl,
		ReturnPct:        pnl / p.EquityAtEntry,
		EquityAtEntry:    p.EquityAtEntry,
		Costs:            costs,
		CloseReason:      reason,
	}
	l.trades = append(l.trades, rec)
	delete(l.positions, p.Instrument)
	p.Status = domain.StatusClosed

	l.risk.Release(ctx, p.Notional(), pnl)
	l.equity = append(l.equity, domain.EquityPoint{Time: ts, Equity: l.risk.Equity()})
	l.metrics.ObserveTrade(p.Instrument, string(reason), pnl)

	l.logger.Debug(ctx, "Position closed", map[string]interface{}{
		"instrument": p.Instrument,
		"reason":     reason,
		"pnl":        pnl,
		"costs":      costs.Total(),
	})
	return &rec, nil
}
